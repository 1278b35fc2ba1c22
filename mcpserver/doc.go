// Package mcpserver exposes submission evaluation over the Model Context
// Protocol (MCP).
//
// The mcpserver package implements an MCP-compliant server that exposes the
// run_code_tests tool. It uses the mark3labs/mcp-go library to handle the
// protocol details; the tool accepts candidate code plus visible and hidden
// test cases and returns the candidate-facing report as JSON.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, runner)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
