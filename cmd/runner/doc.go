// Package main is the entry point for the sandbox runner service.
//
// The runner evaluates untrusted candidate code (Python, JavaScript, C++)
// against visible and hidden test cases inside isolated containers. It
// serves an HTTP API, an optional MCP transport and an optional Redis
// queue intake, all over a shared pool of warm execution contexts with
// automatic fallback between the container daemon API and the container
// CLI.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
