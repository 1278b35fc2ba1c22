// Package config provides application configuration management.
//
// The config package handles loading and validation of the service's
// configuration from YAML files and environment variables: HTTP and MCP
// server settings, isolation backend selection, default resource
// ceilings, pool sizing and per-language runtime settings.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("HTTP port: %d\n", cfg.Server.HTTPPort)
package config
