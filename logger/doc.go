// Package logger provides structured logging capabilities.
//
// The logger package sets up the service's logging using zap. Production
// mode emits JSON with ISO8601 timestamps; development mode emits
// colorized console output.
package logger
