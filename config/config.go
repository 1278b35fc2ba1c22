package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Languages LanguagesConfig `mapstructure:"languages"`
}

// ServerConfig holds the HTTP and MCP server configuration
type ServerConfig struct {
	HTTPPort     int    `mapstructure:"http_port"`
	MCPTransport string `mapstructure:"mcp_transport"`
	MCPPort      int    `mapstructure:"mcp_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds isolation backend configuration and the default
// resource ceilings applied to every run
type SandboxConfig struct {
	DaemonHost       string  `mapstructure:"daemon_host"`
	CLIBinary        string  `mapstructure:"cli_binary"`
	TimeoutSec       int     `mapstructure:"timeout_sec"`
	MemoryMB         int     `mapstructure:"memory_mb"`
	CPUShare         float64 `mapstructure:"cpu_share"`
	MaxOutputKB      int     `mapstructure:"max_output_kb"`
	ProbeTimeoutSec  int     `mapstructure:"probe_timeout_sec"`
	BreakerThreshold int     `mapstructure:"breaker_threshold"`
}

// PoolConfig holds execution context pool sizing
type PoolConfig struct {
	Capacity   int `mapstructure:"capacity"`
	IdleTTLSec int `mapstructure:"idle_ttl_sec"`
	WarmCount  int `mapstructure:"warm_count"`
}

// RunnerConfig holds per-submission test runner tuning
type RunnerConfig struct {
	Parallelism int `mapstructure:"parallelism"`
	BudgetSec   int `mapstructure:"budget_sec"`
}

// QueueConfig holds the optional queue-based intake
type QueueConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	SubmissionKey string `mapstructure:"submission_key"`
	ResultPrefix  string `mapstructure:"result_prefix"`
}

// LanguagesConfig holds language-specific configurations
type LanguagesConfig struct {
	Python     LanguageConfig `mapstructure:"python"`
	JavaScript LanguageConfig `mapstructure:"javascript"`
	CPP        LanguageConfig `mapstructure:"cpp"`
}

// LanguageConfig describes one language runtime
type LanguageConfig struct {
	Image      string `mapstructure:"image"`
	SourceFile string `mapstructure:"source_file"`
	BinaryFile string `mapstructure:"binary_file"`
	BuildCmd   string `mapstructure:"build_cmd"`
	RunCmd     string `mapstructure:"run_cmd"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("sandbox")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.mcp_transport", "off")
	viper.SetDefault("server.mcp_port", 8081)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("sandbox.daemon_host", "")
	viper.SetDefault("sandbox.cli_binary", "docker")
	viper.SetDefault("sandbox.timeout_sec", 5)
	viper.SetDefault("sandbox.memory_mb", 256)
	viper.SetDefault("sandbox.cpu_share", 1.0)
	viper.SetDefault("sandbox.max_output_kb", 64)
	viper.SetDefault("sandbox.probe_timeout_sec", 3)
	viper.SetDefault("sandbox.breaker_threshold", 3)

	viper.SetDefault("pool.capacity", 8)
	viper.SetDefault("pool.idle_ttl_sec", 300)
	viper.SetDefault("pool.warm_count", 1)

	viper.SetDefault("runner.parallelism", 4)
	viper.SetDefault("runner.budget_sec", 60)

	viper.SetDefault("queue.enabled", false)
	viper.SetDefault("queue.redis_addr", "localhost:6379")
	viper.SetDefault("queue.redis_password", "")
	viper.SetDefault("queue.submission_key", "sandbox:submissions")
	viper.SetDefault("queue.result_prefix", "sandbox:results:")

	// Python defaults
	viper.SetDefault("languages.python.image", "python:3.11-slim")
	viper.SetDefault("languages.python.source_file", "solution.py")
	viper.SetDefault("languages.python.run_cmd", "python3 solution.py")

	// JavaScript defaults
	viper.SetDefault("languages.javascript.image", "node:20-slim")
	viper.SetDefault("languages.javascript.source_file", "solution.js")
	viper.SetDefault("languages.javascript.run_cmd", "node solution.js")

	// C++ defaults
	viper.SetDefault("languages.cpp.image", "gcc:13")
	viper.SetDefault("languages.cpp.source_file", "solution.cpp")
	viper.SetDefault("languages.cpp.binary_file", "solution")
	viper.SetDefault("languages.cpp.build_cmd", "g++ -std=c++17 -O2 -o solution solution.cpp")
	viper.SetDefault("languages.cpp.run_cmd", "./solution")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	switch c.Server.MCPTransport {
	case "off", "stdio", "http":
	default:
		return fmt.Errorf("invalid server.mcp_transport: %s, must be 'off', 'stdio' or 'http'", c.Server.MCPTransport)
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUShare <= 0 {
		return fmt.Errorf("sandbox.cpu_share must be positive, got: %f", c.Sandbox.CPUShare)
	}

	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be positive, got: %d", c.Pool.Capacity)
	}

	if c.Runner.Parallelism <= 0 {
		return fmt.Errorf("runner.parallelism must be positive, got: %d", c.Runner.Parallelism)
	}

	for name, lang := range map[string]LanguageConfig{
		"python":     c.Languages.Python,
		"javascript": c.Languages.JavaScript,
		"cpp":        c.Languages.CPP,
	} {
		if lang.Image == "" {
			return fmt.Errorf("languages.%s.image must be set", name)
		}
		if lang.RunCmd == "" {
			return fmt.Errorf("languages.%s.run_cmd must be set", name)
		}
	}

	if c.Languages.CPP.BuildCmd == "" || c.Languages.CPP.BinaryFile == "" {
		return fmt.Errorf("languages.cpp needs build_cmd and binary_file")
	}

	return nil
}

// GetTimeout returns the default execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetProbeTimeout returns the backend probe timeout as a duration
func (c *Config) GetProbeTimeout() time.Duration {
	return time.Duration(c.Sandbox.ProbeTimeoutSec) * time.Second
}

// GetIdleTTL returns the pool idle eviction TTL as a duration
func (c *Config) GetIdleTTL() time.Duration {
	return time.Duration(c.Pool.IdleTTLSec) * time.Second
}

// GetBudget returns the per-submission budget as a duration
func (c *Config) GetBudget() time.Duration {
	return time.Duration(c.Runner.BudgetSec) * time.Second
}
