// Package config provides configuration management for the CAW server.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the server.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite store configuration. When Path is empty the
// store location is derived from the mode: global mode uses ~/.caw/workflows.db,
// per-repo mode uses <repoPath>/.caw/workflows.db.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"`
	RepoPath string `mapstructure:"repoPath"`
}

// NATSConfig holds the optional external event bus configuration. An empty
// URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// OrchestratorConfig holds timeouts for heartbeat-based takeover.
type OrchestratorConfig struct {
	AgentStaleTimeout int `mapstructure:"agentStaleTimeout"` // in seconds
	LockStaleTimeout  int `mapstructure:"lockStaleTimeout"`  // in seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AgentStaleTimeoutDuration returns the agent heartbeat timeout as a time.Duration.
func (o *OrchestratorConfig) AgentStaleTimeoutDuration() time.Duration {
	return time.Duration(o.AgentStaleTimeout) * time.Second
}

// LockStaleTimeoutDuration returns the workflow lock timeout as a time.Duration.
func (o *OrchestratorConfig) LockStaleTimeoutDuration() time.Duration {
	return time.Duration(o.LockStaleTimeout) * time.Second
}

// StorePath resolves the database location. An explicit path wins; otherwise
// a configured repoPath selects per-repo mode, and global mode is the default.
func (d *DatabaseConfig) StorePath() string {
	if d.Path != "" {
		return d.Path
	}
	if d.RepoPath != "" {
		return filepath.Join(d.RepoPath, ".caw", "workflows.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".caw", "workflows.db")
	}
	return filepath.Join(home, ".caw", "workflows.db")
}

// detectDefaultLogFormat returns "json" for production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CAW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7433)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty path means derive from mode
	v.SetDefault("database.path", "")
	v.SetDefault("database.repoPath", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "caw-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Orchestrator defaults
	v.SetDefault("orchestrator.agentStaleTimeout", 120)
	v.SetDefault("orchestrator.lockStaleTimeout", 300)
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix CAW_ with snake_case naming.
// The config file is config.yaml in the current directory or ~/.caw/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".caw"))
	}

	// A missing config file is fine; everything has a default.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Orchestrator.AgentStaleTimeout <= 0 {
		return fmt.Errorf("orchestrator.agentStaleTimeout must be positive, got %d", cfg.Orchestrator.AgentStaleTimeout)
	}
	if cfg.Orchestrator.LockStaleTimeout <= 0 {
		return fmt.Errorf("orchestrator.lockStaleTimeout must be positive, got %d", cfg.Orchestrator.LockStaleTimeout)
	}
	return nil
}
