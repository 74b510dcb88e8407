// Package config loads the server's YAML configuration: listen address,
// tool timeouts, provider selection, storage backend selection, and
// logging. Environment variables referenced as ${VAR} in the file are
// expanded before parsing, so credentials never need to live on disk.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the agentbridge server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the WebSocket listener and per-session limits.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// ToolTimeout bounds how long the orchestrator waits for a client-side
	// tool_result/tool_error before treating the call as timed out.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// MaxTurns overrides the 5-turn agent loop cap. Zero means "use the
	// default"; only tests should set this to anything but zero.
	MaxTurns int `yaml:"max_turns"`
}

// ProviderConfig selects and configures the LLM provider adapter.
type ProviderConfig struct {
	// Kind is "openai" or "anthropic".
	Kind string `yaml:"kind"`

	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the credential,
	// rather than storing the credential in the file itself.
	APIKeyEnv string `yaml:"api_key_env"`

	BaseURL    string        `yaml:"base_url"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	MaxTokens  int64         `yaml:"max_tokens"`
}

// APIKey resolves the provider credential from the environment.
func (p ProviderConfig) APIKey() string {
	return os.Getenv(p.APIKeyEnv)
}

// StorageConfig selects and configures the session store backend.
type StorageConfig struct {
	// Kind is "memory" or "postgres".
	Kind string `yaml:"kind"`

	// DSNEnv names the environment variable holding the postgres DSN.
	DSNEnv string `yaml:"dsn_env"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN resolves the storage connection string from the environment.
func (s StorageConfig) DSN() string {
	return os.Getenv(s.DSNEnv)
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns a Config usable out of the box against an in-memory
// store, for local development and tests.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			ToolTimeout: 30 * time.Second,
		},
		Provider: ProviderConfig{
			Kind:      "anthropic",
			Model:     "claude-sonnet-4-20250514",
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
		Storage: StorageConfig{
			Kind:   "memory",
			DSNEnv: "AGENTBRIDGE_DATABASE_URL",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and parses the YAML file at path, expanding ${VAR}-style
// environment references first, and applies defaults for anything the
// file leaves zero-valued.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects combinations that would fail later with a confusing error.
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("provider.kind must be %q or %q, got %q", "openai", "anthropic", c.Provider.Kind)
	}
	switch c.Storage.Kind {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.kind must be %q or %q, got %q", "memory", "postgres", c.Storage.Kind)
	}
	if c.Storage.Kind == "postgres" && c.Storage.DSN() == "" {
		return fmt.Errorf("storage.dsn_env=%s is unset", c.Storage.DSNEnv)
	}
	if c.Provider.APIKey() == "" {
		return fmt.Errorf("provider.api_key_env=%s is unset", c.Provider.APIKeyEnv)
	}
	return nil
}
