// Package config loads the aiflow.yaml configuration file and environment
// overrides shared by the relay and the client runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for Config.
const (
	DefaultHost              = "localhost"
	DefaultPort              = 8888
	DefaultRetryMaxAttempts  = 5
	DefaultRetryBaseDelay    = time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultConnectionTimeout = 10 * time.Second
	DefaultMaxConnections    = 100
	DefaultKeepalive         = 30 * time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// WebSocket holds transport settings shared by relay and client.
type WebSocket struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	RetryMaxAttempts  uint64        `yaml:"retry_max_attempts"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	MaxConnections    int           `yaml:"max_connections"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// Security holds TLS and origin settings.
type Security struct {
	SSLCertPath    string   `yaml:"ssl_cert_path"`
	SSLKeyPath     string   `yaml:"ssl_key_path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Logging holds log output settings.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full aiflow configuration.
type Config struct {
	WebSocket WebSocket `yaml:"websocket"`
	Security  Security  `yaml:"security"`
	Logging   Logging   `yaml:"logging"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		WebSocket: WebSocket{
			Host:              DefaultHost,
			Port:              DefaultPort,
			RetryMaxAttempts:  DefaultRetryMaxAttempts,
			RetryBaseDelay:    DefaultRetryBaseDelay,
			RetryMaxDelay:     DefaultRetryMaxDelay,
			ConnectionTimeout: DefaultConnectionTimeout,
			MaxConnections:    DefaultMaxConnections,
			KeepaliveInterval: DefaultKeepalive,
		},
		Logging: Logging{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Load reads and parses the YAML config at path. A missing file yields the
// defaults. Environment overrides are applied after the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays AIFLOW_* environment variables onto the config. The
// variables are typically placed in a .env file loaded at startup.
func (c *Config) applyEnv() {
	if v := os.Getenv("AIFLOW_HOST"); v != "" {
		c.WebSocket.Host = v
	}
	if v := os.Getenv("AIFLOW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.WebSocket.Port = port
		}
	}
	if v := os.Getenv("AIFLOW_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AIFLOW_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("AIFLOW_SSL_CERT_PATH"); v != "" {
		c.Security.SSLCertPath = v
	}
	if v := os.Getenv("AIFLOW_SSL_KEY_PATH"); v != "" {
		c.Security.SSLKeyPath = v
	}
}

// Validate checks that all config values are usable.
func (c *Config) Validate() error {
	if c.WebSocket.Port < 1 || c.WebSocket.Port > 65535 {
		return ValidationError{Field: "websocket.port", Message: "must be between 1 and 65535"}
	}
	if c.WebSocket.RetryMaxAttempts == 0 {
		return ValidationError{Field: "websocket.retry_max_attempts", Message: "must be positive"}
	}
	if c.WebSocket.RetryBaseDelay <= 0 {
		return ValidationError{Field: "websocket.retry_base_delay", Message: "must be positive"}
	}
	if c.WebSocket.RetryMaxDelay < c.WebSocket.RetryBaseDelay {
		return ValidationError{Field: "websocket.retry_max_delay", Message: "must be at least retry_base_delay"}
	}
	if c.WebSocket.MaxConnections <= 0 {
		return ValidationError{Field: "websocket.max_connections", Message: "must be positive"}
	}
	if (c.Security.SSLCertPath == "") != (c.Security.SSLKeyPath == "") {
		return ValidationError{Field: "security.ssl_cert_path", Message: "ssl_cert_path and ssl_key_path must be set together"}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return ValidationError{Field: "logging.format", Message: "must be text or json"}
	}
	return nil
}

// URL returns the websocket endpoint for clients.
func (c *Config) URL() string {
	scheme := "ws"
	if c.Security.SSLCertPath != "" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws", scheme, c.WebSocket.Host, c.WebSocket.Port)
}
