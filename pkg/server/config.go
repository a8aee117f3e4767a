package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the relay server configuration.
type Config struct {
	// Host is the listen address. Default: "0.0.0.0".
	Host string

	// Port is the listen port. Default: 8888.
	Port int

	// MaxConnections caps concurrent websocket connections. Connections
	// beyond the cap are refused during the upgrade. Default: 100.
	MaxConnections int

	// KeepaliveInterval is the ping cadence per connection. A connection
	// that misses two intervals is considered dead. Default: 30s.
	KeepaliveInterval time.Duration

	// ChunkIdleTimeout is how long an incomplete chunked transfer may sit
	// without progress before it is discarded and the sender notified.
	// Default: 300s.
	ChunkIdleTimeout time.Duration

	// WriteTimeout bounds a single frame write. Default: 10s.
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration

	// ReadBufferSize and WriteBufferSize size the websocket buffers.
	ReadBufferSize  int
	WriteBufferSize int

	// AllowedOrigins restricts upgrade requests by Origin header. Empty
	// means any origin is accepted.
	AllowedOrigins []string

	// SSLCertPath and SSLKeyPath enable TLS when both are set.
	SSLCertPath string
	SSLKeyPath  string

	// StaticDir, when set, is served for paths not claimed by the relay
	// endpoints.
	StaticDir string

	// Registry receives the relay metrics. Default:
	// prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// Logger is the server logger. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the stock relay configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              8888,
		MaxConnections:    100,
		KeepaliveInterval: 30 * time.Second,
		ChunkIdleTimeout:  300 * time.Second,
		WriteTimeout:      10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.ChunkIdleTimeout == 0 {
		c.ChunkIdleTimeout = d.ChunkIdleTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.Registry == nil {
		c.Registry = prometheus.DefaultRegisterer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	if (c.SSLCertPath == "") != (c.SSLKeyPath == "") {
		return fmt.Errorf("server: ssl_cert_path and ssl_key_path must be set together")
	}
	return nil
}

// Address returns the host:port listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// checkOrigin builds the upgrade origin check from AllowedOrigins.
func (c *Config) checkOrigin() func(*http.Request) bool {
	if len(c.AllowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowed[origin] {
			return true
		}
		if u, err := url.Parse(origin); err == nil && allowed[u.Host] {
			return true
		}
		return false
	}
}
