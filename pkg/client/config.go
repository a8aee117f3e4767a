package client

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds the transport client configuration. Zero fields are filled
// from DefaultConfig.
type Config struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8888/ws".
	URL string

	// RetryMaxAttempts is the total number of connection attempts in one
	// connect cycle before a terminal error. Default: 5.
	RetryMaxAttempts uint64

	// RetryBaseDelay is the first backoff delay. Successive delays double
	// up to RetryMaxDelay. Default: 1s.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff delay. Default: 30s.
	RetryMaxDelay time.Duration

	// ConnectTimeout bounds one dial plus the identity handshake.
	// Default: 10s.
	ConnectTimeout time.Duration

	// WriteTimeout bounds a single frame write. Default: 10s.
	WriteTimeout time.Duration

	// ChunkThreshold is the serialized-frame size above which payloads
	// are fragmented. Default: 1 MiB.
	ChunkThreshold int

	// ChunkSize is the fragment size in bytes. Default: 1 MiB.
	ChunkSize int

	// Logger is the client logger. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the stock client configuration.
func DefaultConfig() *Config {
	return &Config{
		RetryMaxAttempts: 5,
		RetryBaseDelay:   time.Second,
		RetryMaxDelay:    30 * time.Second,
		ConnectTimeout:   10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ChunkThreshold:   1 << 20,
		ChunkSize:        1 << 20,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.RetryMaxAttempts == 0 {
		c.RetryMaxAttempts = d.RetryMaxAttempts
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ChunkThreshold == 0 {
		c.ChunkThreshold = d.ChunkThreshold
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("client: URL is required")
	}
	return nil
}
