package server

import (
	"log/slog"
	"time"
)

// Config configures the hub server.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// DataDir is the root directory for persisted state (tokens,
	// assets, plugin state).
	DataDir string

	// BuildHash identifies the server build; sent in server_meta.
	BuildHash string

	// ReadBufferSize and WriteBufferSize are the websocket buffer
	// sizes in bytes.
	ReadBufferSize  int
	WriteBufferSize int

	// HandshakeTimeout bounds the AUTHENTICATING window. A session
	// that has not authenticated when it expires is closed; the
	// server never leaves a session half-authenticated beyond it.
	HandshakeTimeout time.Duration

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration

	// TrustedOrigins are origins accepted for websocket upgrades in
	// addition to the server's own host.
	TrustedOrigins []string

	// DashboardToken is the operator-configured credential that
	// authorizes a dashboard session. Empty disables dashboard
	// connections.
	DashboardToken string

	// Logger is the base logger; slog.Default() when nil.
	Logger *slog.Logger
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:          "127.0.0.1:26423",
		DataDir:          "data",
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		ShutdownTimeout:  5 * time.Second,
	}
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
