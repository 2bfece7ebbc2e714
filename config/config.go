// Package config holds the wirehub server configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all tunables for the messaging server.
type Config struct {
	// Addr is the TCP address the wire listener binds to.
	Addr string `json:"addr"`

	// OpsAddr is the address of the read-only operational HTTP API.
	// Empty disables the API.
	OpsAddr string `json:"ops_addr"`

	MaxConnections  int   `json:"max_connections"`
	MaxMessageBytes int64 `json:"max_message_bytes"`
	SendBuffer      int   `json:"send_buffer"`

	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	IdleTimeout      time.Duration `json:"idle_timeout"`
	SweepInterval    time.Duration `json:"sweep_interval"`
	ShutdownTimeout  time.Duration `json:"shutdown_timeout"`

	// RateCapacity is the token bucket size per connection. One token is
	// restored every RateRefillInterval. After RateViolationLimit
	// consecutive rejected messages the connection is force-closed.
	RateCapacity       int           `json:"rate_capacity"`
	RateRefillInterval time.Duration `json:"rate_refill_interval"`
	RateViolationLimit int           `json:"rate_violation_limit"`
}

// Default returns the default server configuration.
func Default() *Config {
	return &Config{
		Addr:               ":7380",
		OpsAddr:            ":7381",
		MaxConnections:     1000,
		MaxMessageBytes:    1 << 20,
		SendBuffer:         256,
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        60 * time.Second,
		SweepInterval:      15 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		RateCapacity:       100,
		RateRefillInterval: 10 * time.Millisecond,
		RateViolationLimit: 10,
	}
}

// FromEnv returns the default configuration overridden by WIREHUB_*
// environment variables. Unparseable values fall back to the default.
func FromEnv() *Config {
	cfg := Default()

	if v := os.Getenv("WIREHUB_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v, ok := os.LookupEnv("WIREHUB_OPS_ADDR"); ok {
		cfg.OpsAddr = v
	}
	if v := os.Getenv("WIREHUB_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConnections = n
		}
	}
	if v := os.Getenv("WIREHUB_MAX_MESSAGE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxMessageBytes = n
		}
	}
	if v := os.Getenv("WIREHUB_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.IdleTimeout = d
		}
	}
	if v := os.Getenv("WIREHUB_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SweepInterval = d
		}
	}
	if v := os.Getenv("WIREHUB_RATE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateCapacity = n
		}
	}
	if v := os.Getenv("WIREHUB_RATE_REFILL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RateRefillInterval = d
		}
	}
	if v := os.Getenv("WIREHUB_RATE_VIOLATION_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateViolationLimit = n
		}
	}
	return cfg
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr is required")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("config: max_message_bytes must be positive, got %d", c.MaxMessageBytes)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("config: send_buffer must be positive, got %d", c.SendBuffer)
	}
	if c.RateCapacity <= 0 {
		return fmt.Errorf("config: rate_capacity must be positive, got %d", c.RateCapacity)
	}
	if c.RateRefillInterval <= 0 {
		return fmt.Errorf("config: rate_refill_interval must be positive")
	}
	if c.RateViolationLimit <= 0 {
		return fmt.Errorf("config: rate_violation_limit must be positive, got %d", c.RateViolationLimit)
	}
	if c.IdleTimeout <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("config: idle_timeout and sweep_interval must be positive")
	}
	return nil
}
