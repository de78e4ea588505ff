// Package config handles client configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all push-channel client configuration.
type Config struct {
	// Connection
	ServerURL string // WebSocket URL (ws:// or wss://)
	Token     string // Bearer token attached to the handshake

	// Behavior
	HeartbeatInterval    time.Duration // How often to send liveness envelopes
	HandshakeTimeout     time.Duration // Dial timeout before Connect gives up
	ReconnectBaseDelay   time.Duration // First reconnect delay
	ReconnectMaxDelay    time.Duration // Cap on the reconnect delay
	MaxReconnectAttempts int           // Attempts before the terminal failure state
	ReconnectJitter      bool          // Randomize reconnect delays

	LogLevel   string
	ClientName string
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		HeartbeatInterval:    30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		LogLevel:             "info",
		ClientName:           hostname,
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	// Required
	raw := os.Getenv("SARLINK_URL")
	if raw == "" {
		return nil, errors.New("SARLINK_URL is required")
	}
	url, err := WebSocketURL(raw)
	if err != nil {
		return nil, err
	}
	cfg.ServerURL = url

	cfg.Token = os.Getenv("SARLINK_TOKEN")
	if cfg.Token == "" {
		return nil, errors.New("SARLINK_TOKEN is required")
	}

	// Optional
	if interval := os.Getenv("SARLINK_HEARTBEAT"); interval != "" {
		seconds, err := strconv.Atoi(interval)
		if err != nil {
			return nil, errors.New("SARLINK_HEARTBEAT must be a number (seconds)")
		}
		cfg.HeartbeatInterval = time.Duration(seconds) * time.Second
	}

	if timeout := os.Getenv("SARLINK_HANDSHAKE_TIMEOUT"); timeout != "" {
		seconds, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, errors.New("SARLINK_HANDSHAKE_TIMEOUT must be a number (seconds)")
		}
		cfg.HandshakeTimeout = time.Duration(seconds) * time.Second
	}

	if base := os.Getenv("SARLINK_RECONNECT_BASE"); base != "" {
		seconds, err := strconv.Atoi(base)
		if err != nil {
			return nil, errors.New("SARLINK_RECONNECT_BASE must be a number (seconds)")
		}
		cfg.ReconnectBaseDelay = time.Duration(seconds) * time.Second
	}

	if max := os.Getenv("SARLINK_RECONNECT_MAX"); max != "" {
		seconds, err := strconv.Atoi(max)
		if err != nil {
			return nil, errors.New("SARLINK_RECONNECT_MAX must be a number (seconds)")
		}
		cfg.ReconnectMaxDelay = time.Duration(seconds) * time.Second
	}

	if attempts := os.Getenv("SARLINK_MAX_RECONNECTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, errors.New("SARLINK_MAX_RECONNECTS must be a number")
		}
		cfg.MaxReconnectAttempts = n
	}

	if jitter := os.Getenv("SARLINK_RECONNECT_JITTER"); jitter != "" {
		cfg.ReconnectJitter = jitter == "1" || jitter == "true"
	}

	if level := os.Getenv("SARLINK_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if name := os.Getenv("SARLINK_NAME"); name != "" {
		cfg.ClientName = name
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WebSocketURL derives the push-channel URL from a configured endpoint.
// HTTP schemes are mapped to their WebSocket equivalents so the same value
// can serve both the REST layer and the push channel; a secure origin gets
// a secure socket.
func WebSocketURL(raw string) (string, error) {
	switch {
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw, nil
	case strings.HasPrefix(raw, "http://"):
		return "ws" + strings.TrimPrefix(raw, "http"), nil
	case strings.HasPrefix(raw, "https://"):
		return "wss" + strings.TrimPrefix(raw, "https"), nil
	default:
		return "", fmt.Errorf("unsupported URL scheme in %q", raw)
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return errors.New("reconnect delays must be positive and max >= base")
	}
	if c.MaxReconnectAttempts < 0 {
		return errors.New("max reconnect attempts must not be negative")
	}
	return nil
}
