package relay

import (
	"errors"
	"os"
)

// Config holds relay server configuration.
type Config struct {
	ListenAddr string // HTTP listen address
	Token      string // Bearer token clients must present
	DBPath     string // SQLite event journal path
	LogLevel   string
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8420",
		DBPath:     "sarlink-relay.db",
		LogLevel:   "info",
	}
}

// LoadFromEnv loads relay configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	cfg.Token = os.Getenv("SARLINK_RELAY_TOKEN")
	if cfg.Token == "" {
		return nil, errors.New("SARLINK_RELAY_TOKEN is required")
	}

	if addr := os.Getenv("SARLINK_RELAY_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if path := os.Getenv("SARLINK_RELAY_DB"); path != "" {
		cfg.DBPath = path
	}
	if level := os.Getenv("SARLINK_RELAY_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}
