// Package config loads process configuration from the environment, with an
// optional .env file. The deterministic core never reads configuration; only
// the CLI and the HTTP surface do.
package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Config is the process-level configuration.
type Config struct {
	// DatabasePath is the SQLite substrate path; ":memory:" for ephemeral.
	DatabasePath string
	// ListenAddr is the HTTP listen address for the api surface.
	ListenAddr string
	// LogLevel is the zerolog level name.
	LogLevel string
}

// Load reads .env (if present) and the environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DatabasePath: envOr("CHRONOLEDGER_DB", "chronoledger.db"),
		ListenAddr:   envOr("CHRONOLEDGER_LISTEN", ":8090"),
		LogLevel:     envOr("CHRONOLEDGER_LOG_LEVEL", "info"),
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
