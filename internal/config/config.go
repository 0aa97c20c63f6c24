// Package config provides environment configuration for the chat client.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the client.
type Config struct {
	// Backend
	APIURL     string        `validate:"required,url"`
	APITimeout time.Duration `validate:"gte=0"`

	// Credentials
	Token     string
	TokenFile string `validate:"required"`
	LoginURL  string `validate:"omitempty,url"`

	// Sessions
	GuardCooldown time.Duration `validate:"gte=0"`

	// NATS lifecycle events
	NATSEnabled  bool
	NATSURL      string `validate:"required_if=NATSEnabled true"`
	NATSCAFile   string
	NATSCertFile string `validate:"required_with=NATSKeyFile"`
	NATSKeyFile  string `validate:"required_with=NATSCertFile"`
	NATSToken    string

	// Logging
	LogLevel string `validate:"oneof=debug info warn error"`
	Env      string `validate:"oneof=development production"`

	// Metrics
	MetricsAddr string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from the environment. A .env file in the working
// directory, when present, fills variables that are not already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		// Backend
		APIURL:     getEnv("RAGCHAT_API_URL", "http://localhost:8000"),
		APITimeout: getDurationEnv("RAGCHAT_API_TIMEOUT", 30*time.Second),

		// Credentials
		Token:     getEnv("RAGCHAT_TOKEN", ""),
		TokenFile: getEnv("RAGCHAT_TOKEN_FILE", defaultTokenFile()),
		LoginURL:  getEnv("RAGCHAT_LOGIN_URL", ""),

		// Sessions
		GuardCooldown: getDurationEnv("RAGCHAT_GUARD_COOLDOWN", 5*time.Second),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "warn"),
		Env:      getEnv("RAGCHAT_ENV", "production"),

		// Metrics
		MetricsAddr: getEnv("METRICS_ADDR", ""),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Development reports whether human-readable logs were requested.
func (c *Config) Development() bool {
	return c.Env == "development"
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".ragchat-token"
	}
	return filepath.Join(dir, "ragchat", "token")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
