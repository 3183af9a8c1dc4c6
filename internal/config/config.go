// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// Config holds the application configuration. Exactly one of
// DatabaseURL (Postgres) or SQLitePath must be set; REDIS_ADDR and
// AMQP_URL are optional and their features degrade gracefully when
// absent.
type Config struct {
	Environment string
	Addr        string
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string
	AMQPURL     string
	ArtifactDir string

	RateLimitCapacity  int
	RateLimitRefillSec int
	MaxBodyBytes       int64
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: os.Getenv("APP_ENV"),
		Addr:        getenv("API_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		AMQPURL:     os.Getenv("AMQP_URL"),
		ArtifactDir: os.Getenv("QR_ARTIFACT_DIR"),

		RateLimitCapacity:  getenvInt("API_RATE_LIMIT_CAPACITY", 20),
		RateLimitRefillSec: getenvInt("API_RATE_LIMIT_REFILL_PER_SEC", 10),
		MaxBodyBytes:       int64(getenvInt("API_MAX_BODY_BYTES", 1<<20)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration, reporting every missing key at
// once.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.ArtifactDir == "" {
		missing = append(missing, "QR_ARTIFACT_DIR")
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		missing = append(missing, "DATABASE_URL or SQLITE_PATH")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.DatabaseURL != "" && c.SQLitePath != "" {
		return errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive")
	}
	return nil
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
