package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "test")
	t.Setenv("QR_ARTIFACT_DIR", "/tmp/artifacts")
	t.Setenv("SQLITE_PATH", "/tmp/veriseal.db")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("API_ADDR", "")
	t.Setenv("API_RATE_LIMIT_CAPACITY", "")
	t.Setenv("API_MAX_BODY_BYTES", "")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "/tmp/veriseal.db", cfg.SQLitePath)
	assert.Equal(t, 20, cfg.RateLimitCapacity)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("API_ADDR", ":9999")
	t.Setenv("API_RATE_LIMIT_CAPACITY", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 5, cfg.RateLimitCapacity)
}

func TestLoadReportsAllMissingKeys(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("QR_ARTIFACT_DIR", "")
	t.Setenv("SQLITE_PATH", "")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_ENV")
	assert.Contains(t, err.Error(), "QR_ARTIFACT_DIR")
	assert.Contains(t, err.Error(), "DATABASE_URL or SQLITE_PATH")
}

func TestLoadRejectsBothDatabases(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/veriseal")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestGetenvIntIgnoresGarbage(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("API_RATE_LIMIT_CAPACITY", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.RateLimitCapacity)
}
