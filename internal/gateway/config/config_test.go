package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "localhost", cfg.PublicHost)
	assert.Equal(t, time.Hour, cfg.SessionTimeout)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 5000, cfg.WorkerPort)
	assert.Equal(t, 0, cfg.MaxSessionsPerWorker)
	assert.Equal(t, "local", cfg.AuthProvider)
	assert.Equal(t, "tenant_id", cfg.AuthTenantClaim)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_ADDR", ":9000")
	t.Setenv("REDIS_URL", "redis://redis.internal:6379/1")
	t.Setenv("DATABASE_URL", "postgres://app@db.internal:5432/sessions")
	t.Setenv("PUBLIC_GATEWAY_HOST", "browsers.example.com")
	t.Setenv("SESSION_TIMEOUT", "7200")
	t.Setenv("IDLE_TIMEOUT", "60")
	t.Setenv("MAX_SESSIONS_PER_WORKER", "4")
	t.Setenv("AUTH_PROVIDER", "jwt")
	t.Setenv("AUTH_JWT_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "redis://redis.internal:6379/1", cfg.RedisURL)
	assert.Equal(t, "postgres://app@db.internal:5432/sessions", cfg.DatabaseURL)
	assert.Equal(t, "browsers.example.com", cfg.PublicHost)
	assert.Equal(t, 2*time.Hour, cfg.SessionTimeout)
	assert.Equal(t, time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 4, cfg.MaxSessionsPerWorker)
	assert.Equal(t, "jwt", cfg.AuthProvider)
	assert.Equal(t, "secret", cfg.AuthJWTKey)
}

func TestLoadIgnoresUnrelatedEnv(t *testing.T) {
	t.Setenv("PATH_INFO", "/tmp")
	t.Setenv("SESSION_TIMEOUT_EXTRA", "1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.SessionTimeout)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Addr:           ":8000",
			RedisURL:       "redis://localhost:6379/0",
			DatabaseURL:    "postgres://localhost/sessions",
			SessionTimeout: time.Hour,
			IdleTimeout:    5 * time.Minute,
			WorkerPort:     5000,
		}
	}

	require.NoError(t, valid().Validate())

	c := valid()
	c.Addr = ""
	assert.Error(t, c.Validate())

	c = valid()
	c.RedisURL = ""
	assert.Error(t, c.Validate())

	c = valid()
	c.DatabaseURL = ""
	assert.Error(t, c.Validate())

	c = valid()
	c.SessionTimeout = 0
	assert.Error(t, c.Validate())

	c = valid()
	c.IdleTimeout = -time.Second
	assert.Error(t, c.Validate())

	c = valid()
	c.WorkerPort = 70000
	assert.Error(t, c.Validate())
}
