package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Addr)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.NotEmpty(t, cfg.WorkerHost)
	assert.Equal(t, "chromium", cfg.BrowserPath)
	assert.Empty(t, cfg.BrowserArgs)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_ADDR", ":6000")
	t.Setenv("WORKER_HOST", "10.0.0.7")
	t.Setenv("BROWSER_PATH", "/usr/bin/chromium-browser")
	t.Setenv("BROWSER_ARGS", "--disable-gpu --lang=en-US")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.Addr)
	assert.Equal(t, "10.0.0.7", cfg.WorkerHost)
	assert.Equal(t, "/usr/bin/chromium-browser", cfg.BrowserPath)
	assert.Equal(t, []string{"--disable-gpu", "--lang=en-US"}, cfg.BrowserArgs)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Addr:        ":5000",
			RedisURL:    "redis://localhost:6379/0",
			WorkerHost:  "10.0.0.7",
			BrowserPath: "chromium",
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
	c.WorkerHost = ""
	assert.Error(t, c.Validate())

	c = valid()
	c.BrowserPath = ""
	assert.Error(t, c.Validate())
}
