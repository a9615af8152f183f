// Package config holds the worker's runtime configuration, loaded from
// the process environment over built-in defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds the worker's runtime configuration.
type Config struct {
	Addr       string // listen address (WORKER_ADDR)
	RedisURL   string // in-memory store DSN (REDIS_URL)
	WorkerHost string // host advertised in the load set (WORKER_HOST)

	BrowserPath string   // browser launch command (BROWSER_PATH)
	BrowserArgs []string // extra launch arguments, space-separated (BROWSER_ARGS)

	LogLevel string // LOG_LEVEL
}

var defaults = map[string]interface{}{
	"worker_addr":  ":5000",
	"redis_url":    "redis://localhost:6379/0",
	"worker_host":  "",
	"browser_path": "chromium",
	"browser_args": "",
	"log_level":    "info",
}

// Load reads the configuration from the environment, falling back to
// defaults for unset variables. WORKER_HOST defaults to the container's
// resolved IP address.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	c := &Config{
		Addr:        k.String("worker_addr"),
		RedisURL:    k.String("redis_url"),
		WorkerHost:  k.String("worker_host"),
		BrowserPath: k.String("browser_path"),
		BrowserArgs: strings.Fields(k.String("browser_args")),
		LogLevel:    k.String("log_level"),
	}
	if c.WorkerHost == "" {
		c.WorkerHost = containerIP()
	}
	return c, c.Validate()
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("worker addr is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis url is required")
	}
	if c.WorkerHost == "" {
		return fmt.Errorf("worker host could not be determined; set WORKER_HOST")
	}
	if c.BrowserPath == "" {
		return fmt.Errorf("browser path is required")
	}
	return nil
}

// containerIP resolves this host's own IP the way the gateway will need
// to reach it. Returns the bare hostname when resolution fails.
func containerIP() string {
	hostname, err := os.Hostname()
	if err != nil {
		return ""
	}
	addrs, err := net.LookupHost(hostname)
	if err != nil || len(addrs) == 0 {
		return hostname
	}
	return addrs[0]
}

// envKey maps recognized environment variables to config keys; unknown
// variables are ignored.
func envKey(s string) string {
	key := strings.ToLower(s)
	if _, ok := defaults[key]; !ok {
		return ""
	}
	return key
}
