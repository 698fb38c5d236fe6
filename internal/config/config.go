// Package config loads and validates the gateway's YAML configuration:
// listen address, user credential table, pool size, logging, and metrics
// settings.
package config

import (
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// User is one configured SOCKS5 username/password credential.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the top-level YAML configuration for socks5d.
type Config struct {
	// Listen is the SOCKS5 listen address, e.g. "0.0.0.0:1080".
	Listen string `yaml:"listen"`

	// Users, if non-empty, requires RFC 1929 username/password
	// sub-negotiation; an empty table means no-auth is offered instead.
	Users []User `yaml:"users"`

	// PoolSize bounds the connection free list.
	PoolSize int `yaml:"pool_size"`

	// ResolveConcurrency bounds in-flight DNS lookups (internal/resolve).
	ResolveConcurrency int64 `yaml:"resolve_concurrency"`

	Log struct {
		Path  string `yaml:"path"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	// MetricsAddr, if non-empty, starts the Prometheus /metrics listener.
	MetricsAddr string `yaml:"metrics_addr"`
}

const (
	defaultPoolSize          = 50
	defaultResolveConcurrent = 16
)

// LoadConfig reads and validates the YAML configuration file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Listen == "" {
		return nil, fmt.Errorf("config: 'listen' is required (e.g. 0.0.0.0:1080)")
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return nil, fmt.Errorf("config: invalid 'listen' address %q: %w", cfg.Listen, err)
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.ResolveConcurrency <= 0 {
		cfg.ResolveConcurrency = defaultResolveConcurrent
	}

	seen := make(map[string]struct{}, len(cfg.Users))
	for i, u := range cfg.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("config: users[%d]: 'username' must not be empty", i)
		}
		if _, ok := seen[u.Username]; ok {
			return nil, fmt.Errorf("config: users[%d]: duplicate username %q", i, u.Username)
		}
		seen[u.Username] = struct{}{}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("config: invalid 'log.level' %q: %w", cfg.Log.Level, err)
	}

	return &cfg, nil
}

// RequiresAuth reports whether the configured user table is non-empty,
// i.e. whether the hello step must offer/select user/password auth.
func (c *Config) RequiresAuth() bool {
	return len(c.Users) > 0
}

// Authenticate reports whether (username, password) exactly matches a
// configured credential.
func (c *Config) Authenticate(username, password string) bool {
	for _, u := range c.Users {
		if u.Username == username && u.Password == password {
			return true
		}
	}
	return false
}
