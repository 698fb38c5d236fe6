package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Valid(t *testing.T) {
	path := writeConfig(t, `
listen: "0.0.0.0:1080"
users:
  - username: alice
    password: s3cret
metrics_addr: "127.0.0.1:9100"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:1080", cfg.Listen)
	assert.Equal(t, 50, cfg.PoolSize, "pool size defaults when unset")
	assert.EqualValues(t, 16, cfg.ResolveConcurrency)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.RequiresAuth())
}

func TestLoadConfig_MissingListen(t *testing.T) {
	path := writeConfig(t, `users: []`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}

func TestLoadConfig_DuplicateUsername(t *testing.T) {
	path := writeConfig(t, `
listen: ":1080"
users:
  - username: alice
    password: a
  - username: alice
    password: b
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate username")
}

func TestLoadConfig_EmptyUsername(t *testing.T) {
	path := writeConfig(t, `
listen: ":1080"
users:
  - username: ""
    password: a
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfig_BadLogLevel(t *testing.T) {
	path := writeConfig(t, `
listen: ":1080"
log:
  level: shouting
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
}

func TestAuthenticate(t *testing.T) {
	cfg := &Config{Users: []User{{Username: "alice", Password: "s3cret"}}}

	assert.True(t, cfg.Authenticate("alice", "s3cret"))
	assert.False(t, cfg.Authenticate("alice", "wrong"))
	assert.False(t, cfg.Authenticate("bob", "s3cret"))
	assert.False(t, (&Config{}).Authenticate("alice", "s3cret"))
}
