package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefault(t *testing.T) {
	c := NewDefault()

	assert.Len(t, c.Ring.Endpoints, 10)
	assert.Equal(t, "127.0.0.1:12550", c.Ring.Endpoints[0])
	assert.Equal(t, "127.0.0.1:12559", c.Ring.Endpoints[9])
	assert.Len(t, c.FrontEnds, 4)
	assert.Equal(t, 2, c.Chat.MaxSessions)
	assert.Equal(t, 3*time.Second, c.Keepalive.Interval)
	assert.Equal(t, 2*time.Second, c.Keepalive.Timeout)
	require.NoError(t, c.Validate())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatring.yaml")
	doc := `
ring:
  endpoints: ["127.0.0.1:7001", "127.0.0.1:7002"]
chat:
  max_sessions: 5
keepalive:
  interval: 500ms
persistence:
  backend: bolt
  path: /tmp/chat.db
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	t.Setenv("CHATRING_MAX_SESSIONS", "3")
	t.Setenv("CHATRING_LOG_LEVEL", "debug")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"127.0.0.1:7001", "127.0.0.1:7002"}, c.Ring.Endpoints)
	assert.Equal(t, 3, c.Chat.MaxSessions, "environment wins over file")
	assert.Equal(t, 500*time.Millisecond, c.Keepalive.Interval)
	assert.Equal(t, 2*time.Second, c.Keepalive.Timeout, "unset keys keep defaults")
	assert.Equal(t, "bolt", c.Persistence.Backend)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestLoadFromEnvLists(t *testing.T) {
	t.Setenv("CHATRING_RING", " 10.0.0.1:1, 10.0.0.2:1 ,,")
	t.Setenv("CHATRING_FRONTENDS", "10.0.0.9:2")

	c := NewDefault()
	require.NoError(t, c.LoadFromEnv())
	assert.Equal(t, []string{"10.0.0.1:1", "10.0.0.2:1"}, c.Ring.Endpoints)
	assert.Equal(t, []string{"10.0.0.9:2"}, c.FrontEnds)
}

func TestLoadFromEnvBadNumber(t *testing.T) {
	t.Setenv("CHATRING_MAX_SESSIONS", "many")
	assert.Error(t, NewDefault().LoadFromEnv())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty ring", func(c *Config) { c.Ring.Endpoints = nil }},
		{"no frontends", func(c *Config) { c.FrontEnds = nil }},
		{"zero sessions", func(c *Config) { c.Chat.MaxSessions = 0 }},
		{"zero lanes", func(c *Config) { c.Chat.Lanes = 0 }},
		{"zero keepalive", func(c *Config) { c.Keepalive.Timeout = 0 }},
		{"zero attempts", func(c *Config) { c.Replication.MaxAttempts = 0 }},
		{"bad backend", func(c *Config) { c.Persistence.Backend = "s3" }},
		{"empty path", func(c *Config) { c.Persistence.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewDefault()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
