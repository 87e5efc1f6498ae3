// Package config loads chatring settings. Values start from NewDefault, are
// overlaid by an optional YAML file and then by CHATRING_* environment
// variables, and are checked by Validate before any component starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Config is the complete settings tree shared by server, front end and client.
type Config struct {
	Ring        RingConfig        `yaml:"ring"`
	FrontEnds   []string          `yaml:"frontends"`
	Chat        ChatConfig        `yaml:"chat"`
	Keepalive   KeepaliveConfig   `yaml:"keepalive"`
	Replication ReplicationConfig `yaml:"replication"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Status      StatusConfig      `yaml:"status"`
	Log         LogConfig         `yaml:"log"`
}

// RingConfig lists the fixed ring endpoints in index order.
type RingConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ChatConfig bounds sessions and mutation workers.
type ChatConfig struct {
	MaxSessions int `yaml:"max_sessions"`
	Lanes       int `yaml:"lanes"`
	PoolSize    int `yaml:"pool_size"`
}

// KeepaliveConfig tunes the failure detector.
type KeepaliveConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ReplicationConfig tunes retries of ring sends.
type ReplicationConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// PersistenceConfig selects where the directory is saved.
type PersistenceConfig struct {
	Backend          string        `yaml:"backend"` // "file", "bolt" or "memory"
	Path             string        `yaml:"path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// StatusConfig controls the HTTP status listener of ring peers.
type StatusConfig struct {
	Enabled    bool `yaml:"enabled"`
	PortOffset int  `yaml:"port_offset"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewDefault returns the built-in configuration: ten ring slots on
// 127.0.0.1:12550-12559 and four front-end shards on 127.0.0.1:13000-13003.
func NewDefault() *Config {
	ring := make([]string, 0, 10)
	for port := 12550; port < 12560; port++ {
		ring = append(ring, fmt.Sprintf("127.0.0.1:%d", port))
	}
	fes := make([]string, 0, 4)
	for port := 13000; port < 13004; port++ {
		fes = append(fes, fmt.Sprintf("127.0.0.1:%d", port))
	}

	return &Config{
		Ring: RingConfig{
			Endpoints:   ring,
			DialTimeout: time.Second,
		},
		FrontEnds: fes,
		Chat: ChatConfig{
			MaxSessions: 2,
			Lanes:       16,
			PoolSize:    64,
		},
		Keepalive: KeepaliveConfig{
			Interval: 3 * time.Second,
			Timeout:  2 * time.Second,
		},
		Replication: ReplicationConfig{
			MaxAttempts: 5,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		Persistence: PersistenceConfig{
			Backend:          "file",
			Path:             ".savefile",
			SnapshotInterval: time.Minute,
		},
		Status: StatusConfig{
			Enabled:    true,
			PortOffset: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds a configuration from defaults, the optional file at path and
// the environment, then validates it.
func Load(path string) (*Config, error) {
	c := NewDefault()
	if path != "" {
		if err := c.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromFile overlays the YAML document at filename.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays CHATRING_* environment variables.
func (c *Config) LoadFromEnv() error {
	if v := getenv("CHATRING_RING", ""); v != "" {
		c.Ring.Endpoints = splitList(v)
	}
	if v := getenv("CHATRING_FRONTENDS", ""); v != "" {
		c.FrontEnds = splitList(v)
	}
	if v := getenv("CHATRING_MAX_SESSIONS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATRING_MAX_SESSIONS: %w", err)
		}
		c.Chat.MaxSessions = n
	}
	if v := getenv("CHATRING_KEEPALIVE_INTERVAL", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CHATRING_KEEPALIVE_INTERVAL: %w", err)
		}
		c.Keepalive.Interval = d
	}
	if v := getenv("CHATRING_KEEPALIVE_TIMEOUT", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CHATRING_KEEPALIVE_TIMEOUT: %w", err)
		}
		c.Keepalive.Timeout = d
	}
	if v := getenv("CHATRING_STORE", ""); v != "" {
		c.Persistence.Backend = v
	}
	if v := getenv("CHATRING_SAVEFILE", ""); v != "" {
		c.Persistence.Path = v
	}
	if v := getenv("CHATRING_STATUS", ""); v != "" {
		c.Status.Enabled = strings.ToLower(v) == "true"
	}
	c.Log.Level = getenv("CHATRING_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("CHATRING_LOG_FORMAT", c.Log.Format)
	return nil
}

// Validate rejects settings the ring cannot run with.
func (c *Config) Validate() error {
	if len(c.Ring.Endpoints) == 0 {
		return errors.New("ring.endpoints must not be empty")
	}
	if len(c.FrontEnds) == 0 {
		return errors.New("frontends must not be empty")
	}
	if c.Chat.MaxSessions <= 0 {
		return fmt.Errorf("chat.max_sessions must be greater than 0")
	}
	if c.Chat.Lanes <= 0 || c.Chat.PoolSize <= 0 {
		return fmt.Errorf("chat.lanes and chat.pool_size must be greater than 0")
	}
	if c.Keepalive.Interval <= 0 || c.Keepalive.Timeout <= 0 {
		return fmt.Errorf("keepalive.interval and keepalive.timeout must be positive")
	}
	if c.Replication.MaxAttempts <= 0 {
		return fmt.Errorf("replication.max_attempts must be greater than 0")
	}
	backends := []string{"file", "bolt", "memory"}
	if !slices.Contains(backends, c.Persistence.Backend) {
		return fmt.Errorf("invalid persistence.backend: %s (must be one of: %s)",
			c.Persistence.Backend, strings.Join(backends, ", "))
	}
	if c.Persistence.Path == "" {
		return errors.New("persistence.path must not be empty")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
