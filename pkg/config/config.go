// Package config loads rc's configuration.
//
// Settings come from three layers, later ones winning: built-in defaults,
// an optional YAML file, and RECLOCK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultDir holds the database and config file when no path is set.
	DefaultDir = ".reclock"
	// DefaultShard is the shard used when a command does not name one.
	DefaultShard = "default"
)

var (
	// DefaultDB is the SQLite database path.
	DefaultDB = filepath.Join(DefaultDir, "reclock.db")
	// DefaultFile is the config file path.
	DefaultFile = filepath.Join(DefaultDir, "config.yaml")
)

// Config is the full rc configuration.
type Config struct {
	DB           string        `yaml:"db"`
	Shard        string        `yaml:"shard"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Log          LogConfig     `yaml:"log"`
	Metrics      MetricsConfig `yaml:"metrics"`
	Serve        ServeConfig   `yaml:"serve"`
	Redis        RedisConfig   `yaml:"redis"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" | "json"
}

// MetricsConfig names the Prometheus namespace.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// ServeConfig configures the HTTP status server.
type ServeConfig struct {
	Addr string `yaml:"addr"`
}

// RedisConfig points at an optional Redis remap log. An empty Addr means
// the SQLite store is used.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DB:           DefaultDB,
		Shard:        DefaultShard,
		PollInterval: 50 * time.Millisecond,
		Log:          LogConfig{Level: "info", Format: "text"},
		Metrics:      MetricsConfig{Namespace: "reclock"},
		Serve:        ServeConfig{Addr: ":9464"},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment. A missing file is not an error unless required is set.
func Load(path string, required bool) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !required:
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from RECLOCK_* variables looked up with
// getenv. Empty values are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	envOr := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
	c.DB = envOr("RECLOCK_DB", c.DB)
	c.Shard = envOr("RECLOCK_SHARD", c.Shard)
	c.Log.Level = envOr("RECLOCK_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("RECLOCK_LOG_FORMAT", c.Log.Format)
	c.Metrics.Namespace = envOr("RECLOCK_METRICS_NAMESPACE", c.Metrics.Namespace)
	c.Serve.Addr = envOr("RECLOCK_SERVE_ADDR", c.Serve.Addr)
	c.Redis.Addr = envOr("RECLOCK_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOr("RECLOCK_REDIS_PASSWORD", c.Redis.Password)

	if v := getenv("RECLOCK_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RECLOCK_POLL_INTERVAL: %w", err)
		}
		c.PollInterval = d
	}
	if v := getenv("RECLOCK_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RECLOCK_REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	return nil
}

// Validate checks field values.
func (c Config) Validate() error {
	if c.DB == "" {
		return errors.New("db path must not be empty")
	}
	if c.Shard == "" {
		return errors.New("shard must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
