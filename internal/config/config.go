// Package config loads templeledger settings from a YAML file and the
// environment.
//
// Every key can be overridden by an environment variable with the
// TEMPLELEDGER_ prefix, dots replaced by underscores:
// TEMPLELEDGER_SYNC_CONFLICT_STRATEGY=manual.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"github.com/templeledger/templeledger/internal/ledger/schema"
	ledgersync "github.com/templeledger/templeledger/internal/ledger/sync"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "TEMPLELEDGER"

// FileName is the config file searched for when no path is given.
const FileName = "templeledger"

// Config holds application configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" toml:"store"`
	Sync      SyncConfig      `mapstructure:"sync" toml:"sync"`
	Remote    RemoteConfig    `mapstructure:"remote" toml:"remote"`
	Legacy    LegacyConfig    `mapstructure:"legacy" toml:"legacy"`
	Dashboard DashboardConfig `mapstructure:"dashboard" toml:"dashboard"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
}

// StoreConfig holds local store settings.
type StoreConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// SyncConfig holds orchestrator and daemon settings.
type SyncConfig struct {
	ConflictStrategy    string        `mapstructure:"conflict_strategy" toml:"conflict_strategy"`
	Interval            time.Duration `mapstructure:"interval" toml:"interval"`
	Retention           time.Duration `mapstructure:"retention" toml:"retention"`
	ConflictCollections []string      `mapstructure:"conflict_collections" toml:"conflict_collections"`
	RealtimeCollections []string      `mapstructure:"realtime_collections" toml:"realtime_collections"`
	ProbeInterval       time.Duration `mapstructure:"probe_interval" toml:"probe_interval"`
	BlockedRetryDelay   time.Duration `mapstructure:"blocked_retry_delay" toml:"blocked_retry_delay"`
	BlockedRetries      int           `mapstructure:"blocked_retries" toml:"blocked_retries"`
}

// RemoteConfig points at the cloud document service.
type RemoteConfig struct {
	URL     string        `mapstructure:"url" toml:"url"`
	Timeout time.Duration `mapstructure:"timeout" toml:"timeout"`
}

// LegacyConfig locates data from the old flat key/value storage.
type LegacyConfig struct {
	Dir string `mapstructure:"dir" toml:"dir"`
}

// DashboardConfig holds the websocket broadcaster settings. Port 0
// disables it.
type DashboardConfig struct {
	Port int `mapstructure:"port" toml:"port"`
}

// ServerConfig holds settings of the reference remote server.
type ServerConfig struct {
	Addr      string        `mapstructure:"addr" toml:"addr"`
	DBPath    string        `mapstructure:"db_path" toml:"db_path"`
	JWTSecret string        `mapstructure:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" toml:"token_ttl"`
}

// LogConfig holds logging settings. An empty File logs to stderr.
type LogConfig struct {
	Level      string `mapstructure:"level" toml:"level"`
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
}

// DataDir is where the local store lives by default.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "templeledger")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".templeledger"
	}
	return filepath.Join(home, ".local", "share", "templeledger")
}

// ConfigDir is searched for templeledger.yaml after the working directory.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "templeledger")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".templeledger"
	}
	return filepath.Join(home, ".config", "templeledger")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", filepath.Join(DataDir(), "ledger.db"))

	v.SetDefault("sync.conflict_strategy", "")
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.retention", 7*24*time.Hour)
	v.SetDefault("sync.conflict_collections", []string{string(schema.Records)})
	v.SetDefault("sync.realtime_collections", []string{string(schema.Records), string(schema.Believers)})
	v.SetDefault("sync.probe_interval", 15*time.Second)
	v.SetDefault("sync.blocked_retry_delay", 500*time.Millisecond)
	v.SetDefault("sync.blocked_retries", 5)

	v.SetDefault("remote.url", "http://127.0.0.1:8787")
	v.SetDefault("remote.timeout", 15*time.Second)

	v.SetDefault("legacy.dir", "")
	v.SetDefault("dashboard.port", 0)

	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.db_path", "")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", 720*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// New returns a viper instance with defaults and environment overrides
// set up. path names the config file; empty searches the working
// directory and ConfigDir for templeledger.yaml.
func New(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. A missing file is not an error unless
// path was given explicitly.
func Load(path string) (*Config, *viper.Viper, error) {
	v := New(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Decode unmarshals and validates the current values of v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a
// component.
func (c *Config) Validate() error {
	if c.Sync.ConflictStrategy != "" {
		if _, err := ledgersync.ParseStrategy(c.Sync.ConflictStrategy); err != nil {
			return fmt.Errorf("sync.conflict_strategy: %w", err)
		}
	}
	if _, err := collections(c.Sync.ConflictCollections); err != nil {
		return fmt.Errorf("sync.conflict_collections: %w", err)
	}
	if _, err := collections(c.Sync.RealtimeCollections); err != nil {
		return fmt.Errorf("sync.realtime_collections: %w", err)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	return nil
}

// Strategy returns the configured conflict strategy, or "" when the
// persisted choice should be used.
func (c *Config) Strategy() ledgersync.Strategy {
	s, _ := ledgersync.ParseStrategy(c.Sync.ConflictStrategy)
	return s
}

// SyncConfig converts the sync section to an orchestrator config.
// Validate must have succeeded.
func (c *Config) SyncConfig() *ledgersync.Config {
	cfg := ledgersync.DefaultConfig()
	cfg.Strategy = c.Strategy()
	cfg.Interval = c.Sync.Interval
	cfg.Retention = c.Sync.Retention
	cfg.ConflictCollections, _ = collections(c.Sync.ConflictCollections)
	cfg.RealtimeCollections, _ = collections(c.Sync.RealtimeCollections)
	return cfg
}

func collections(names []string) ([]schema.Collection, error) {
	out := make([]schema.Collection, 0, len(names))
	for _, name := range names {
		coll, err := schema.ParseCollection(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		if !coll.IsSynced() {
			return nil, fmt.Errorf("collection %q is not synced", name)
		}
		out = append(out, coll)
	}
	return out, nil
}

// TOML renders the configuration. Secrets are masked.
func (c *Config) TOML() (string, error) {
	shown := *c
	if shown.Server.JWTSecret != "" {
		shown.Server.JWTSecret = "********"
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(shown); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.String(), nil
}
