package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Sync     SyncConfig     `toml:"sync"`
	Session  SessionConfig  `toml:"session"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig describes the remote doctor API.
type ServerConfig struct {
	BaseURL string        `mapstructure:"base_url" toml:"base_url"`
	Timeout time.Duration `toml:"timeout"`
}

// DatabaseConfig holds sqlite settings for the local store.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// SyncConfig tunes the resync scheduler and the connectivity prober.
type SyncConfig struct {
	ResyncInterval time.Duration `mapstructure:"resync_interval" toml:"resync_interval"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" toml:"max_backoff"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval" toml:"probe_interval"`
	ProbeThreshold int           `mapstructure:"probe_threshold" toml:"probe_threshold"`
}

// SessionConfig locates the persisted session file.
type SessionConfig struct {
	Path string `toml:"path"`
}

// LogConfig mirrors logger.Config.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

func dataDir() string {
	return filepath.Join(os.Getenv("HOME"), ".local", "share", "clinicbook")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.timeout", 15*time.Second)
	v.SetDefault("database.path", filepath.Join(dataDir(), "clinicbook.db"))
	v.SetDefault("sync.resync_interval", 10*time.Second)
	v.SetDefault("sync.max_backoff", 5*time.Minute)
	v.SetDefault("sync.probe_interval", 5*time.Second)
	v.SetDefault("sync.probe_threshold", 2)
	v.SetDefault("session.path", filepath.Join(dataDir(), "session.json"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
}

// Load reads configuration from file and env. Env var overrides use prefix CLINICBOOK_.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")

	cfgPath := os.Getenv("CLINICBOOK_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "clinicbook"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("CLINICBOOK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the sync core cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.BaseURL) == "" {
		return fmt.Errorf("config: server.base_url is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	if c.Sync.ResyncInterval <= 0 {
		return fmt.Errorf("config: sync.resync_interval must be positive")
	}
	if c.Sync.MaxBackoff < c.Sync.ResyncInterval {
		return fmt.Errorf("config: sync.max_backoff must be >= sync.resync_interval")
	}
	if c.Sync.ProbeThreshold < 1 {
		return fmt.Errorf("config: sync.probe_threshold must be >= 1")
	}
	return nil
}

// Save writes the provided config to disk, creating the config directory if needed.
// The session token never lives here; see internal/session.
func Save(cfg Config) error {
	path := os.Getenv("CLINICBOOK_CONFIG")
	if path == "" {
		path = filepath.Join(os.Getenv("HOME"), ".config", "clinicbook", "config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("server.base_url", cfg.Server.BaseURL)
	v.Set("server.timeout", cfg.Server.Timeout.String())
	v.Set("database.path", cfg.Database.Path)
	v.Set("sync.resync_interval", cfg.Sync.ResyncInterval.String())
	v.Set("sync.max_backoff", cfg.Sync.MaxBackoff.String())
	v.Set("sync.probe_interval", cfg.Sync.ProbeInterval.String())
	v.Set("sync.probe_threshold", cfg.Sync.ProbeThreshold)
	v.Set("session.path", cfg.Session.Path)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)
	v.Set("log.output", cfg.Log.Output)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Encode writes c as TOML in the layout Load reads. Durations are written as strings.
func Encode(w io.Writer, c Config) error {
	doc := map[string]map[string]any{
		"server": {
			"base_url": c.Server.BaseURL,
			"timeout":  c.Server.Timeout.String(),
		},
		"database": {"path": c.Database.Path},
		"sync": {
			"resync_interval": c.Sync.ResyncInterval.String(),
			"max_backoff":     c.Sync.MaxBackoff.String(),
			"probe_interval":  c.Sync.ProbeInterval.String(),
			"probe_threshold": c.Sync.ProbeThreshold,
		},
		"session": {"path": c.Session.Path},
		"log": {
			"level":  c.Log.Level,
			"format": c.Log.Format,
			"output": c.Log.Output,
		},
	}
	return toml.NewEncoder(w).Encode(doc)
}
