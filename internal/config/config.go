// Package config loads todosync settings from config.yaml, TODOSYNC_*
// environment variables and built-in defaults, in that order of precedence
// (environment first).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	envPrefix      = "TODOSYNC"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Validation errors.
var (
	ErrUnknownBackend  = errors.New("config: unknown storage backend")
	ErrUnknownStrategy = errors.New("config: unknown sync strategy")
	ErrInvalidURL      = errors.New("config: invalid remote url")
	ErrInvalidDuration = errors.New("config: durations must be positive")
	ErrInvalidLimit    = errors.New("config: limits must not be negative")
)

// Config is the full set of settings.
type Config struct {
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync"`
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Feed         FeedConfig         `mapstructure:"feed" yaml:"feed"`
	Notify       NotifyConfig       `mapstructure:"notify" yaml:"notify"`
}

type StorageConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend"`
	Dir         string        `mapstructure:"dir" yaml:"dir"`
	Namespace   string        `mapstructure:"namespace" yaml:"namespace"`
	Debounce    time.Duration `mapstructure:"debounce" yaml:"debounce"`
	MaxBytes    int           `mapstructure:"max_bytes" yaml:"max_bytes"`
	KeepOnQuota int           `mapstructure:"keep_on_quota" yaml:"keep_on_quota"`
}

type SyncConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	BaseDelay    time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxOpRetries int           `mapstructure:"max_op_retries" yaml:"max_op_retries"`
	OnlineDelay  time.Duration `mapstructure:"online_delay" yaml:"online_delay"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	Strategy     string        `mapstructure:"strategy" yaml:"strategy"`
}

type RemoteConfig struct {
	// URL of the authority. Empty means offline-only.
	URL            string        `mapstructure:"url" yaml:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

type ConnectivityConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// ProbeURL defaults to <remote.url>/health.
	ProbeURL string `mapstructure:"probe_url" yaml:"probe_url"`
}

type LogConfig struct {
	// File enables rotation into this path. Empty logs to stderr.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type FeedConfig struct {
	// Addr for the status feed. Empty disables it.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type NotifyConfig struct {
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.dir", ".todosync")
	v.SetDefault("storage.namespace", "todo-app-data")
	v.SetDefault("storage.debounce", 300*time.Millisecond)
	v.SetDefault("storage.max_bytes", 0)
	v.SetDefault("storage.keep_on_quota", 100)

	v.SetDefault("sync.timeout", 10*time.Second)
	v.SetDefault("sync.base_delay", time.Second)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.max_op_retries", 5)
	v.SetDefault("sync.online_delay", 500*time.Millisecond)
	v.SetDefault("sync.initial_delay", time.Second)
	v.SetDefault("sync.strategy", "merge")

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.request_timeout", 5*time.Second)

	v.SetDefault("connectivity.poll_interval", 5*time.Second)
	v.SetDefault("connectivity.probe_url", "")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("feed.addr", "")
	v.SetDefault("notify.duration", 3*time.Second)
}

// New returns a viper instance with defaults and environment overrides
// configured but no file read.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads config.yaml from dir (if present) into a validated Config.
// A missing file is not an error. An empty dir skips the file.
func Load(dir string) (*Config, error) {
	v := New()
	if dir != "" {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in defaults.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Validate checks every value.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFile, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Storage.Backend)
	}
	switch c.Sync.Strategy {
	case "merge", "snapshot":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, c.Sync.Strategy)
	}

	for name, d := range map[string]time.Duration{
		"storage.debounce":           c.Storage.Debounce,
		"sync.timeout":               c.Sync.Timeout,
		"sync.base_delay":            c.Sync.BaseDelay,
		"sync.online_delay":          c.Sync.OnlineDelay,
		"sync.initial_delay":         c.Sync.InitialDelay,
		"remote.request_timeout":     c.Remote.RequestTimeout,
		"connectivity.poll_interval": c.Connectivity.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s = %s", ErrInvalidDuration, name, d)
		}
	}
	if c.Notify.Duration < 0 {
		return fmt.Errorf("%w: notify.duration = %s", ErrInvalidDuration, c.Notify.Duration)
	}

	for name, n := range map[string]int{
		"storage.max_bytes":     c.Storage.MaxBytes,
		"storage.keep_on_quota": c.Storage.KeepOnQuota,
		"sync.max_retries":      c.Sync.MaxRetries,
		"sync.max_op_retries":   c.Sync.MaxOpRetries,
	} {
		if n < 0 {
			return fmt.Errorf("%w: %s = %d", ErrInvalidLimit, name, n)
		}
	}

	for _, raw := range []string{c.Remote.URL, c.Connectivity.ProbeURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
		}
	}
	return nil
}

// ProbeURL returns the connectivity probe target, or "" when there is no
// remote.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	if c.Remote.URL == "" {
		return ""
	}
	return strings.TrimRight(c.Remote.URL, "/") + "/health"
}

// DataPath resolves name inside the storage directory.
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.Storage.Dir, name)
}
