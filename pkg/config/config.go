// Package config loads the daemon configuration: defaults, an optional
// YAML or JSON override file, then VFS_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"digital.vasic.vfs/pkg/factory"
)

// Default configuration constants. See [Config] for field descriptions.
const (
	DefaultListenAddr  = "127.0.0.1:0"
	DefaultMetricsAddr = ":9090"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultCacheSize   = 128
	DefaultIdleTimeout = 30 * time.Second
	DefaultPrefsFile   = "vfs-prefs.yaml"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VFS_"

// Config contains runtime configuration of the daemon.
type Config struct {
	ListenAddr  string // Gateway listen address (Default 127.0.0.1:0)
	MetricsAddr string // Prometheus listen address; empty disables (Default :9090)
	LogLevel    string // debug, info, warn, error (Default info)
	LogFormat   string // json or console (Default json)
	CacheSize   int    // Resolved resource cache capacity, 0 disables (Default 128)
	PrefsFile   string // Preference store holding remote roots and credentials
	IdleTimeout time.Duration
	Storages    []factory.StorageConfig
}

// ConfigOverride uses pointer fields to distinguish between unset and zero
// values when loading partial configuration.
type ConfigOverride struct {
	ListenAddr  *string                 `yaml:"listen_addr,omitempty" json:"listen_addr,omitempty"`
	MetricsAddr *string                 `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`
	LogLevel    *string                 `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	LogFormat   *string                 `yaml:"log_format,omitempty" json:"log_format,omitempty"`
	CacheSize   *int                    `yaml:"cache_size,omitempty" json:"cache_size,omitempty"`
	PrefsFile   *string                 `yaml:"prefs_file,omitempty" json:"prefs_file,omitempty"`
	IdleTimeout *string                 `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`
	Storages    []factory.StorageConfig `yaml:"storages,omitempty" json:"storages,omitempty"`
}

// NewDefaultConfig creates a new Config with all default values.
func NewDefaultConfig() *Config {
	return &Config{
		ListenAddr:  DefaultListenAddr,
		MetricsAddr: DefaultMetricsAddr,
		LogLevel:    DefaultLogLevel,
		LogFormat:   DefaultLogFormat,
		CacheSize:   DefaultCacheSize,
		PrefsFile:   DefaultPrefsFile,
		IdleTimeout: DefaultIdleTimeout,
	}
}

// Merge applies non-nil values from override onto this Config. A non-nil
// storage list replaces the current one.
func (c *Config) Merge(override *ConfigOverride) error {
	if override.ListenAddr != nil {
		c.ListenAddr = *override.ListenAddr
	}
	if override.MetricsAddr != nil {
		c.MetricsAddr = *override.MetricsAddr
	}
	if override.LogLevel != nil {
		c.LogLevel = *override.LogLevel
	}
	if override.LogFormat != nil {
		c.LogFormat = *override.LogFormat
	}
	if override.CacheSize != nil {
		c.CacheSize = *override.CacheSize
	}
	if override.PrefsFile != nil {
		c.PrefsFile = *override.PrefsFile
	}
	if override.IdleTimeout != nil {
		d, err := time.ParseDuration(*override.IdleTimeout)
		if err != nil {
			return fmt.Errorf("invalid idle_timeout: %w", err)
		}
		c.IdleTimeout = d
	}
	if override.Storages != nil {
		c.Storages = override.Storages
	}
	return nil
}

// LoadConfigOverrideFile loads configuration overrides from a file without merging.
// Supports both YAML (.yaml, .yml) and JSON (.json) formats.
func LoadConfigOverrideFile(path string) (*ConfigOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override ConfigOverride

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", path)
	}

	return &override, nil
}

// EnvOverride reads the VFS_* environment variables. VFS_LOCAL_ROOTS is a
// path list separated like PATH and adds a local storage.
func EnvOverride() (*ConfigOverride, []string) {
	var o ConfigOverride
	o.ListenAddr = envString("LISTEN_ADDR")
	o.MetricsAddr = envString("METRICS_ADDR")
	o.LogLevel = envString("LOG_LEVEL")
	o.LogFormat = envString("LOG_FORMAT")
	o.PrefsFile = envString("PREFS_FILE")
	o.IdleTimeout = envString("IDLE_TIMEOUT")
	if v := envString("CACHE_SIZE"); v != nil {
		if n, err := strconv.Atoi(*v); err == nil {
			o.CacheSize = &n
		}
	}

	var roots []string
	if v := envString("LOCAL_ROOTS"); v != nil {
		roots = filepath.SplitList(*v)
	}
	return &o, roots
}

func envString(key string) *string {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
		return &v
	}
	return nil
}

// Load builds the configuration from defaults, the file at path when
// non-empty, and the environment.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path != "" {
		override, err := LoadConfigOverrideFile(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.Merge(override); err != nil {
			return nil, err
		}
	}

	env, roots := EnvOverride()
	if err := cfg.Merge(env); err != nil {
		return nil, err
	}
	if len(roots) > 0 {
		cfg.Storages = append(cfg.Storages, factory.StorageConfig{
			Name:     "env",
			Protocol: "file",
			Enabled:  true,
			Settings: map[string]interface{}{"roots": roots},
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative: %d", c.CacheSize)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive: %s", c.IdleTimeout)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("unknown log_format: %s", c.LogFormat)
	}
	return nil
}
