// Package factory builds mountable filesystems from storage configuration,
// selecting the backend constructor by protocol.
package factory

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"digital.vasic.vfs/pkg/ftp"
	"digital.vasic.vfs/pkg/generic"
	"digital.vasic.vfs/pkg/local"
	"digital.vasic.vfs/pkg/memfs"
	"digital.vasic.vfs/pkg/netfs"
	"digital.vasic.vfs/pkg/prefs"
	"digital.vasic.vfs/pkg/s3"
	"digital.vasic.vfs/pkg/sftp"
	"digital.vasic.vfs/pkg/smb"
	"digital.vasic.vfs/pkg/vfs"
	"digital.vasic.vfs/pkg/webdav"
)

// StorageConfig represents the configuration for one mounted backend.
type StorageConfig struct {
	Name     string                 `json:"name" yaml:"name"`
	Protocol string                 `json:"protocol" yaml:"protocol"`
	Enabled  bool                   `json:"enabled" yaml:"enabled"`
	Settings map[string]interface{} `json:"settings" yaml:"settings"`
}

// Env carries the shared dependencies handed to every constructor.
type Env struct {
	Store       prefs.Store
	Log         *zap.Logger
	IdleTimeout time.Duration
	HTTPClient  *http.Client
}

func (e Env) netfsOptions(settings map[string]interface{}) []netfs.Option {
	opts := []netfs.Option{netfs.WithLogger(e.Log)}
	if e.IdleTimeout > 0 {
		opts = append(opts, netfs.WithIdleTimeout(e.IdleTimeout))
	}
	if n := GetIntSetting(settings, "max_sessions", 0); n > 0 {
		opts = append(opts, netfs.WithMaxSessions(n))
	}
	return opts
}

// Constructor creates a filesystem from protocol settings.
type Constructor func(ctx context.Context, env Env, settings map[string]interface{}) (vfs.FileSystem, error)

// Registry maps protocols to constructors.
type Registry struct {
	env          Env
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry(env Env) *Registry {
	if env.Log == nil {
		env.Log = zap.NewNop()
	}
	if env.Store == nil {
		env.Store = prefs.NewMemory()
	}
	return &Registry{env: env, constructors: make(map[string]Constructor)}
}

// DefaultRegistry creates a registry with every built-in backend.
func DefaultRegistry(env Env) *Registry {
	r := NewRegistry(env)
	r.Register(local.Scheme, newLocal)
	r.Register(sftp.Scheme, newSFTP)
	r.Register(smb.Scheme, newSMB)
	r.Register(ftp.Scheme, newFTP)
	r.Register(webdav.Scheme, newWebDAV(false))
	r.Register(webdav.SecureScheme, newWebDAV(true))
	r.Register(s3.Scheme, newS3)
	r.Register("http", newGeneric)
	r.Register(memfs.Scheme, newMemory)
	return r
}

// Register adds or replaces the constructor for protocol.
func (r *Registry) Register(protocol string, c Constructor) {
	r.constructors[protocol] = c
}

// SupportedProtocols returns the registered protocols, sorted.
func (r *Registry) SupportedProtocols() []string {
	protocols := make([]string, 0, len(r.constructors))
	for p := range r.constructors {
		protocols = append(protocols, p)
	}
	sort.Strings(protocols)
	return protocols
}

// Create creates the filesystem for a single storage configuration.
func (r *Registry) Create(ctx context.Context, config StorageConfig) (vfs.FileSystem, error) {
	c, ok := r.constructors[config.Protocol]
	if !ok {
		return nil, fmt.Errorf("unsupported protocol: %s", config.Protocol)
	}
	env := r.env
	env.Log = r.env.Log.Named(config.Protocol)
	fs, err := c(ctx, env, config.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage %q: %w", config.Protocol, config.Name, err)
	}
	return fs, nil
}

// Build creates the enabled storages. A storage that fails is logged and
// skipped; protocols listed more than once are built once.
func (r *Registry) Build(ctx context.Context, configs ...StorageConfig) []vfs.FileSystem {
	var built []string
	var out []vfs.FileSystem
	for _, config := range configs {
		if !config.Enabled {
			continue
		}
		if isNetFS(config.Protocol) && slices.Contains(built, config.Protocol) {
			r.env.Log.Warn("duplicate storage ignored",
				zap.String("protocol", config.Protocol),
				zap.String("name", config.Name))
			continue
		}
		fs, err := r.Create(ctx, config)
		if err != nil {
			r.env.Log.Error("skipping storage", zap.Error(err))
			continue
		}
		built = append(built, config.Protocol)
		out = append(out, fs)
	}
	return out
}

// isNetFS reports whether protocol keeps its roots in the preference
// store; two instances would fight over the same keys.
func isNetFS(protocol string) bool {
	switch protocol {
	case sftp.Scheme, smb.Scheme, ftp.Scheme, webdav.Scheme, webdav.SecureScheme:
		return true
	}
	return false
}

func newLocal(ctx context.Context, env Env, settings map[string]interface{}) (vfs.FileSystem, error) {
	roots := GetStringSliceSetting(settings, "roots")
	if len(roots) == 0 {
		return nil, fmt.Errorf("no roots configured")
	}
	return local.New(&local.Config{Roots: roots}, env.Log), nil
}

func newSFTP(ctx context.Context, env Env, settings map[string]interface{}) (vfs.FileSystem, error) {
	d := &sftp.Driver{
		KnownHosts: GetStringSetting(settings, "known_hosts", ""),
		Timeout:    time.Duration(GetIntSetting(settings, "timeout_seconds", 0)) * time.Second,
	}
	return sftp.NewWithDriver(d, env.Store, env.netfsOptions(settings)...), nil
}

func newSMB(ctx context.Context, env Env, settings map[string]interface{}) (vfs.FileSystem, error) {
	return smb.New(env.Store, env.netfsOptions(settings)...), nil
}

func newFTP(ctx context.Context, env Env, settings map[string]interface{}) (vfs.FileSystem, error) {
	return ftp.New(env.Store, env.netfsOptions(settings)...), nil
}

func newWebDAV(secure bool) Constructor {
	return func(ctx context.Context, env Env, settings map[string]interface{}) (vfs.FileSystem, error) {
		return webdav.New(env.Store, secure, env.netfsOptions(settings)...), nil
	}
}

func newS3(ctx context.Context, env Env, settings map[string]interface{}) (vfs.FileSystem, error) {
	cfg := s3.Config{
		Endpoint:  GetStringSetting(settings, "endpoint", ""),
		Region:    GetStringSetting(settings, "region", "us-east-1"),
		AccessKey: GetStringSetting(settings, "access_key", ""),
		SecretKey: GetStringSetting(settings, "secret_key", ""),
		PathStyle: GetBoolSetting(settings, "path_style", false),
		Buckets:   GetStringSliceSetting(settings, "buckets"),
	}
	if len(cfg.Buckets) == 0 {
		return nil, fmt.Errorf("no buckets configured")
	}
	return s3.Open(ctx, cfg, env.Log)
}

func newGeneric(ctx context.Context, env Env, settings map[string]interface{}) (vfs.FileSystem, error) {
	return generic.New(env.HTTPClient, env.Log), nil
}

func newMemory(ctx context.Context, env Env, settings map[string]interface{}) (vfs.FileSystem, error) {
	return memfs.New(memfs.WithHost(GetStringSetting(settings, "host", ""))), nil
}

// GetStringSetting extracts a string setting from a settings map.
func GetStringSetting(settings map[string]interface{}, key, defaultValue string) string {
	if val, ok := settings[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultValue
}

// GetIntSetting extracts an int setting from a settings map.
func GetIntSetting(settings map[string]interface{}, key string, defaultValue int) int {
	if val, ok := settings[key]; ok {
		if num, ok := val.(int); ok {
			return num
		}
		if floatNum, ok := val.(float64); ok {
			return int(floatNum)
		}
	}
	return defaultValue
}

// GetBoolSetting extracts a bool setting from a settings map.
func GetBoolSetting(settings map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := settings[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultValue
}

// GetStringSliceSetting extracts a list of strings. YAML and JSON decode
// lists as []interface{}.
func GetStringSliceSetting(settings map[string]interface{}, key string) []string {
	switch val := settings[key].(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{val}
	}
	return nil
}
