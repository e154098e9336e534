// Package manager routes resource ids to mounted filesystems, caches the
// resolved resources and owns the lazily started HTTP gateway.
package manager

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"digital.vasic.vfs/pkg/gateway"
	"digital.vasic.vfs/pkg/metrics"
	"digital.vasic.vfs/pkg/rid"
	"digital.vasic.vfs/pkg/vfs"
)

const (
	// DefaultCacheSize is the resource cache capacity.
	DefaultCacheSize = 128
	// DefaultGatewayStartTimeout bounds the wait for the gateway listener.
	DefaultGatewayStartTimeout = 5 * time.Second
	// FallbackPort is used in URLs when the gateway fails to start.
	FallbackPort = 8080
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	cacheSize    int
	log          *zap.Logger
	gatewayAddr  string
	startTimeout time.Duration
}

// WithCacheSize sets the cache capacity; 0 disables caching.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithGatewayAddr sets the gateway listen address.
func WithGatewayAddr(addr string) Option {
	return func(o *options) { o.gatewayAddr = addr }
}

// WithGatewayStartTimeout bounds the wait in HTTPURL for the listener.
func WithGatewayStartTimeout(d time.Duration) Option {
	return func(o *options) { o.startTimeout = d }
}

// mounts is an immutable snapshot of the mounted filesystems.
type mounts struct {
	all      []vfs.FileSystem
	byScheme map[string][]vfs.FileSystem
	any      []vfs.FileSystem
}

func newMounts(list []vfs.FileSystem) *mounts {
	m := &mounts{byScheme: make(map[string][]vfs.FileSystem)}
	for _, fs := range list {
		if slices.Contains(m.all, fs) {
			continue
		}
		m.all = append(m.all, fs)

		schemes := fs.Schemes()
		if len(schemes) == 0 {
			m.any = append(m.any, fs)
			continue
		}
		for _, s := range schemes {
			s = strings.ToLower(s)
			m.byScheme[s] = append(m.byScheme[s], fs)
		}
	}
	return m
}

// Manager is the top-level resource router.
type Manager struct {
	log   *zap.Logger
	cache *lru.Cache[rid.ID, vfs.Resource]

	mu     sync.Mutex
	mounts atomic.Pointer[mounts]

	gateway      *gateway.Server
	startTimeout time.Duration
	startGroup   singleflight.Group
	port         atomic.Int64
}

// New creates a manager with fileSystems mounted.
func New(fileSystems []vfs.FileSystem, opts ...Option) (*Manager, error) {
	o := options{
		cacheSize:    DefaultCacheSize,
		gatewayAddr:  gateway.DefaultAddr,
		startTimeout: DefaultGatewayStartTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}

	m := &Manager{
		log:          o.log.Named("manager"),
		startTimeout: o.startTimeout,
	}
	if o.cacheSize > 0 {
		cache, err := lru.New[rid.ID, vfs.Resource](o.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource cache: %w", err)
		}
		m.cache = cache
	}
	m.gateway = gateway.NewServer(o.gatewayAddr, m, o.log)
	snap := newMounts(fileSystems)
	m.mounts.Store(snap)
	metrics.SetMounted(len(snap.all))
	return m, nil
}

// Mount adds fileSystems after the current mounts. Already mounted
// filesystems keep their position.
func (m *Manager) Mount(fileSystems ...vfs.FileSystem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.mounts.Load()
	next := newMounts(append(slices.Clone(cur.all), fileSystems...))
	m.mounts.Store(next)
	metrics.SetMounted(len(next.all))
	m.log.Debug("mounted filesystems", zap.Int("count", len(next.all)))
}

// Unmount removes fileSystems. Cached resources are kept until evicted
// or ClearCache is called.
func (m *Manager) Unmount(fileSystems ...vfs.FileSystem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.mounts.Load()
	list := slices.DeleteFunc(slices.Clone(cur.all), func(fs vfs.FileSystem) bool {
		return slices.Contains(fileSystems, fs)
	})
	if len(list) == len(cur.all) {
		return
	}
	next := newMounts(list)
	m.mounts.Store(next)
	metrics.SetMounted(len(next.all))
	m.log.Debug("unmounted filesystems", zap.Int("count", len(next.all)))
}

// FileSystems returns the mounted filesystems in mount order.
func (m *Manager) FileSystems() []vfs.FileSystem {
	return slices.Clone(m.mounts.Load().all)
}

// FileSystemsFor returns the filesystems claiming scheme.
func (m *Manager) FileSystemsFor(scheme string) []vfs.FileSystem {
	return slices.Clone(m.mounts.Load().byScheme[strings.ToLower(scheme)])
}

// IsSupportedScheme reports whether a mounted filesystem claims scheme.
func (m *Manager) IsSupportedScheme(scheme string) bool {
	_, ok := m.mounts.Load().byScheme[strings.ToLower(scheme)]
	return ok
}

// Resolve returns the resource for id, consulting the cache first.
// Concurrent resolutions of one id share the first cached result.
func (m *Manager) Resolve(ctx context.Context, id rid.ID) (vfs.Resource, error) {
	if m.cache != nil {
		if res, ok := m.cache.Get(id); ok {
			metrics.RecordResolve("hit")
			return res, nil
		}
	}

	res, err := m.ResolveUncached(ctx, id)
	if err != nil {
		if vfs.IsNotFound(err) {
			metrics.RecordResolve("not_found")
		} else {
			metrics.RecordResolve("error")
		}
		return nil, err
	}
	metrics.RecordResolve("miss")

	if m.cache != nil {
		if prev, ok, _ := m.cache.PeekOrAdd(id, res); ok {
			return prev, nil
		}
	}
	return res, nil
}

// ResolveUncached dispatches id to the first mounted filesystem that
// supports it. Filesystems claiming the scheme are tried in mount order;
// scheme-agnostic ones only when no filesystem claims it.
func (m *Manager) ResolveUncached(ctx context.Context, id rid.ID) (vfs.Resource, error) {
	snap := m.mounts.Load()

	candidates, ok := snap.byScheme[id.Scheme]
	if !ok {
		candidates = snap.any
	}
	for _, fs := range candidates {
		if fs.IsSupported(id) {
			return fs.Resource(ctx, id)
		}
	}
	return nil, fmt.Errorf("%w: %s", vfs.ErrNotFound, id)
}

// ResolveFile resolves id and requires a file.
func (m *Manager) ResolveFile(ctx context.Context, id rid.ID) (vfs.File, error) {
	res, err := m.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	file, ok := res.(vfs.File)
	if !ok || !res.IsFile() {
		return nil, vfs.WrapError("resolve", id, vfs.ErrNotFile)
	}
	return file, nil
}

// ResolveFolder resolves id and requires a folder.
func (m *Manager) ResolveFolder(ctx context.Context, id rid.ID) (vfs.Folder, error) {
	res, err := m.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	folder, ok := res.(vfs.Folder)
	if !ok || !res.IsFolder() {
		return nil, vfs.WrapError("resolve", id, vfs.ErrNotDirectory)
	}
	return folder, nil
}

// ResolvePath resolves an id string, an absolute local path, or a path
// relative to relativeTo.
func (m *Manager) ResolvePath(ctx context.Context, pathOrID string, relativeTo vfs.Resource) (vfs.Resource, error) {
	var id rid.ID
	var err error
	switch {
	case strings.Contains(pathOrID, "://"):
		id, err = rid.Parse(pathOrID)
	case relativeTo != nil:
		id = relativeTo.ID().Child(strings.TrimPrefix(pathOrID, "/"))
	case strings.HasPrefix(pathOrID, "/"):
		id = rid.FromPath(pathOrID)
	default:
		err = fmt.Errorf("%w: %q is neither an id nor an absolute path", rid.ErrInvalid, pathOrID)
	}
	if err != nil {
		return nil, err
	}
	return m.Resolve(ctx, id)
}

// ClearCache drops every cached resource.
func (m *Manager) ClearCache() {
	if m.cache != nil {
		m.cache.Purge()
	}
}

// CacheLen returns the number of cached resources.
func (m *Manager) CacheLen() int {
	if m.cache == nil {
		return 0
	}
	return m.cache.Len()
}

// Gateway returns the embedded gateway server.
func (m *Manager) Gateway() *gateway.Server {
	return m.gateway
}

// HTTPURL returns a gateway URL streaming res. The gateway is started on
// first use; if it does not come up in time the URL carries FallbackPort.
func (m *Manager) HTTPURL(ctx context.Context, res vfs.Resource) string {
	return "http://localhost:" + strconv.Itoa(m.gatewayPort(ctx)) +
		gateway.Path + "?" + gateway.QueryParam + "=" + rid.Encode(res.ID())
}

func (m *Manager) gatewayPort(ctx context.Context) int {
	if port := m.port.Load(); port != 0 {
		return int(port)
	}

	v, err, _ := m.startGroup.Do("gateway", func() (any, error) {
		if port := m.port.Load(); port != 0 {
			return int(port), nil
		}
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.startTimeout)
		defer cancel()

		port, err := m.gateway.Start(startCtx)
		if err != nil {
			return 0, err
		}
		m.port.Store(int64(port))
		return port, nil
	})
	if err != nil {
		m.log.Error("HTTP gateway not started", zap.Int("fallback_port", FallbackPort), zap.Error(err))
		return FallbackPort
	}
	return v.(int)
}

// Close stops the gateway and closes every mounted filesystem holding
// connections.
func (m *Manager) Close(ctx context.Context) error {
	err := m.gateway.Stop(ctx)
	m.port.Store(0)

	for _, fs := range m.FileSystems() {
		if c, ok := fs.(vfs.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	m.ClearCache()
	return err
}
