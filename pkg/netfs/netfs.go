// Package netfs holds the logic shared by remote filesystem backends:
// persisted mount roots, per-root credentials, root lookup, and pooled
// sessions beneath every file and folder operation.
package netfs

import (
	"context"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"digital.vasic.vfs/pkg/pool"
	"digital.vasic.vfs/pkg/prefs"
	"digital.vasic.vfs/pkg/rid"
	"digital.vasic.vfs/pkg/vfs"
)

// DefaultIdleTimeout is how long an unused session stays open.
const DefaultIdleTimeout = 30 * time.Second

// Entry is a directory entry reported by a driver.
type Entry struct {
	Name    string
	Dir     bool
	Size    int64
	ModTime time.Time
}

// Driver performs protocol calls on sessions of type S. Paths are
// absolute and slash separated.
type Driver[S any] interface {
	Scheme() string
	DefaultPort() int
	DefaultMaxSessions() int

	Dial(ctx context.Context, t Target) (S, error)
	Close(s S) error
	// Alive is the cheap local validity check run on acquire and release.
	Alive(s S) bool
	// KeepAlive is the liveness check sent after each operation.
	KeepAlive(ctx context.Context, s S) error

	Stat(ctx context.Context, s S, path string) (Entry, error)
	List(ctx context.Context, s S, path string) ([]Entry, error)
	Open(ctx context.Context, s S, path string, offset int64) (io.ReadCloser, error)
	Create(ctx context.Context, s S, path string) (io.WriteCloser, error)
	Mkdir(ctx context.Context, s S, path string) error
	Remove(ctx context.Context, s S, path string, dir bool) error
}

// HomeResolver is implemented by drivers that can resolve the login
// directory used when a root is added without a path.
type HomeResolver[S any] interface {
	Home(ctx context.Context, s S) (string, error)
}

// Credentials are the secrets of a root. Any field may be empty.
type Credentials struct {
	Password      string
	KeyFile       string
	KeyPassphrase string
}

// Target describes a remote root.
type Target struct {
	User string
	Host string
	Port int // rid.DefaultPort for the scheme default
	Path string
	Credentials
}

// ID returns the root id for scheme. Relative paths are taken from "/".
func (t Target) ID(scheme string) rid.ID {
	return rid.New(scheme, t.User, t.Host, t.Port, t.Path)
}

// TargetFromID builds a target without credentials from a root id.
func TargetFromID(id rid.ID) Target {
	return Target{User: id.User(), Host: id.Host, Port: id.Port, Path: id.Path}
}

// Option configures a FileSystem.
type Option func(*options)

type options struct {
	log         *zap.Logger
	clock       clock.Clock
	idleTimeout time.Duration
	maxSessions int
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock sets the clock driving idle timers.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIdleTimeout sets the session idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithMaxSessions overrides the per-root session limit.
func WithMaxSessions(n int) Option {
	return func(o *options) { o.maxSessions = n }
}

// FileSystem is a remote backend built from a Driver. Roots are held in
// a copy-on-write slice: readers never lock, writers serialize on mu.
type FileSystem[S any] struct {
	drv   Driver[S]
	store prefs.Store
	opts  options
	log   *zap.Logger

	mu    sync.Mutex
	roots atomic.Pointer[[]*Root[S]]
}

// New creates a backend and recreates the roots persisted in store.
// Roots that fail to parse are logged and skipped.
func New[S any](drv Driver[S], store prefs.Store, opts ...Option) *FileSystem[S] {
	o := options{idleTimeout: DefaultIdleTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	f := &FileSystem[S]{
		drv:   drv,
		store: store,
		opts:  o,
		log:   o.log.With(zap.String("scheme", drv.Scheme())),
	}

	var roots []*Root[S]
	for _, s := range store.StringArray(f.RootsKey()) {
		id, err := rid.Parse(s)
		if err == nil && id.Scheme != drv.Scheme() {
			err = fmt.Errorf("scheme %q is not %q", id.Scheme, drv.Scheme())
		}
		if err != nil {
			f.log.Warn("skipping persisted root", zap.String("root", s), zap.Error(err))
			continue
		}

		t := TargetFromID(id)
		t.Credentials = f.loadCredentials(id)
		r, err := f.CreateRoot(t)
		if err != nil {
			f.log.Warn("skipping persisted root", zap.String("root", s), zap.Error(err))
			continue
		}
		if slices.ContainsFunc(roots, func(e *Root[S]) bool { return e.id == r.id }) {
			r.Close()
			continue
		}
		roots = append(roots, r)
	}
	f.roots.Store(&roots)
	return f
}

// RootsKey is the preference key listing the persisted root ids.
func (f *FileSystem[S]) RootsKey() string {
	return strings.ToUpper(f.drv.Scheme()) + "_ROOTS"
}

// MaxSessionsKey is the preference key bounding sessions per root.
func (f *FileSystem[S]) MaxSessionsKey() string {
	return strings.ToUpper(f.drv.Scheme()) + "_MAX_SESSIONS"
}

// Driver returns the protocol driver.
func (f *FileSystem[S]) Driver() Driver[S] {
	return f.drv
}

// Schemes implements vfs.FileSystem.
func (f *FileSystem[S]) Schemes() []string {
	return []string{f.drv.Scheme()}
}

// IsSupported implements vfs.FileSystem.
func (f *FileSystem[S]) IsSupported(id rid.ID) bool {
	if id.Scheme != f.drv.Scheme() {
		return false
	}
	_, _, ok := f.FindRoot(id)
	return ok
}

// Resource implements vfs.FileSystem.
func (f *FileSystem[S]) Resource(ctx context.Context, id rid.ID) (vfs.Resource, error) {
	if id.Scheme != f.drv.Scheme() {
		return nil, vfs.ErrNotFound
	}
	r, exact, ok := f.FindRoot(id)
	if !ok {
		return nil, vfs.ErrNotFound
	}
	if exact {
		return r, nil
	}
	return r.resolve(ctx, r.id.WithPath(id.CleanPath()))
}

// Roots implements vfs.FileSystem.
func (f *FileSystem[S]) Roots(ctx context.Context) ([]vfs.Folder, error) {
	roots := f.MountRoots()
	out := make([]vfs.Folder, 0, len(roots))
	for _, r := range roots {
		out = append(out, r)
	}
	return out, nil
}

// MountRoots returns the current roots.
func (f *FileSystem[S]) MountRoots() []*Root[S] {
	return slices.Clone(*f.roots.Load())
}

// FindRoot returns the root serving id: same user, host and effective
// port, with a path that equals id's path or contains it on a separator
// boundary. The deepest such root wins; exact reports path equality.
func (f *FileSystem[S]) FindRoot(id rid.ID) (root *Root[S], exact bool, ok bool) {
	port := id.EffectivePort(f.drv.DefaultPort())
	user := id.User()
	depth := -1

	for _, r := range *f.roots.Load() {
		rootPath := r.id.CleanPath()
		if r.id.User() != user || !strings.EqualFold(r.id.Host, id.Host) ||
			r.id.EffectivePort(f.drv.DefaultPort()) != port || !id.HasPathPrefix(rootPath) {
			continue
		}
		if d := len(rootPath); d > depth {
			root, depth = r, d
		}
	}
	if root == nil {
		return nil, false, false
	}
	return root, id.CleanPath() == root.id.CleanPath(), true
}

// CreateRoot builds a root without connecting. The scheme's default port
// is dropped from the root id, so ids naming it explicitly or not name
// the same root.
func (f *FileSystem[S]) CreateRoot(t Target) (*Root[S], error) {
	if t.Host == "" {
		return nil, fmt.Errorf("%s root: empty host", f.drv.Scheme())
	}
	if t.Port <= 0 || t.Port == f.drv.DefaultPort() {
		t.Port = rid.DefaultPort
	}

	maxSessions := f.opts.maxSessions
	if maxSessions <= 0 {
		maxSessions = f.store.Int(f.MaxSessionsKey(), f.drv.DefaultMaxSessions())
	}

	r := &Root[S]{fs: f, target: t}
	r.setPath(t.Path)
	r.pool = pool.New(pool.Config[S]{
		Name:   f.drv.Scheme() + "://" + r.id.Authority(),
		Max:    maxSessions,
		Create: func(ctx context.Context) (S, error) { return f.drv.Dial(ctx, r.target) },
		Validate: func(s S, releasing bool) bool {
			return f.drv.Alive(s)
		},
		Destroy:     f.drv.Close,
		KeepAlive:   f.drv.KeepAlive,
		IdleTimeout: f.opts.idleTimeout,
		Clock:       f.opts.clock,
		Logger:      f.log,
	})
	return r, nil
}

// ConnectRoot connects to t and checks that its path is a directory. An
// empty or relative path resolves against the login directory when the
// driver supports it, else against "/". On failure every opened session
// is closed.
func (f *FileSystem[S]) ConnectRoot(ctx context.Context, t Target) (*Root[S], error) {
	r, err := f.CreateRoot(t)
	if err != nil {
		return nil, err
	}

	h, err := r.pool.Acquire(ctx)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", r.id, err)
	}

	fail := func(err error) (*Root[S], error) {
		h.Discard()
		r.Close()
		return nil, err
	}

	if !strings.HasPrefix(t.Path, "/") {
		home := "/"
		if hr, ok := f.drv.(HomeResolver[S]); ok {
			if home, err = hr.Home(ctx, h.Value()); err != nil {
				return fail(fmt.Errorf("failed to resolve home of %s: %w", r.id, err))
			}
		}
		r.setPath(path.Join("/", home, t.Path))
	}

	e, err := f.drv.Stat(ctx, h.Value(), r.id.CleanPath())
	if err != nil {
		return fail(vfs.WrapError("stat", r.id, err))
	}
	if !e.Dir {
		return fail(vfs.WrapError("stat", r.id, vfs.ErrNotDirectory))
	}
	r.Folder.setModTime(e.ModTime)

	h.Release()
	return r, nil
}

// AddRoot connects to t and adds it to the persisted roots together with
// its credentials. If an equal root exists it is returned instead.
func (f *FileSystem[S]) AddRoot(ctx context.Context, t Target) (*Root[S], error) {
	r, err := f.ConnectRoot(ctx, t)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	roots := *f.roots.Load()
	for _, e := range roots {
		if e.id == r.id {
			f.mu.Unlock()
			r.Close()
			return e, nil
		}
	}

	next := append(slices.Clone(roots), r)
	edit := f.store.Edit().SetStringArray(f.RootsKey(), rootIDs(next))
	setCredentials(edit, r.id, r.target.Credentials)
	if err := edit.Apply(); err != nil {
		f.mu.Unlock()
		r.Close()
		return nil, fmt.Errorf("failed to save %s: %w", r.id, err)
	}
	f.roots.Store(&next)
	f.mu.Unlock()

	f.log.Info("root added", zap.String("root", r.id.String()))
	return r, nil
}

// RemoveRoot removes root and its credentials and closes its sessions.
// It reports false if root was not present.
func (f *FileSystem[S]) RemoveRoot(root *Root[S]) bool {
	f.mu.Lock()
	roots := *f.roots.Load()
	idx := slices.Index(roots, root)
	if idx < 0 {
		f.mu.Unlock()
		return false
	}

	next := slices.Delete(slices.Clone(roots), idx, idx+1)
	err := f.store.Edit().
		SetStringArray(f.RootsKey(), rootIDs(next)).
		Remove(
			CredentialKey(root.id, KeyPassword),
			CredentialKey(root.id, KeyFile),
			CredentialKey(root.id, KeyPassphrase),
		).
		Apply()
	f.roots.Store(&next)
	f.mu.Unlock()

	if err != nil {
		f.log.Error("failed to save roots", zap.String("root", root.id.String()), zap.Error(err))
	}
	root.Close()
	f.log.Info("root removed", zap.String("root", root.id.String()))
	return true
}

// Close closes the sessions of every root.
func (f *FileSystem[S]) Close() error {
	var err error
	for _, r := range *f.roots.Load() {
		err = multierr.Append(err, r.Close())
	}
	return err
}

func (f *FileSystem[S]) loadCredentials(id rid.ID) Credentials {
	get := func(kind byte) string {
		v, ok := f.store.String(CredentialKey(id, kind))
		if !ok {
			return ""
		}
		s, err := DecodeSecret(v)
		if err != nil {
			f.log.Warn("ignoring malformed credential", zap.String("root", id.String()), zap.Error(err))
			return ""
		}
		return s
	}
	return Credentials{
		Password:      get(KeyPassword),
		KeyFile:       get(KeyFile),
		KeyPassphrase: get(KeyPassphrase),
	}
}

func setCredentials(e *prefs.Edit, id rid.ID, c Credentials) {
	set := func(kind byte, v string) {
		if v == "" {
			e.Remove(CredentialKey(id, kind))
		} else {
			e.SetString(CredentialKey(id, kind), EncodeSecret(v))
		}
	}
	set(KeyPassword, c.Password)
	set(KeyFile, c.KeyFile)
	set(KeyPassphrase, c.KeyPassphrase)
}

func rootIDs[S any](roots []*Root[S]) []string {
	ids := make([]string, 0, len(roots))
	for _, r := range roots {
		ids = append(ids, r.id.String())
	}
	return ids
}
