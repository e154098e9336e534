// Package memfs implements an in-memory filesystem backend. It serves
// scratch mounts and is the reference backend in tests.
package memfs

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"digital.vasic.vfs/pkg/rid"
	"digital.vasic.vfs/pkg/vfs"
)

// Scheme is the default scheme of memory filesystems.
const Scheme = "mem"

type node struct {
	dir     bool
	data    []byte
	modTime time.Time
}

// FileSystem is a memory backed vfs.FileSystem rooted at scheme://host/.
type FileSystem struct {
	scheme string
	host   string
	now    func() time.Time

	mu    sync.RWMutex
	nodes map[string]*node
}

// Option configures a FileSystem.
type Option func(*FileSystem)

// WithScheme sets the claimed scheme. An empty scheme makes the backend
// scheme-agnostic.
func WithScheme(scheme string) Option {
	return func(f *FileSystem) { f.scheme = scheme }
}

// WithHost sets the host part of root ids.
func WithHost(host string) Option {
	return func(f *FileSystem) { f.host = host }
}

// WithClock sets the time source for modification times.
func WithClock(now func() time.Time) Option {
	return func(f *FileSystem) { f.now = now }
}

// New creates an empty memory filesystem.
func New(opts ...Option) *FileSystem {
	f := &FileSystem{
		scheme: Scheme,
		now:    time.Now,
		nodes:  map[string]*node{},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.nodes["/"] = &node{dir: true, modTime: f.now()}
	return f
}

// Schemes implements vfs.FileSystem.
func (f *FileSystem) Schemes() []string {
	if f.scheme == "" {
		return nil
	}
	return []string{f.scheme}
}

// IsSupported implements vfs.FileSystem.
func (f *FileSystem) IsSupported(id rid.ID) bool {
	if f.scheme != "" && id.Scheme != f.scheme {
		return false
	}
	return id.Host == f.host
}

// Resource implements vfs.FileSystem.
func (f *FileSystem) Resource(ctx context.Context, id rid.ID) (vfs.Resource, error) {
	if !f.IsSupported(id) {
		return nil, vfs.ErrNotFound
	}
	p := id.CleanPath()

	f.mu.RLock()
	n, ok := f.nodes[p]
	f.mu.RUnlock()
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return f.wrap(p, n.dir), nil
}

// Roots implements vfs.FileSystem.
func (f *FileSystem) Roots(ctx context.Context) ([]vfs.Folder, error) {
	return []vfs.Folder{f.Root()}, nil
}

// Root returns the root folder.
func (f *FileSystem) Root() vfs.Folder {
	return &Folder{resource{fs: f, path: "/"}}
}

// ID returns the id of p on this filesystem.
func (f *FileSystem) ID(p string) rid.ID {
	scheme := f.scheme
	if scheme == "" {
		scheme = Scheme
	}
	return rid.New(scheme, "", f.host, rid.DefaultPort, path.Clean("/"+p))
}

// WriteFile stores data at p, creating parent folders.
func (f *FileSystem) WriteFile(p string, data []byte) {
	p = path.Clean("/" + p)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAllLocked(path.Dir(p))
	f.nodes[p] = &node{data: bytes.Clone(data), modTime: f.now()}
}

// MkdirAll creates folder p and its parents.
func (f *FileSystem) MkdirAll(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAllLocked(path.Clean("/" + p))
}

func (f *FileSystem) mkdirAllLocked(p string) {
	for ; ; p = path.Dir(p) {
		if _, ok := f.nodes[p]; !ok {
			f.nodes[p] = &node{dir: true, modTime: f.now()}
		}
		if p == "/" {
			return
		}
	}
}

func (f *FileSystem) wrap(p string, dir bool) vfs.Resource {
	r := resource{fs: f, path: p}
	if dir {
		return &Folder{r}
	}
	return &File{r}
}

type resource struct {
	fs   *FileSystem
	path string
}

func (r *resource) Name() string               { return path.Base(r.path) }
func (r *resource) ID() rid.ID                 { return r.fs.ID(r.path) }
func (r *resource) FileSystem() vfs.FileSystem { return r.fs }

func (r *resource) LastModified(ctx context.Context) (time.Time, error) {
	r.fs.mu.RLock()
	defer r.fs.mu.RUnlock()
	n, ok := r.fs.nodes[r.path]
	if !ok {
		return time.Time{}, vfs.ErrNotFound
	}
	return n.modTime, nil
}

func (r *resource) Parent(ctx context.Context) (vfs.Folder, error) {
	if r.path == "/" {
		return nil, nil
	}
	res, err := r.fs.Resource(ctx, r.fs.ID(path.Dir(r.path)))
	if err != nil {
		return nil, err
	}
	return res.(vfs.Folder), nil
}

func (r *resource) Delete(ctx context.Context) error {
	if r.path == "/" {
		return vfs.ErrNotSupported
	}
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()
	if _, ok := r.fs.nodes[r.path]; !ok {
		return vfs.WrapError("delete", r.ID(), vfs.ErrNotFound)
	}
	for p := range r.fs.nodes {
		if p == r.path || strings.HasPrefix(p, r.path+"/") {
			delete(r.fs.nodes, p)
		}
	}
	return nil
}

// Folder is a memory folder.
type Folder struct{ resource }

func (d *Folder) IsFile() bool   { return false }
func (d *Folder) IsFolder() bool { return true }

// Children implements vfs.Folder.
func (d *Folder) Children(ctx context.Context) ([]vfs.Resource, error) {
	d.fs.mu.RLock()
	defer d.fs.mu.RUnlock()
	if _, ok := d.fs.nodes[d.path]; !ok {
		return nil, vfs.WrapError("list", d.ID(), vfs.ErrNotFound)
	}

	var names []string
	for p := range d.fs.nodes {
		if p != "/" && path.Dir(p) == d.path {
			names = append(names, p)
		}
	}
	sort.Strings(names)

	children := make([]vfs.Resource, 0, len(names))
	for _, p := range names {
		children = append(children, d.fs.wrap(p, d.fs.nodes[p].dir))
	}
	return children, nil
}

// CreateFile implements vfs.FolderCreator.
func (d *Folder) CreateFile(ctx context.Context, name string) (vfs.File, error) {
	p := path.Join(d.path, name)
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	if n, ok := d.fs.nodes[p]; ok && n.dir {
		return nil, vfs.WrapError("create", d.fs.ID(p), vfs.ErrNotFile)
	}
	d.fs.nodes[p] = &node{modTime: d.fs.now()}
	return &File{resource{fs: d.fs, path: p}}, nil
}

// CreateFolder implements vfs.FolderCreator.
func (d *Folder) CreateFolder(ctx context.Context, name string) (vfs.Folder, error) {
	p := path.Join(d.path, name)
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	if n, ok := d.fs.nodes[p]; ok && !n.dir {
		return nil, vfs.WrapError("mkdir", d.fs.ID(p), vfs.ErrNotDirectory)
	}
	d.fs.nodes[p] = &node{dir: true, modTime: d.fs.now()}
	return &Folder{resource{fs: d.fs, path: p}}, nil
}

// File is a memory file.
type File struct{ resource }

func (f *File) IsFile() bool   { return true }
func (f *File) IsFolder() bool { return false }

func (f *File) content() ([]byte, error) {
	f.fs.mu.RLock()
	defer f.fs.mu.RUnlock()
	n, ok := f.fs.nodes[f.path]
	if !ok {
		return nil, vfs.WrapError("read", f.ID(), vfs.ErrNotFound)
	}
	return n.data, nil
}

// Length implements vfs.File.
func (f *File) Length(ctx context.Context) (int64, error) {
	data, err := f.content()
	return int64(len(data)), err
}

// Info implements vfs.File.
func (f *File) Info(ctx context.Context) (*vfs.FileInfo, error) {
	data, err := f.content()
	if err != nil {
		return nil, err
	}
	mod, _ := f.LastModified(ctx)
	return &vfs.FileInfo{Length: int64(len(data)), ModTime: mod}, nil
}

// Open implements vfs.File.
func (f *File) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	data, err := f.content()
	if err != nil {
		return nil, err
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}

// Create implements vfs.WritableFile.
func (f *File) Create(ctx context.Context) (io.WriteCloser, error) {
	return &writer{f: f}, nil
}

type writer struct {
	f   *File
	buf bytes.Buffer
}

func (w *writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *writer) Close() error {
	w.f.fs.WriteFile(w.f.path, w.buf.Bytes())
	return nil
}
