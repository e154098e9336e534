// Package local implements the file:// backend for directories on the
// local disk.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"digital.vasic.vfs/pkg/rid"
	"digital.vasic.vfs/pkg/vfs"
)

// Scheme is the resource id scheme served by this backend.
const Scheme = "file"

// Config contains local filesystem configuration.
type Config struct {
	// Roots are the directories exposed as mount roots.
	Roots []string `json:"roots" yaml:"roots"`
}

// FileSystem serves file:// ids beneath its roots.
type FileSystem struct {
	roots []string
	log   *zap.Logger
}

// New creates the local backend. Roots that are not accessible
// directories are logged and skipped.
func New(config *Config, log *zap.Logger) *FileSystem {
	if log == nil {
		log = zap.NewNop()
	}
	f := &FileSystem{log: log.With(zap.String("scheme", Scheme))}

	for _, r := range config.Roots {
		abs, err := filepath.Abs(r)
		if err == nil {
			err = checkDir(abs)
		}
		if err != nil {
			f.log.Warn("skipping local root", zap.String("root", r), zap.Error(err))
			continue
		}
		if !slices.Contains(f.roots, abs) {
			f.roots = append(f.roots, abs)
		}
	}
	return f
}

func checkDir(p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("failed to access base path %s: %w", p, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("base path %s is not a directory", p)
	}
	return nil
}

// Schemes implements vfs.FileSystem.
func (f *FileSystem) Schemes() []string {
	return []string{Scheme}
}

// IsSupported reports whether id lies beneath one of the roots.
func (f *FileSystem) IsSupported(id rid.ID) bool {
	if id.Scheme != Scheme {
		return false
	}
	_, ok := f.root(f.osPath(id))
	return ok
}

// Resource implements vfs.FileSystem.
func (f *FileSystem) Resource(ctx context.Context, id rid.ID) (vfs.Resource, error) {
	if id.Scheme != Scheme {
		return nil, vfs.ErrNotFound
	}
	p := f.osPath(id)
	if _, ok := f.root(p); !ok {
		return nil, vfs.ErrNotFound
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, vfs.WrapError("stat", id, err)
	}
	return f.wrap(p, info), nil
}

// Roots implements vfs.FileSystem.
func (f *FileSystem) Roots(ctx context.Context) ([]vfs.Folder, error) {
	out := make([]vfs.Folder, 0, len(f.roots))
	for _, r := range f.roots {
		out = append(out, f.folder(r))
	}
	return out, nil
}

// RootPaths returns the root directories.
func (f *FileSystem) RootPaths() []string {
	return slices.Clone(f.roots)
}

// osPath maps an id onto a cleaned local path.
func (f *FileSystem) osPath(id rid.ID) string {
	return filepath.Clean(filepath.FromSlash(id.CleanPath()))
}

// root returns the deepest root containing p.
func (f *FileSystem) root(p string) (string, bool) {
	best := ""
	for _, r := range f.roots {
		if rid.FromPath(filepath.ToSlash(p)).HasPathPrefix(filepath.ToSlash(r)) && len(r) > len(best) {
			best = r
		}
	}
	return best, best != ""
}

func (f *FileSystem) isRoot(p string) bool {
	return slices.Contains(f.roots, p)
}

func (f *FileSystem) wrap(p string, info os.FileInfo) vfs.Resource {
	if info.IsDir() {
		return &Folder{node: node{fs: f, path: p, mod: info.ModTime(), modSet: true}}
	}
	return &File{node: node{fs: f, path: p, mod: info.ModTime(), modSet: true}}
}

func (f *FileSystem) folder(p string) *Folder {
	return &Folder{node: node{fs: f, path: p}}
}

type node struct {
	fs   *FileSystem
	path string

	mu     sync.Mutex
	mod    time.Time
	modSet bool
}

func (n *node) Name() string {
	return filepath.Base(n.path)
}

func (n *node) ID() rid.ID {
	return rid.FromPath(filepath.ToSlash(n.path))
}

func (n *node) FileSystem() vfs.FileSystem {
	return n.fs
}

func (n *node) LastModified(ctx context.Context) (time.Time, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.modSet {
		return n.mod, nil
	}
	info, err := os.Stat(n.path)
	if err != nil {
		return time.Time{}, vfs.WrapError("stat", n.ID(), err)
	}
	n.mod, n.modSet = info.ModTime(), true
	return n.mod, nil
}

// Parent returns the enclosing folder, or nil for a root.
func (n *node) Parent(ctx context.Context) (vfs.Folder, error) {
	if n.fs.isRoot(n.path) {
		return nil, nil
	}
	return n.fs.folder(filepath.Dir(n.path)), nil
}

// Folder is a local directory.
type Folder struct {
	node
}

func (d *Folder) IsFile() bool   { return false }
func (d *Folder) IsFolder() bool { return true }

// Children lists the directory.
func (d *Folder) Children(ctx context.Context) ([]vfs.Resource, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, vfs.WrapError("list", d.ID(), err)
	}

	children := make([]vfs.Resource, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		// Follow symlinks so linked directories list as folders.
		if info.Mode()&os.ModeSymlink != 0 {
			if target, err := os.Stat(filepath.Join(d.path, e.Name())); err == nil {
				info = target
			}
		}
		children = append(children, d.fs.wrap(filepath.Join(d.path, e.Name()), info))
	}
	return children, nil
}

// Delete removes the directory and everything beneath it.
func (d *Folder) Delete(ctx context.Context) error {
	if d.fs.isRoot(d.path) {
		return vfs.ErrNotSupported
	}
	return vfs.WrapError("delete", d.ID(), os.RemoveAll(d.path))
}

// CreateFile creates an empty file in the folder.
func (d *Folder) CreateFile(ctx context.Context, name string) (vfs.File, error) {
	p := filepath.Join(d.path, name)
	file, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, vfs.WrapError("create", d.ID().Child(name), err)
	}
	file.Close()
	return &File{node: node{fs: d.fs, path: p}}, nil
}

// CreateFolder creates a directory in the folder.
func (d *Folder) CreateFolder(ctx context.Context, name string) (vfs.Folder, error) {
	p := filepath.Join(d.path, name)
	if err := os.Mkdir(p, 0o755); err != nil {
		return nil, vfs.WrapError("mkdir", d.ID().Child(name), err)
	}
	return d.fs.folder(p), nil
}

// File is a local file.
type File struct {
	node
}

func (f *File) IsFile() bool   { return true }
func (f *File) IsFolder() bool { return false }

// Delete removes the file.
func (f *File) Delete(ctx context.Context) error {
	return vfs.WrapError("delete", f.ID(), os.Remove(f.path))
}

// Length returns the current size of the file.
func (f *File) Length(ctx context.Context) (int64, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return 0, vfs.WrapError("stat", f.ID(), err)
	}
	return info.Size(), nil
}

// Info implements vfs.File. LocalPath is always set.
func (f *File) Info(ctx context.Context) (*vfs.FileInfo, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, vfs.WrapError("stat", f.ID(), err)
	}
	return vfs.LocalFileInfo(f.path, info), nil
}

// Open opens the file positioned at offset.
func (f *File) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, vfs.WrapError("open", f.ID(), err)
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return nil, vfs.WrapError("open", f.ID(), err)
		}
	}
	return file, nil
}

// Create truncates the file, creating missing parent directories.
func (f *File) Create(ctx context.Context) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return nil, vfs.WrapError("create", f.ID(), err)
	}
	file, err := os.Create(f.path)
	if err != nil {
		return nil, vfs.WrapError("create", f.ID(), err)
	}
	f.mu.Lock()
	f.modSet = false
	f.mu.Unlock()
	return file, nil
}
