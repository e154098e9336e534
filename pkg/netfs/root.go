package netfs

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"digital.vasic.vfs/pkg/pool"
	"digital.vasic.vfs/pkg/rid"
	"digital.vasic.vfs/pkg/vfs"
)

// keepAliveTimeout bounds the keep-alive sent when a stream is closed.
const keepAliveTimeout = 10 * time.Second

// Root is a mount root: a folder owning the session pool shared by every
// resource beneath it.
type Root[S any] struct {
	*Folder[S]
	fs     *FileSystem[S]
	target Target
	pool   *pool.Pool[S]
}

func (r *Root[S]) setPath(p string) {
	r.target.Path = p
	id := r.target.ID(r.fs.drv.Scheme())
	r.target.Path = id.Path
	r.Folder = &Folder[S]{node: node[S]{root: r, id: id}}
}

// Target returns the connection target, credentials included.
func (r *Root[S]) Target() Target {
	return r.target
}

// Pool returns the session pool of the root.
func (r *Root[S]) Pool() *pool.Pool[S] {
	return r.pool
}

// Parent implements vfs.Resource. Roots have no parent.
func (r *Root[S]) Parent(ctx context.Context) (vfs.Folder, error) {
	return nil, nil
}

// Delete implements vfs.Resource. Roots are removed with RemoveRoot.
func (r *Root[S]) Delete(ctx context.Context) error {
	return vfs.ErrNotSupported
}

// Close closes the sessions of the root.
func (r *Root[S]) Close() error {
	return r.pool.Close()
}

// resolve stats id and wraps it as a file or folder.
func (r *Root[S]) resolve(ctx context.Context, id rid.ID) (vfs.Resource, error) {
	e, err := pool.Call(ctx, r.pool, func(ctx context.Context, s S) (Entry, error) {
		return r.fs.drv.Stat(ctx, s, id.Path)
	})
	if err != nil {
		return nil, vfs.WrapError("stat", id, err)
	}
	return r.wrap(id, e), nil
}

func (r *Root[S]) wrap(id rid.ID, e Entry) vfs.Resource {
	modSet := !e.ModTime.IsZero()
	if e.Dir {
		return &Folder[S]{node: node[S]{root: r, id: id, mod: e.ModTime, modSet: modSet}}
	}
	return &File[S]{node: node[S]{root: r, id: id, mod: e.ModTime, modSet: modSet}, size: e.Size}
}

type node[S any] struct {
	root *Root[S]
	id   rid.ID

	mu     sync.Mutex
	mod    time.Time
	modSet bool
}

func (n *node[S]) Name() string {
	return n.id.Name()
}

func (n *node[S]) ID() rid.ID {
	return n.id
}

func (n *node[S]) FileSystem() vfs.FileSystem {
	return n.root.fs
}

func (n *node[S]) setModTime(t time.Time) {
	n.mu.Lock()
	n.mod, n.modSet = t, !t.IsZero()
	n.mu.Unlock()
}

// LastModified returns the modification time, fetching it on first use.
func (n *node[S]) LastModified(ctx context.Context) (time.Time, error) {
	n.mu.Lock()
	mod, ok := n.mod, n.modSet
	n.mu.Unlock()
	if ok {
		return mod, nil
	}

	e, err := n.stat(ctx)
	if err != nil {
		return time.Time{}, err
	}
	n.setModTime(e.ModTime)
	return e.ModTime, nil
}

// Parent returns the enclosing folder, or nil at the root.
func (n *node[S]) Parent(ctx context.Context) (vfs.Folder, error) {
	if n.id.CleanPath() == n.root.id.CleanPath() {
		return nil, nil
	}
	pid, ok := n.id.Parent()
	if !ok {
		return nil, nil
	}
	if pid.CleanPath() == n.root.id.CleanPath() {
		return n.root, nil
	}
	return &Folder[S]{node: node[S]{root: n.root, id: pid}}, nil
}

func (n *node[S]) stat(ctx context.Context) (Entry, error) {
	e, err := pool.Call(ctx, n.root.pool, func(ctx context.Context, s S) (Entry, error) {
		return n.root.fs.drv.Stat(ctx, s, n.id.CleanPath())
	})
	return e, vfs.WrapError("stat", n.id, err)
}

func (n *node[S]) remove(ctx context.Context, dir bool) error {
	err := n.root.pool.Use(ctx, func(ctx context.Context, s S) error {
		return n.root.fs.drv.Remove(ctx, s, n.id.CleanPath(), dir)
	})
	return vfs.WrapError("delete", n.id, err)
}

// Folder is a remote folder.
type Folder[S any] struct {
	node[S]
}

func (d *Folder[S]) IsFile() bool   { return false }
func (d *Folder[S]) IsFolder() bool { return true }

// Children lists the folder, skipping "." and "..".
func (d *Folder[S]) Children(ctx context.Context) ([]vfs.Resource, error) {
	entries, err := pool.Call(ctx, d.root.pool, func(ctx context.Context, s S) ([]Entry, error) {
		return d.root.fs.drv.List(ctx, s, d.id.CleanPath())
	})
	if err != nil {
		return nil, vfs.WrapError("list", d.id, err)
	}

	children := make([]vfs.Resource, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." || e.Name == "" {
			continue
		}
		children = append(children, d.root.wrap(d.id.Child(e.Name), e))
	}
	return children, nil
}

// Delete removes the children, each through its own resource, and then
// the folder itself.
func (d *Folder[S]) Delete(ctx context.Context) error {
	children, err := d.Children(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.root.pool.Stats().Max)
	for _, c := range children {
		g.Go(func() error { return c.Delete(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return d.remove(ctx, true)
}

// CreateFile creates an empty file in the folder.
func (d *Folder[S]) CreateFile(ctx context.Context, name string) (vfs.File, error) {
	id := d.id.Child(name)
	err := d.root.pool.Use(ctx, func(ctx context.Context, s S) error {
		w, err := d.root.fs.drv.Create(ctx, s, id.Path)
		if err != nil {
			return err
		}
		return w.Close()
	})
	if err != nil {
		return nil, vfs.WrapError("create", id, err)
	}
	return &File[S]{node: node[S]{root: d.root, id: id}}, nil
}

// CreateFolder creates a folder in the folder.
func (d *Folder[S]) CreateFolder(ctx context.Context, name string) (vfs.Folder, error) {
	id := d.id.Child(name)
	err := d.root.pool.Use(ctx, func(ctx context.Context, s S) error {
		return d.root.fs.drv.Mkdir(ctx, s, id.Path)
	})
	if err != nil {
		return nil, vfs.WrapError("mkdir", id, err)
	}
	return &Folder[S]{node: node[S]{root: d.root, id: id}}, nil
}

// File is a remote file.
type File[S any] struct {
	node[S]
	size int64 // -1 after a write
}

func (f *File[S]) IsFile() bool   { return true }
func (f *File[S]) IsFolder() bool { return false }

// Delete removes the file.
func (f *File[S]) Delete(ctx context.Context) error {
	return f.remove(ctx, false)
}

// Length returns the size reported when the file was listed or looked
// up, refreshing it after local writes.
func (f *File[S]) Length(ctx context.Context) (int64, error) {
	f.mu.Lock()
	size := f.size
	f.mu.Unlock()
	if size >= 0 {
		return size, nil
	}

	e, err := f.stat(ctx)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.size, f.mod, f.modSet = e.Size, e.ModTime, !e.ModTime.IsZero()
	f.mu.Unlock()
	return e.Size, nil
}

// Info implements vfs.File.
func (f *File[S]) Info(ctx context.Context) (*vfs.FileInfo, error) {
	size, err := f.Length(ctx)
	if err != nil {
		return nil, err
	}
	mod, err := f.LastModified(ctx)
	if err != nil {
		return nil, err
	}
	return &vfs.FileInfo{Length: size, ModTime: mod}, nil
}

// Open opens a reader at offset. The reader keeps its session borrowed
// until it is closed.
func (f *File[S]) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	rc, h, err := pool.Hold(ctx, f.root.pool, func(ctx context.Context, s S) (io.ReadCloser, error) {
		return f.root.fs.drv.Open(ctx, s, f.id.CleanPath(), offset)
	})
	if err != nil {
		return nil, vfs.WrapError("open", f.id, err)
	}
	return &sessionReader[S]{ReadCloser: rc, s: stream[S]{ctx: ctx, h: h}}, nil
}

// Create truncates the file and returns a writer holding a session until
// it is closed.
func (f *File[S]) Create(ctx context.Context) (io.WriteCloser, error) {
	wc, h, err := pool.Hold(ctx, f.root.pool, func(ctx context.Context, s S) (io.WriteCloser, error) {
		return f.root.fs.drv.Create(ctx, s, f.id.CleanPath())
	})
	if err != nil {
		return nil, vfs.WrapError("create", f.id, err)
	}

	f.mu.Lock()
	f.size, f.modSet = -1, false
	f.mu.Unlock()
	return &sessionWriter[S]{WriteCloser: wc, s: stream[S]{ctx: ctx, h: h}}, nil
}

// stream owns the session held by an open reader or writer.
type stream[S any] struct {
	ctx  context.Context
	h    *pool.Handle[S]
	once sync.Once
	err  error
}

// close closes c and hands the session back: pinged and released after a
// clean close, discarded after a failed one.
func (s *stream[S]) close(c io.Closer) error {
	s.once.Do(func() {
		s.err = c.Close()
		if s.err != nil {
			s.h.Discard()
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), keepAliveTimeout)
		defer cancel()
		s.h.Recycle(ctx)
	})
	return s.err
}

type sessionReader[S any] struct {
	io.ReadCloser
	s stream[S]
}

func (r *sessionReader[S]) Close() error {
	return r.s.close(r.ReadCloser)
}

type sessionWriter[S any] struct {
	io.WriteCloser
	s stream[S]
}

func (w *sessionWriter[S]) Close() error {
	return w.s.close(w.WriteCloser)
}
