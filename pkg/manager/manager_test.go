package manager

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital.vasic.vfs/pkg/gateway"
	"digital.vasic.vfs/pkg/local"
	"digital.vasic.vfs/pkg/memfs"
	"digital.vasic.vfs/pkg/rid"
	"digital.vasic.vfs/pkg/vfs"
)

// countingFS records calls into a memory filesystem.
type countingFS struct {
	*memfs.FileSystem
	supported atomic.Int32
	resolved  atomic.Int32
	closed    atomic.Bool
	gate      chan struct{}
}

func newCounting(opts ...memfs.Option) *countingFS {
	fs := memfs.New(opts...)
	fs.WriteFile("/song.mp3", []byte("0123456789"))
	fs.MkdirAll("/albums/2024")
	return &countingFS{FileSystem: fs}
}

func (c *countingFS) IsSupported(id rid.ID) bool {
	c.supported.Add(1)
	return c.FileSystem.IsSupported(id)
}

func (c *countingFS) Resource(ctx context.Context, id rid.ID) (vfs.Resource, error) {
	c.resolved.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.FileSystem.Resource(ctx, id)
}

func (c *countingFS) Close() error {
	c.closed.Store(true)
	return nil
}

func newManager(t *testing.T, fss []vfs.FileSystem, opts ...Option) *Manager {
	t.Helper()
	m, err := New(fss, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestMountUnmount(t *testing.T) {
	a := newCounting(memfs.WithHost("a"))
	b := newCounting(memfs.WithHost("b"))
	web := newCounting(memfs.WithScheme(""), memfs.WithHost("web"))
	m := newManager(t, []vfs.FileSystem{a})

	m.Mount(b, web, a)
	assert.Equal(t, []vfs.FileSystem{a, b, web}, m.FileSystems())
	assert.Equal(t, []vfs.FileSystem{a, b}, m.FileSystemsFor("MEM"))
	assert.True(t, m.IsSupportedScheme("mem"))
	assert.False(t, m.IsSupportedScheme("sftp"))
	assert.Empty(t, m.FileSystemsFor("sftp"))

	before := m.mounts.Load()
	m.Unmount(newCounting())
	assert.Same(t, before, m.mounts.Load())

	m.Unmount(a)
	assert.Equal(t, []vfs.FileSystem{b, web}, m.FileSystems())
	assert.Equal(t, []vfs.FileSystem{b}, m.FileSystemsFor("mem"))

	m.Unmount(b)
	assert.False(t, m.IsSupportedScheme("mem"))
	assert.Equal(t, []vfs.FileSystem{web}, m.FileSystems())
}

func TestResolve_DispatchesBySupport(t *testing.T) {
	a := newCounting(memfs.WithHost("a"))
	b := newCounting(memfs.WithHost("b"))
	m := newManager(t, []vfs.FileSystem{a, b})
	ctx := context.Background()

	res, err := m.Resolve(ctx, b.ID("/song.mp3"))
	require.NoError(t, err)
	assert.Equal(t, b.ID("/song.mp3"), res.ID())
	assert.Equal(t, int32(1), a.supported.Load())
	assert.Zero(t, a.resolved.Load())
	assert.Equal(t, int32(1), b.resolved.Load())

	_, err = m.Resolve(ctx, rid.MustParse("mem://c/song.mp3"))
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestResolve_UnmountedSchemeNotFound(t *testing.T) {
	a := newCounting()
	web := newCounting(memfs.WithScheme(""), memfs.WithHost("web"))
	m := newManager(t, []vfs.FileSystem{a, web})
	ctx := context.Background()

	_, err := m.Resolve(ctx, rid.MustParse("sftp://host/song.mp3"))
	assert.ErrorIs(t, err, vfs.ErrNotFound)
	assert.Zero(t, a.supported.Load())

	res, err := m.Resolve(ctx, rid.MustParse("sftp://web/song.mp3"))
	require.NoError(t, err)
	assert.True(t, res.IsFile())

	// A claimed scheme never falls through to scheme-agnostic backends.
	_, err = m.Resolve(ctx, rid.MustParse("mem://web/song.mp3"))
	assert.ErrorIs(t, err, vfs.ErrNotFound)
	assert.Equal(t, int32(1), web.resolved.Load())

	m.Unmount(a)
	_, err = m.Resolve(ctx, a.ID("/song.mp3"))
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestResolve_Cache(t *testing.T) {
	a := newCounting()
	m := newManager(t, []vfs.FileSystem{a})
	ctx := context.Background()
	id := a.ID("/song.mp3")

	first, err := m.Resolve(ctx, id)
	require.NoError(t, err)
	second, err := m.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), a.resolved.Load())
	assert.Equal(t, 1, m.CacheLen())

	uncached, err := m.ResolveUncached(ctx, id)
	require.NoError(t, err)
	assert.NotSame(t, first, uncached)

	m.ClearCache()
	assert.Zero(t, m.CacheLen())
	third, err := m.Resolve(ctx, id)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestResolve_CacheDisabledAndBounded(t *testing.T) {
	a := newCounting()
	ctx := context.Background()

	m := newManager(t, []vfs.FileSystem{a}, WithCacheSize(0))
	first, err := m.Resolve(ctx, a.ID("/song.mp3"))
	require.NoError(t, err)
	second, err := m.Resolve(ctx, a.ID("/song.mp3"))
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Zero(t, m.CacheLen())

	m = newManager(t, []vfs.FileSystem{a}, WithCacheSize(1))
	_, err = m.Resolve(ctx, a.ID("/song.mp3"))
	require.NoError(t, err)
	_, err = m.Resolve(ctx, a.ID("/albums"))
	require.NoError(t, err)
	assert.Equal(t, 1, m.CacheLen())
}

func TestResolve_ConcurrentConverges(t *testing.T) {
	a := newCounting()
	a.gate = make(chan struct{})
	m := newManager(t, []vfs.FileSystem{a})
	id := a.ID("/song.mp3")

	const workers = 8
	results := make([]vfs.Resource, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Resolve(context.Background(), id)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	close(a.gate)
	wg.Wait()

	for _, res := range results[1:] {
		assert.Same(t, results[0], res)
	}
	assert.Equal(t, 1, m.CacheLen())
}

func TestResolveFileAndFolder(t *testing.T) {
	a := newCounting()
	m := newManager(t, []vfs.FileSystem{a})
	ctx := context.Background()

	file, err := m.ResolveFile(ctx, a.ID("/song.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "song.mp3", file.Name())

	_, err = m.ResolveFile(ctx, a.ID("/albums"))
	assert.ErrorIs(t, err, vfs.ErrNotFile)

	folder, err := m.ResolveFolder(ctx, a.ID("/albums"))
	require.NoError(t, err)
	children, err := folder.Children(ctx)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "2024", children[0].Name())

	_, err = m.ResolveFolder(ctx, a.ID("/song.mp3"))
	assert.ErrorIs(t, err, vfs.ErrNotDirectory)

	_, err = m.ResolveFile(ctx, a.ID("/missing"))
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("hi"), 0644))

	a := newCounting()
	m := newManager(t, []vfs.FileSystem{a, local.New(&local.Config{Roots: []string{dir}}, nil)})
	ctx := context.Background()

	res, err := m.ResolvePath(ctx, "mem:///albums", nil)
	require.NoError(t, err)
	assert.True(t, res.IsFolder())

	child, err := m.ResolvePath(ctx, "2024", res)
	require.NoError(t, err)
	assert.Equal(t, a.ID("/albums/2024"), child.ID())

	abs, err := m.ResolvePath(ctx, "mem:///song.mp3", res)
	require.NoError(t, err)
	assert.Equal(t, "song.mp3", abs.Name())

	note, err := m.ResolvePath(ctx, filepath.Join(dir, "note.txt"), nil)
	require.NoError(t, err)
	assert.True(t, note.IsFile())

	_, err = m.ResolvePath(ctx, "relative/path", nil)
	assert.ErrorIs(t, err, rid.ErrInvalid)
}

func TestHTTPURL(t *testing.T) {
	a := newCounting()
	m := newManager(t, []vfs.FileSystem{a})
	ctx := context.Background()

	res, err := m.Resolve(ctx, a.ID("/song.mp3"))
	require.NoError(t, err)

	url := m.HTTPURL(ctx, res)
	port := m.Gateway().Port()
	require.NotZero(t, port)
	assert.True(t, strings.HasPrefix(url, "http://localhost:"))
	assert.Contains(t, url, gateway.Path+"?"+gateway.QueryParam+"="+rid.Encode(res.ID()))
	assert.Equal(t, url, m.HTTPURL(ctx, res))

	req, err := http.NewRequest(http.MethodGet, strings.Replace(url, "localhost", "127.0.0.1", 1), nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=4-")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "456789", string(body))
}

func TestHTTPURL_FallbackPort(t *testing.T) {
	a := newCounting()
	m := newManager(t, []vfs.FileSystem{a}, WithGatewayAddr("256.0.0.1:bad"))
	ctx := context.Background()

	res, err := m.Resolve(ctx, a.ID("/song.mp3"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m.HTTPURL(ctx, res), "http://localhost:8080/vfs?resource="))
	assert.Zero(t, m.Gateway().Port())
}

func TestClose(t *testing.T) {
	a := newCounting()
	m, err := New([]vfs.FileSystem{a})
	require.NoError(t, err)

	_, err = m.Resolve(context.Background(), a.ID("/song.mp3"))
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))
	assert.True(t, a.closed.Load())
	assert.Zero(t, m.CacheLen())
}
