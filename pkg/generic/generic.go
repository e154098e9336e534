// Package generic serves plain http:// and https:// resources. It claims
// no scheme and is consulted only when no scheme-specific backend is
// mounted.
package generic

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"digital.vasic.vfs/pkg/rid"
	"digital.vasic.vfs/pkg/vfs"
)

// HeadTimeout bounds the metadata request made on resolution.
const HeadTimeout = 15 * time.Second

// FileSystem resolves http(s) ids to read-only files.
type FileSystem struct {
	client *http.Client
	log    *zap.Logger
}

// New creates the backend. A nil client uses http.DefaultClient.
func New(client *http.Client, log *zap.Logger) *FileSystem {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FileSystem{client: client, log: log.Named("generic")}
}

// Schemes returns nil: the backend is scheme-agnostic.
func (f *FileSystem) Schemes() []string {
	return nil
}

// IsSupported accepts http and https ids with a host.
func (f *FileSystem) IsSupported(id rid.ID) bool {
	return (id.Scheme == "http" || id.Scheme == "https") && id.Host != ""
}

// Resource sends a HEAD request and returns the file it describes. A
// server rejecting HEAD yields a file of unknown length.
func (f *FileSystem) Resource(ctx context.Context, id rid.ID) (vfs.Resource, error) {
	if !f.IsSupported(id) {
		return nil, vfs.ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, HeadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, id.String(), nil)
	if err != nil {
		return nil, vfs.WrapError("head", id, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, vfs.WrapError("head", id, err)
	}
	resp.Body.Close()

	file := &File{fs: f, id: id, length: -1}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, vfs.WrapError("head", id, vfs.ErrNotFound)
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		f.log.Debug("HEAD not supported", zap.String("url", id.String()))
	case resp.StatusCode >= 400:
		return nil, vfs.WrapError("head", id, fmt.Errorf("server returned status %d", resp.StatusCode))
	default:
		file.fill(resp.Header)
	}
	return file, nil
}

// Roots returns nil: remote URLs have no enumerable roots.
func (f *FileSystem) Roots(ctx context.Context) ([]vfs.Folder, error) {
	return nil, nil
}

// File is a remote URL.
type File struct {
	fs       *FileSystem
	id       rid.ID
	length   int64
	mod      time.Time
	encoding string
	charset  string
}

func (r *File) fill(h http.Header) {
	if n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64); err == nil {
		r.length = n
	}
	if t, err := http.ParseTime(h.Get("Last-Modified")); err == nil {
		r.mod = t
	}
	r.encoding = h.Get("Content-Encoding")
	if _, params, err := mime.ParseMediaType(h.Get("Content-Type")); err == nil {
		r.charset = params["charset"]
	}
}

func (r *File) Name() string {
	return r.id.Name()
}

func (r *File) ID() rid.ID {
	return r.id
}

func (r *File) IsFile() bool {
	return true
}

func (r *File) IsFolder() bool {
	return false
}

func (r *File) FileSystem() vfs.FileSystem {
	return r.fs
}

// LastModified returns the Last-Modified time, zero when not reported.
func (r *File) LastModified(ctx context.Context) (time.Time, error) {
	return r.mod, nil
}

// Parent returns nil: URLs are not browsable.
func (r *File) Parent(ctx context.Context) (vfs.Folder, error) {
	return nil, nil
}

func (r *File) Delete(ctx context.Context) error {
	return vfs.ErrNotSupported
}

// Length returns the Content-Length, or -1 when unknown.
func (r *File) Length(ctx context.Context) (int64, error) {
	return r.length, nil
}

func (r *File) Info(ctx context.Context) (*vfs.FileInfo, error) {
	return &vfs.FileInfo{
		Length:          r.length,
		ModTime:         r.mod,
		ContentEncoding: r.encoding,
		Charset:         r.charset,
	}, nil
}

// Open GETs the URL from offset.
func (r *File) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.id.String(), nil)
	if err != nil {
		return nil, vfs.WrapError("open", r.id, err)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	// Content must reach the gateway as the server encoded it.
	req.Header.Set("Accept-Encoding", "identity")
	if r.encoding != "" {
		req.Header.Set("Accept-Encoding", r.encoding)
	}

	resp, err := r.fs.client.Do(req)
	if err != nil {
		return nil, vfs.WrapError("open", r.id, err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusOK:
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil && err != io.EOF {
				resp.Body.Close()
				return nil, vfs.WrapError("open", r.id, err)
			}
		}
		return resp.Body, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return io.NopCloser(strings.NewReader("")), nil
	case http.StatusNotFound, http.StatusGone:
		resp.Body.Close()
		return nil, vfs.WrapError("open", r.id, vfs.ErrNotFound)
	default:
		resp.Body.Close()
		return nil, vfs.WrapError("open", r.id, fmt.Errorf("server returned status %d", resp.StatusCode))
	}
}
