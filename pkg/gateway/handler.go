// Package gateway serves virtual files over HTTP with byte-range support:
// GET and HEAD on /vfs?resource=<encoded id>.
package gateway

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"

	"go.uber.org/zap"

	"digital.vasic.vfs/pkg/logging"
	"digital.vasic.vfs/pkg/metrics"
	"digital.vasic.vfs/pkg/rid"
	"digital.vasic.vfs/pkg/vfs"
)

const (
	// Path is the URL path the gateway serves.
	Path = "/vfs"
	// QueryParam carries the encoded resource id.
	QueryParam = "resource"

	chunkSize = 64 << 10
)

// Resolver looks resources up by id.
type Resolver interface {
	Resolve(ctx context.Context, id rid.ID) (vfs.Resource, error)
}

// Handler streams resolved files.
type Handler struct {
	resolver Resolver
	log      *zap.Logger
}

// NewHandler creates a handler resolving ids through resolver.
func NewHandler(resolver Resolver, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{resolver: resolver, log: log}
}

// transfer describes the response for one request.
type transfer struct {
	file   vfs.File
	info   *vfs.FileInfo
	start  int64
	length int64 // -1 streams until EOF
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.serve(w, r)
	metrics.RecordGatewayRequest(r.Method, status)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) int {
	log := logging.WithContext(r.Context())
	if logging.GetRequestID(r.Context()) == "" {
		log = h.log
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		return fail(w, http.StatusMethodNotAllowed)
	}

	raw := r.URL.Query().Get(QueryParam)
	if raw == "" {
		return fail(w, http.StatusNotFound)
	}
	id, err := rid.Parse(raw)
	if err != nil {
		log.Debug("bad resource id", zap.String("resource", raw), zap.Error(err))
		return fail(w, http.StatusNotFound)
	}

	res, err := h.resolver.Resolve(r.Context(), id)
	if err != nil {
		if !vfs.IsNotFound(err) {
			log.Warn("failed to resolve resource", zap.Stringer("id", id), zap.Error(err))
		}
		return fail(w, http.StatusNotFound)
	}
	file, ok := res.(vfs.File)
	if !ok || !res.IsFile() {
		return fail(w, http.StatusForbidden)
	}

	info, err := file.Info(r.Context())
	if err != nil || info == nil {
		log.Warn("failed to get file info", zap.Stringer("id", id), zap.Error(err))
		return fail(w, http.StatusServiceUnavailable)
	}

	t := &transfer{file: file, info: info, length: info.Length}
	status := http.StatusOK
	hdr := w.Header()

	if header := r.Header.Get("Range"); header != "" && info.Length >= 0 {
		rng, err := ParseRange(header)
		if err != nil {
			log.Debug("ignoring malformed range", zap.String("range", header))
		} else {
			start, end, ok := rng.Align(info.Length)
			if !ok {
				hdr.Set("Content-Range", "bytes */"+strconv.FormatInt(info.Length, 10))
				return fail(w, http.StatusRequestedRangeNotSatisfiable)
			}
			t.start, t.length = start, end-start+1
			status = http.StatusPartialContent
			hdr.Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+
				strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(info.Length, 10))
		}
	}

	setHeaders(hdr, r, file, t)
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return status
	}

	if err := h.send(r.Context(), w, t); err != nil {
		log.Debug("failed to send response, closing connection", zap.Stringer("id", id), zap.Error(err))
		panic(http.ErrAbortHandler)
	}
	return status
}

func setHeaders(hdr http.Header, r *http.Request, file vfs.File, t *transfer) {
	if t.info.Length >= 0 {
		hdr.Set("Accept-Ranges", "bytes")
		hdr.Set("Content-Length", strconv.FormatInt(t.length, 10))
	}

	ctype := mime.TypeByExtension(path.Ext(file.Name()))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	hdr.Set("Content-Type", ctype)

	if enc := t.info.ContentEncoding; enc != "" {
		if t.info.Charset != "" {
			enc += "; charset=" + t.info.Charset
		}
		hdr.Set("Content-Encoding", enc)
	}

	switch {
	case r.Close:
		hdr.Set("Connection", "close")
	case r.ProtoMajor == 1 && r.ProtoMinor == 0:
		hdr.Set("Connection", "keep-alive")
	}
}

func (h *Handler) send(ctx context.Context, w http.ResponseWriter, t *transfer) error {
	if t.info.LocalPath != "" && t.length >= 0 {
		return sendLocal(w, t)
	}

	src, err := t.file.Open(ctx, t.start)
	if err != nil {
		return err
	}
	defer src.Close()

	var n int64
	if t.length < 0 {
		n, err = copyChunks(w, src)
	} else {
		n, err = copyChunks(w, io.LimitReader(src, t.length))
		if err == nil && n < t.length {
			err = io.ErrUnexpectedEOF
		}
	}
	metrics.AddBytesServed("stream", n)
	return err
}

// sendLocal copies straight from the file so net/http can use sendfile.
func sendLocal(w http.ResponseWriter, t *transfer) error {
	f, err := os.Open(t.info.LocalPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(t.start, io.SeekStart); err != nil {
		return err
	}
	n, err := io.Copy(w, io.LimitReader(f, t.length))
	metrics.AddBytesServed("local", n)
	if err == nil && n < t.length {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// copyChunks writes and flushes each chunk before reading the next one.
func copyChunks(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return total, ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func fail(w http.ResponseWriter, status int) int {
	http.Error(w, http.StatusText(status), status)
	return status
}
