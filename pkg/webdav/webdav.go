// Package webdav implements the dav:// and davs:// backends.
package webdav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"digital.vasic.vfs/pkg/netfs"
	"digital.vasic.vfs/pkg/prefs"
)

const (
	// Scheme is the plain-HTTP WebDAV scheme.
	Scheme = "dav"
	// SecureScheme is the HTTPS WebDAV scheme.
	SecureScheme = "davs"
	// DefaultMaxSessions bounds concurrent requests per root.
	DefaultMaxSessions = 4
	// RequestTimeout bounds metadata requests. Transfers are bounded by
	// their context only.
	RequestTimeout = 30 * time.Second
)

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
	<D:prop>
		<D:displayname/>
		<D:getcontentlength/>
		<D:getlastmodified/>
		<D:resourcetype/>
	</D:prop>
</D:propfind>`

// Session is an HTTP client bound to one server and account.
type Session struct {
	client   *http.Client
	owned    *http.Transport // per-session transport, closed with the session
	base     url.URL
	username string
	password string
}

// FileSystem is a WebDAV backend.
type FileSystem = netfs.FileSystem[*Session]

// Driver speaks WebDAV for netfs.
type Driver struct {
	// Secure selects davs:// over HTTPS.
	Secure bool
	// Transport overrides the HTTP transport. It is shared by every session
	// and left open when sessions close. When nil each session gets its own
	// clone of http.DefaultTransport.
	Transport http.RoundTripper
}

// New creates the dav:// backend, or davs:// when secure is set.
func New(store prefs.Store, secure bool, opts ...netfs.Option) *FileSystem {
	return NewWithDriver(&Driver{Secure: secure}, store, opts...)
}

// NewWithDriver creates a WebDAV backend with a configured driver.
func NewWithDriver(d *Driver, store prefs.Store, opts ...netfs.Option) *FileSystem {
	return netfs.New[*Session](d, store, opts...)
}

func (d *Driver) Scheme() string {
	if d.Secure {
		return SecureScheme
	}
	return Scheme
}

func (d *Driver) DefaultPort() int {
	if d.Secure {
		return 443
	}
	return 80
}

func (d *Driver) DefaultMaxSessions() int {
	return DefaultMaxSessions
}

// Dial prepares a client. No request is sent until the first operation.
func (d *Driver) Dial(ctx context.Context, t netfs.Target) (*Session, error) {
	if t.Host == "" {
		return nil, fmt.Errorf("WebDAV root without host")
	}
	scheme := "http"
	if d.Secure {
		scheme = "https"
	}
	host := t.Host
	if t.Port > 0 && t.Port != d.DefaultPort() {
		host = net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	s := &Session{
		base:     url.URL{Scheme: scheme, Host: host},
		username: t.User,
		password: t.Password,
	}
	transport := d.Transport
	if transport == nil {
		s.owned = http.DefaultTransport.(*http.Transport).Clone()
		transport = s.owned
	}
	s.client = &http.Client{Transport: transport}
	return s, nil
}

// Close drops the idle connections of a session-owned transport.
func (d *Driver) Close(s *Session) error {
	if s.owned != nil {
		s.owned.CloseIdleConnections()
	}
	return nil
}

func (d *Driver) Alive(s *Session) bool {
	return true
}

// KeepAlive is a no-op: HTTP requests carry their own connection state.
func (d *Driver) KeepAlive(ctx context.Context, s *Session) error {
	return nil
}

func (s *Session) request(ctx context.Context, method, p string, body io.Reader) (*http.Request, error) {
	u := s.base
	u.Path = p
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	return req, nil
}

func (s *Session) do(req *http.Request, ok ...int) (*http.Response, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	for _, code := range ok {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s %s", fs.ErrNotExist, req.Method, req.URL.Path)
	}
	return nil, fmt.Errorf("WebDAV server returned status %d for %s %s", resp.StatusCode, req.Method, req.URL.Path)
}

func (s *Session) propfind(ctx context.Context, p, depth string) ([]netfs.Entry, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := s.request(ctx, "PROPFIND", p, strings.NewReader(propfindBody))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Depth", depth)
	req.Header.Set("Content-Type", "application/xml")

	resp, err := s.do(req, http.StatusMultiStatus)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, nil, fmt.Errorf("failed to read WebDAV response: %w", err)
	}

	entries := make([]netfs.Entry, 0, len(ms.Responses))
	paths := make([]string, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		href, err := url.Parse(r.Href)
		if err != nil {
			continue
		}
		e, ok := r.entry(href.Path)
		if !ok {
			continue
		}
		entries = append(entries, e)
		paths = append(paths, cleanDAVPath(href.Path))
	}
	return entries, paths, nil
}

func (d *Driver) Stat(ctx context.Context, s *Session, p string) (netfs.Entry, error) {
	entries, _, err := s.propfind(ctx, p, "0")
	if err != nil {
		return netfs.Entry{}, err
	}
	if len(entries) == 0 {
		return netfs.Entry{}, fmt.Errorf("%w: %s", fs.ErrNotExist, p)
	}
	return entries[0], nil
}

// List returns the members of p, leaving out p itself.
func (d *Driver) List(ctx context.Context, s *Session, p string) ([]netfs.Entry, error) {
	entries, paths, err := s.propfind(ctx, p, "1")
	if err != nil {
		return nil, err
	}
	self := cleanDAVPath(p)
	out := entries[:0]
	for i, e := range entries {
		if paths[i] != self {
			out = append(out, e)
		}
	}
	return out, nil
}

// Open issues a GET, ranged when offset is positive. Servers ignoring
// Range have the skipped prefix discarded.
func (d *Driver) Open(ctx context.Context, s *Session, p string, offset int64) (io.ReadCloser, error) {
	req, err := s.request(ctx, http.MethodGet, p, nil)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := s.do(req, http.StatusOK, http.StatusPartialContent, http.StatusRequestedRangeNotSatisfiable)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return io.NopCloser(strings.NewReader("")), nil
	case http.StatusOK:
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil && err != io.EOF {
				resp.Body.Close()
				return nil, err
			}
		}
	}
	return resp.Body, nil
}

// Create streams a PUT fed by the returned writer.
func (d *Driver) Create(ctx context.Context, s *Session, p string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	req, err := s.request(ctx, http.MethodPut, p, pr)
	if err != nil {
		return nil, err
	}

	w := &putWriter{pw: pw, done: make(chan error, 1)}
	go func() {
		resp, err := s.do(req, http.StatusOK, http.StatusCreated, http.StatusNoContent)
		if err == nil {
			resp.Body.Close()
		}
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

func (d *Driver) Mkdir(ctx context.Context, s *Session, p string) error {
	req, err := s.request(ctx, "MKCOL", p, nil)
	if err != nil {
		return err
	}
	resp, err := s.do(req, http.StatusCreated, http.StatusOK)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (d *Driver) Remove(ctx context.Context, s *Session, p string, dir bool) error {
	if dir && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	req, err := s.request(ctx, http.MethodDelete, p, nil)
	if err != nil {
		return err
	}
	resp, err := s.do(req, http.StatusOK, http.StatusNoContent, http.StatusAccepted)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

type putWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *putWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *putWriter) Close() error {
	w.pw.Close()
	return <-w.done
}

type multistatus struct {
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href     string     `xml:"DAV: href"`
	Propstat []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	DisplayName   string `xml:"DAV: displayname"`
	ContentLength string `xml:"DAV: getcontentlength"`
	LastModified  string `xml:"DAV: getlastmodified"`
	ResourceType  struct {
		Collection *struct{} `xml:"DAV: collection"`
	} `xml:"DAV: resourcetype"`
}

// entry merges the successful propstats of r.
func (r *response) entry(hrefPath string) (netfs.Entry, bool) {
	e := netfs.Entry{Name: path.Base(cleanDAVPath(hrefPath))}
	found := false
	for _, ps := range r.Propstat {
		if ps.Status != "" && !strings.Contains(ps.Status, " 200 ") {
			continue
		}
		found = true
		if ps.Prop.ResourceType.Collection != nil {
			e.Dir = true
		}
		if n, err := strconv.ParseInt(ps.Prop.ContentLength, 10, 64); err == nil {
			e.Size = n
		}
		if t, err := http.ParseTime(ps.Prop.LastModified); err == nil {
			e.ModTime = t
		}
	}
	return e, found
}

func cleanDAVPath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}
