// Package ftp implements the ftp:// backend.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	goftp "github.com/jlaffaye/ftp"

	"digital.vasic.vfs/pkg/netfs"
	"digital.vasic.vfs/pkg/prefs"
)

const (
	// Scheme is the resource id scheme served by this backend.
	Scheme = "ftp"
	// DefaultPort is the FTP control port used when an id carries none.
	DefaultPort = 21
	// DefaultMaxSessions bounds concurrent control connections per root.
	DefaultMaxSessions = 2
	// DialTimeout bounds connection setup.
	DialTimeout = 30 * time.Second
)

// Session is one logged-in control connection.
type Session struct {
	conn *goftp.ServerConn
	dead atomic.Bool
}

// FileSystem is the FTP backend.
type FileSystem = netfs.FileSystem[*Session]

// Driver speaks FTP for netfs.
type Driver struct{}

// New creates the FTP backend with the roots persisted in store.
func New(store prefs.Store, opts ...netfs.Option) *FileSystem {
	return netfs.New[*Session](Driver{}, store, opts...)
}

func (Driver) Scheme() string {
	return Scheme
}

func (Driver) DefaultPort() int {
	return DefaultPort
}

func (Driver) DefaultMaxSessions() int {
	return DefaultMaxSessions
}

// Dial connects and logs in. Targets without a user log in anonymously.
func (Driver) Dial(ctx context.Context, t netfs.Target) (*Session, error) {
	port := t.Port
	if port <= 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	conn, err := goftp.Dial(addr, goftp.DialWithContext(ctx), goftp.DialWithTimeout(DialTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to FTP server: %w", err)
	}

	user, password := t.User, t.Password
	if user == "" {
		user, password = "anonymous", "anonymous"
	}
	if err := conn.Login(user, password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("failed to login to FTP server: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Close quits the control connection.
func (Driver) Close(s *Session) error {
	s.dead.Store(true)
	if err := s.conn.Quit(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Alive reports whether the last keep-alive succeeded.
func (Driver) Alive(s *Session) bool {
	return !s.dead.Load()
}

// KeepAlive sends NOOP.
func (Driver) KeepAlive(ctx context.Context, s *Session) error {
	if err := s.conn.NoOp(); err != nil {
		s.dead.Store(true)
		return err
	}
	return nil
}

// Home returns the login directory.
func (Driver) Home(ctx context.Context, s *Session) (string, error) {
	return s.conn.CurrentDir()
}

// Stat uses MLST when the server offers it and otherwise finds p in the
// listing of its parent.
func (Driver) Stat(ctx context.Context, s *Session, p string) (netfs.Entry, error) {
	if p == "/" {
		return netfs.Entry{Name: "/", Dir: true}, nil
	}
	if e, err := s.conn.GetEntry(p); err == nil {
		return entry(e), nil
	}

	entries, err := s.conn.List(path.Dir(p))
	if err != nil {
		return netfs.Entry{}, normalize(err)
	}
	name := path.Base(p)
	for _, e := range entries {
		if e.Name == name {
			return entry(e), nil
		}
	}
	return netfs.Entry{}, fs.ErrNotExist
}

func (Driver) List(ctx context.Context, s *Session, p string) ([]netfs.Entry, error) {
	list, err := s.conn.List(p)
	if err != nil {
		return nil, normalize(err)
	}
	entries := make([]netfs.Entry, 0, len(list))
	for _, e := range list {
		if e.Type == goftp.EntryTypeLink {
			continue
		}
		entries = append(entries, entry(e))
	}
	return entries, nil
}

// Open starts a RETR at offset. The control connection is busy until the
// returned reader is closed.
func (Driver) Open(ctx context.Context, s *Session, p string, offset int64) (io.ReadCloser, error) {
	resp, err := s.conn.RetrFrom(p, uint64(offset))
	if err != nil {
		return nil, normalize(err)
	}
	return resp, nil
}

// Create starts a STOR fed by the returned writer.
func (Driver) Create(ctx context.Context, s *Session, p string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &storWriter{pw: pw, done: make(chan error, 1)}
	go func() {
		err := s.conn.Stor(p, pr)
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

func (Driver) Mkdir(ctx context.Context, s *Session, p string) error {
	return normalize(s.conn.MakeDir(p))
}

func (Driver) Remove(ctx context.Context, s *Session, p string, dir bool) error {
	if dir {
		return normalize(s.conn.RemoveDir(p))
	}
	return normalize(s.conn.Delete(p))
}

type storWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *storWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *storWriter) Close() error {
	w.pw.Close()
	return <-w.done
}

func entry(e *goftp.Entry) netfs.Entry {
	size := int64(e.Size)
	if e.Size > uint64(1<<63-1) {
		size = 1<<63 - 1
	}
	return netfs.Entry{
		Name:    path.Base(e.Name),
		Dir:     e.Type == goftp.EntryTypeFolder,
		Size:    size,
		ModTime: e.Time,
	}
}

// normalize maps "file unavailable" replies onto fs.ErrNotExist.
func normalize(err error) error {
	var perr *textproto.Error
	if errors.As(err, &perr) && perr.Code == goftp.StatusFileUnavailable {
		return fmt.Errorf("%w: %w", fs.ErrNotExist, err)
	}
	return err
}
