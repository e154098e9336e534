// Package smb implements the smb:// backend for SMB2/3 shares.
//
// Root paths name the share in their first segment: smb://host/media/music
// mounts the folder music of share media.
package smb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hirochachacha/go-smb2"
	"go.uber.org/multierr"

	"digital.vasic.vfs/pkg/netfs"
	"digital.vasic.vfs/pkg/prefs"
)

const (
	// Scheme is the resource id scheme served by this backend.
	Scheme = "smb"
	// DefaultPort is the SMB port used when an id carries none.
	DefaultPort = 445
	// DefaultMaxSessions bounds concurrent sessions per root.
	DefaultMaxSessions = 3
	// DialTimeout bounds connection setup.
	DialTimeout = 15 * time.Second
)

var errNotConnected = errors.New("not connected")

// Session is an authenticated SMB session with one mounted share.
type Session struct {
	conn    net.Conn
	session *smb2.Session
	share   *smb2.Share
	name    string
	dead    atomic.Bool
}

// Share returns the name of the mounted share.
func (s *Session) Share() string {
	return s.name
}

func (s *Session) mounted(ctx context.Context) (*smb2.Share, error) {
	if s.share == nil || s.dead.Load() {
		return nil, errNotConnected
	}
	return s.share.WithContext(ctx), nil
}

// FileSystem is the SMB backend.
type FileSystem = netfs.FileSystem[*Session]

// Driver speaks SMB for netfs.
type Driver struct{}

// New creates the SMB backend with the roots persisted in store.
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

// SplitUser splits "DOMAIN;user" into its domain and user parts.
func SplitUser(user string) (domain, name string) {
	if i := strings.IndexByte(user, ';'); i >= 0 {
		return user[:i], user[i+1:]
	}
	return "", user
}

// SplitPath splits an absolute root path into the share name and the
// share-relative path using backslashes.
func SplitPath(p string) (share, rel string) {
	p = strings.Trim(p, "/")
	share, rest, _ := strings.Cut(p, "/")
	return share, strings.ReplaceAll(rest, "/", `\`)
}

// Dial connects, authenticates with NTLM and mounts the share named by the
// first segment of the target path.
func (Driver) Dial(ctx context.Context, t netfs.Target) (*Session, error) {
	share, _ := SplitPath(t.Path)
	if share == "" {
		return nil, fmt.Errorf("failed to mount SMB share: no share in path %q", t.Path)
	}

	port := t.Port
	if port <= 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMB server: %w", err)
	}

	domain, user := SplitUser(t.User)
	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     user,
			Password: t.Password,
			Domain:   domain,
		},
	}

	session, err := d.DialContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SMB session: %w", err)
	}

	mounted, err := session.Mount(share)
	if err != nil {
		session.Logoff()
		conn.Close()
		return nil, fmt.Errorf("failed to mount SMB share: %w", err)
	}

	return &Session{conn: conn, session: session, share: mounted, name: share}, nil
}

// Close unmounts the share, logs off and closes the connection.
func (Driver) Close(s *Session) error {
	s.dead.Store(true)
	var err error

	if s.share != nil {
		if uerr := s.share.Umount(); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to unmount share: %w", uerr))
		}
		s.share = nil
	}

	if s.session != nil {
		if lerr := s.session.Logoff(); lerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to logoff session: %w", lerr))
		}
		s.session = nil
	}

	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("failed to close connection: %w", cerr))
		}
		s.conn = nil
	}

	return err
}

// Alive reports whether the session still has its share mounted and has
// not failed a keep-alive.
func (Driver) Alive(s *Session) bool {
	return s.share != nil && s.session != nil && s.conn != nil && !s.dead.Load()
}

// KeepAlive stats the share root.
func (Driver) KeepAlive(ctx context.Context, s *Session) error {
	share, err := s.mounted(ctx)
	if err != nil {
		return err
	}
	if _, err := share.Stat(""); err != nil {
		s.dead.Store(true)
		return err
	}
	return nil
}

func (Driver) Stat(ctx context.Context, s *Session, p string) (netfs.Entry, error) {
	share, rel, err := s.resolve(ctx, p)
	if err != nil {
		return netfs.Entry{}, err
	}
	fi, err := share.Stat(rel)
	if err != nil {
		return netfs.Entry{}, normalize(err)
	}
	e := entry(fi)
	if rel == "" {
		e.Name, e.Dir = s.name, true
	}
	return e, nil
}

func (Driver) List(ctx context.Context, s *Session, p string) ([]netfs.Entry, error) {
	share, rel, err := s.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	infos, err := share.ReadDir(rel)
	if err != nil {
		return nil, normalize(err)
	}
	entries := make([]netfs.Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, entry(fi))
	}
	return entries, nil
}

func (Driver) Open(ctx context.Context, s *Session, p string, offset int64) (io.ReadCloser, error) {
	share, rel, err := s.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	f, err := share.Open(rel)
	if err != nil {
		return nil, normalize(err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (Driver) Create(ctx context.Context, s *Session, p string) (io.WriteCloser, error) {
	share, rel, err := s.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	f, err := share.Create(rel)
	if err != nil {
		return nil, normalize(err)
	}
	return f, nil
}

func (Driver) Mkdir(ctx context.Context, s *Session, p string) error {
	share, rel, err := s.resolve(ctx, p)
	if err != nil {
		return err
	}
	return normalize(share.Mkdir(rel, 0o755))
}

func (Driver) Remove(ctx context.Context, s *Session, p string, dir bool) error {
	share, rel, err := s.resolve(ctx, p)
	if err != nil {
		return err
	}
	if rel == "" {
		return fmt.Errorf("cannot remove share %s", s.name)
	}
	return normalize(share.Remove(rel))
}

// resolve maps an absolute path onto the mounted share.
func (s *Session) resolve(ctx context.Context, p string) (*smb2.Share, string, error) {
	share, err := s.mounted(ctx)
	if err != nil {
		return nil, "", err
	}
	name, rel := SplitPath(p)
	if !strings.EqualFold(name, s.name) {
		return nil, "", fmt.Errorf("path %s is outside share %s", p, s.name)
	}
	return share, rel, nil
}

func entry(fi fs.FileInfo) netfs.Entry {
	return netfs.Entry{
		Name:    fi.Name(),
		Dir:     fi.IsDir(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}
}

// normalize maps the not-found errors of the SMB client onto
// fs.ErrNotExist.
func normalize(err error) error {
	if isNotExistError(err) && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", fs.ErrNotExist, err)
	}
	return err
}

// isNotExistError checks if an error indicates that a file does not exist.
func isNotExistError(err error) bool {
	if err == nil {
		return false
	}
	if os.IsNotExist(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "file does not exist") ||
		strings.Contains(msg, "no such file or directory") ||
		strings.Contains(msg, "STATUS_OBJECT_NAME_NOT_FOUND") ||
		strings.Contains(msg, "STATUS_OBJECT_PATH_NOT_FOUND")
}
