// Package sftp implements the sftp:// backend on top of pkg/sftp.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"digital.vasic.vfs/pkg/netfs"
	"digital.vasic.vfs/pkg/prefs"
)

const (
	// Scheme is the resource id scheme served by this backend.
	Scheme = "sftp"
	// DefaultPort is the SSH port used when an id carries none.
	DefaultPort = 22
	// DefaultMaxSessions bounds concurrent sessions per root.
	DefaultMaxSessions = 3
	// DialTimeout bounds connection setup and the SSH handshake.
	DialTimeout = 15 * time.Second
)

// Session is one SSH connection with an SFTP subsystem on it.
type Session struct {
	conn   *ssh.Client
	client *sftp.Client
	dead   atomic.Bool
}

// Client returns the SFTP client of the session.
func (s *Session) Client() *sftp.Client {
	return s.client
}

// FileSystem is the SFTP backend.
type FileSystem = netfs.FileSystem[*Session]

// Driver speaks SFTP for netfs.
type Driver struct {
	// KnownHosts is an OpenSSH known_hosts file used to verify servers.
	// When empty, host keys are not checked.
	KnownHosts string
	// Timeout overrides DialTimeout.
	Timeout time.Duration
}

// New creates the SFTP backend with the roots persisted in store.
func New(store prefs.Store, opts ...netfs.Option) *FileSystem {
	return NewWithDriver(&Driver{}, store, opts...)
}

// NewWithDriver creates the SFTP backend with a configured driver.
func NewWithDriver(d *Driver, store prefs.Store, opts ...netfs.Option) *FileSystem {
	return netfs.New[*Session](d, store, opts...)
}

func (d *Driver) Scheme() string {
	return Scheme
}

func (d *Driver) DefaultPort() int {
	return DefaultPort
}

func (d *Driver) DefaultMaxSessions() int {
	return DefaultMaxSessions
}

func (d *Driver) clientConfig(t netfs.Target) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:            t.User,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.timeout(),
	}
	if d.KnownHosts != "" {
		cb, err := knownhosts.New(d.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		cfg.HostKeyCallback = cb
	}

	if t.KeyFile != "" {
		pem, err := os.ReadFile(t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if t.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(t.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(t.Password))
	}
	if len(cfg.Auth) == 0 {
		return nil, errors.New("no authentication method provided")
	}
	return cfg, nil
}

func (d *Driver) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DialTimeout
}

// Dial opens an SSH connection and starts the SFTP subsystem.
func (d *Driver) Dial(ctx context.Context, t netfs.Target) (*Session, error) {
	cfg, err := d.clientConfig(t)
	if err != nil {
		return nil, err
	}

	port := t.Port
	if port <= 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: d.timeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSH: %w", err)
	}
	_ = conn.SetDeadline(time.Now().Add(d.timeout()))

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to SSH: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	sshConn := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	s := &Session{conn: sshConn, client: client}
	go func() {
		_ = sshConn.Wait()
		s.dead.Store(true)
	}()
	return s, nil
}

// Close closes the SFTP client and its SSH connection.
func (d *Driver) Close(s *Session) error {
	s.dead.Store(true)
	err := s.client.Close()
	if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, cerr)
	}
	return err
}

// Alive reports whether the SSH transport is still up.
func (d *Driver) Alive(s *Session) bool {
	return !s.dead.Load()
}

// KeepAlive sends an OpenSSH keepalive global request. Servers that do
// not know it still answer, which is all that is checked.
func (d *Driver) KeepAlive(ctx context.Context, s *Session) error {
	if s.dead.Load() {
		return net.ErrClosed
	}
	_, _, err := s.conn.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

// Home returns the login directory.
func (d *Driver) Home(ctx context.Context, s *Session) (string, error) {
	return s.client.Getwd()
}

// Stat looks up p without following a final symlink, then resolves
// symlinks so that linked directories list as folders.
func (d *Driver) Stat(ctx context.Context, s *Session, p string) (netfs.Entry, error) {
	fi, err := s.client.Lstat(p)
	if err != nil {
		return netfs.Entry{}, err
	}
	if fi.Mode()&fs.ModeSymlink != 0 {
		if target, err := s.client.Stat(p); err == nil {
			fi = target
		}
	}
	return entry(fi), nil
}

func (d *Driver) List(ctx context.Context, s *Session, p string) ([]netfs.Entry, error) {
	infos, err := s.client.ReadDirContext(ctx, p)
	if err != nil {
		return nil, err
	}
	entries := make([]netfs.Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, entry(fi))
	}
	return entries, nil
}

func (d *Driver) Open(ctx context.Context, s *Session, p string, offset int64) (io.ReadCloser, error) {
	f, err := s.client.Open(p)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (d *Driver) Create(ctx context.Context, s *Session, p string) (io.WriteCloser, error) {
	return s.client.Create(p)
}

func (d *Driver) Mkdir(ctx context.Context, s *Session, p string) error {
	return s.client.Mkdir(p)
}

func (d *Driver) Remove(ctx context.Context, s *Session, p string, dir bool) error {
	if dir {
		return s.client.RemoveDirectory(p)
	}
	return s.client.Remove(p)
}

func entry(fi fs.FileInfo) netfs.Entry {
	return netfs.Entry{
		Name:    fi.Name(),
		Dir:     fi.IsDir(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}
}
