package sftp

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"digital.vasic.vfs/pkg/netfs"
	"digital.vasic.vfs/pkg/prefs"
	"digital.vasic.vfs/pkg/rid"
	"digital.vasic.vfs/pkg/vfs"
)

type testServer struct {
	host string
	port int
	key  ssh.PublicKey
}

// startServer runs an SSH server with an in-memory SFTP subsystem. It
// accepts alice/secret and the returned client key.
func startServer(t *testing.T) (*testServer, ed25519.PrivateKey) {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	clientPub, clientKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	authorized, err := ssh.NewPublicKey(clientPub)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if c.User() == "alice" && string(pw) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	handlers := sftp.InMemHandler()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(conn, cfg, handlers)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return &testServer{host: "127.0.0.1", port: addr.Port, key: hostSigner.PublicKey()}, clientKey
}

func serve(conn net.Conn, cfg *ssh.ServerConfig, handlers sftp.Handlers) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, in, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
			}
		}()
		go func() {
			srv := sftp.NewRequestServer(ch, handlers)
			_ = srv.Serve()
			srv.Close()
		}()
	}
}

func newFS(t *testing.T) (*FileSystem, *testServer, ed25519.PrivateKey) {
	t.Helper()
	srv, key := startServer(t)
	f := New(prefs.NewMemory())
	t.Cleanup(func() { f.Close() })
	return f, srv, key
}

func writeKey(t *testing.T, key ed25519.PrivateKey, passphrase string) string {
	t.Helper()
	var (
		block *pem.Block
		err   error
	)
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(key, "", []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(key, "")
	}
	require.NoError(t, err)

	p := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(p, pem.EncodeToMemory(block), 0o600))
	return p
}

func TestDriver_Defaults(t *testing.T) {
	d := &Driver{}
	assert.Equal(t, "sftp", d.Scheme())
	assert.Equal(t, 22, d.DefaultPort())
	assert.Equal(t, 3, d.DefaultMaxSessions())
	assert.Equal(t, DialTimeout, d.timeout())

	_, err := d.clientConfig(netfs.Target{User: "alice"})
	assert.ErrorContains(t, err, "no authentication method")

	_, err = d.clientConfig(netfs.Target{User: "alice", Credentials: netfs.Credentials{KeyFile: "/does/not/exist"}})
	assert.ErrorContains(t, err, "failed to read private key")
}

func TestAddRoot_Password(t *testing.T) {
	f, srv, _ := newFS(t)
	ctx := context.Background()

	root, err := f.AddRoot(ctx, netfs.Target{
		User: "alice", Host: srv.host, Port: srv.port,
		Credentials: netfs.Credentials{Password: "secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/", root.ID().CleanPath())

	_, err = f.AddRoot(ctx, netfs.Target{
		User: "alice", Host: srv.host, Port: srv.port, Path: "/",
		Credentials: netfs.Credentials{Password: "wrong"},
	})
	assert.Error(t, err)
}

func TestAddRoot_KeyFile(t *testing.T) {
	f, srv, key := newFS(t)
	ctx := context.Background()

	for _, pass := range []string{"", "hunter2"} {
		_, err := f.ConnectRoot(ctx, netfs.Target{
			User: "bob", Host: srv.host, Port: srv.port, Path: "/",
			Credentials: netfs.Credentials{KeyFile: writeKey(t, key, pass), KeyPassphrase: pass},
		})
		require.NoError(t, err, "passphrase %q", pass)
	}

	_, err := f.ConnectRoot(ctx, netfs.Target{
		User: "bob", Host: srv.host, Port: srv.port, Path: "/",
		Credentials: netfs.Credentials{KeyFile: writeKey(t, key, "hunter2"), KeyPassphrase: "nope"},
	})
	assert.ErrorContains(t, err, "failed to parse private key")
}

func TestKnownHosts(t *testing.T) {
	srv, _ := startServer(t)
	kh := filepath.Join(t.TempDir(), "known_hosts")
	line := "[127.0.0.1]:" + strconv.Itoa(srv.port) + " " + string(ssh.MarshalAuthorizedKey(srv.key))
	require.NoError(t, os.WriteFile(kh, []byte(line), 0o600))

	target := netfs.Target{User: "alice", Host: srv.host, Port: srv.port, Path: "/", Credentials: netfs.Credentials{Password: "secret"}}

	f := NewWithDriver(&Driver{KnownHosts: kh}, prefs.NewMemory())
	defer f.Close()
	_, err := f.ConnectRoot(context.Background(), target)
	require.NoError(t, err)

	other := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(other, nil, 0o600))
	g := NewWithDriver(&Driver{KnownHosts: other}, prefs.NewMemory())
	defer g.Close()
	_, err = g.ConnectRoot(context.Background(), target)
	assert.Error(t, err)
}

func TestFileOperations(t *testing.T) {
	f, srv, _ := newFS(t)
	ctx := context.Background()

	root, err := f.AddRoot(ctx, netfs.Target{
		User: "alice", Host: srv.host, Port: srv.port, Path: "/",
		Credentials: netfs.Credentials{Password: "secret"},
	})
	require.NoError(t, err)

	music, err := root.CreateFolder(ctx, "music")
	require.NoError(t, err)
	song, err := music.(vfs.FolderCreator).CreateFile(ctx, "song.mp3")
	require.NoError(t, err)

	w, err := song.(vfs.WritableFile).Create(ctx)
	require.NoError(t, err)
	_, err = io.WriteString(w, "0123456789")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	id := rid.New("sftp", "alice", srv.host, srv.port, "/music/song.mp3")
	res, err := f.Resource(ctx, id)
	require.NoError(t, err)
	file, ok := res.(vfs.File)
	require.True(t, ok)

	n, err := file.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	r, err := file.Open(ctx, 6)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "6789", string(data))

	children, err := music.Children(ctx)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "song.mp3", children[0].Name())

	folder, err := f.Resource(ctx, id.WithPath("/music"))
	require.NoError(t, err)
	assert.True(t, folder.IsFolder())

	require.NoError(t, folder.Delete(ctx))
	_, err = f.Resource(ctx, id)
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := startServer(t)
	d := &Driver{}
	ctx := context.Background()

	s, err := d.Dial(ctx, netfs.Target{User: "alice", Host: srv.host, Port: srv.port, Credentials: netfs.Credentials{Password: "secret"}})
	require.NoError(t, err)
	assert.True(t, d.Alive(s))
	require.NoError(t, d.KeepAlive(ctx, s))

	home, err := d.Home(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "/", home)

	require.NoError(t, d.Close(s))
	assert.False(t, d.Alive(s))
	assert.Error(t, d.KeepAlive(ctx, s))
}
