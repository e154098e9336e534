package ftp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital.vasic.vfs/pkg/netfs"
	"digital.vasic.vfs/pkg/prefs"
	"digital.vasic.vfs/pkg/rid"
	"digital.vasic.vfs/pkg/vfs"
)

// Verify Driver implements netfs.Driver.
var _ netfs.Driver[*Session] = Driver{}

// fakeServer is a minimal passive-mode FTP server over an in-memory tree.
type fakeServer struct {
	ln    net.Listener
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	noops int
}

func startServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{
		ln:    ln,
		files: map[string][]byte{},
		dirs:  map[string]bool{"/": true, "/pub": true},
	}
	s.files["/pub/readme.txt"] = []byte("hello, ftp world")
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *fakeServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	reply := func(format string, args ...any) { tp.PrintfLine(format, args...) }

	var (
		data   net.Listener
		offset int
		user   string
	)
	accept := func() net.Conn {
		if data == nil {
			return nil
		}
		c, err := data.Accept()
		data.Close()
		data = nil
		if err != nil {
			return nil
		}
		return c
	}

	reply("220 ready")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(line, " ")

		switch strings.ToUpper(cmd) {
		case "USER":
			user = arg
			reply("331 password please")
		case "PASS":
			if user == "alice" && arg != "secret" {
				reply("530 login incorrect")
				continue
			}
			reply("230 logged in")
		case "FEAT":
			reply("211 no features")
		case "TYPE":
			reply("200 type set")
		case "NOOP":
			s.mu.Lock()
			s.noops++
			s.mu.Unlock()
			reply("200 ok")
		case "PWD":
			reply(`257 "/pub" is the current directory`)
		case "EPSV":
			data, err = net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				reply("425 no data connection")
				continue
			}
			reply("229 Entering Extended Passive Mode (|||%d|)", data.Addr().(*net.TCPAddr).Port)
		case "REST":
			fmt.Sscan(arg, &offset)
			reply("350 restarting")
		case "LIST":
			dc := accept()
			lines, ok := s.list(arg)
			if !ok {
				if dc != nil {
					dc.Close()
				}
				reply("550 no such directory")
				continue
			}
			reply("150 listing")
			w := bufio.NewWriter(dc)
			for _, l := range lines {
				w.WriteString(l + "\r\n")
			}
			w.Flush()
			dc.Close()
			reply("226 done")
		case "RETR":
			dc := accept()
			s.mu.Lock()
			content, ok := s.files[arg]
			s.mu.Unlock()
			if !ok {
				if dc != nil {
					dc.Close()
				}
				reply("550 no such file")
				continue
			}
			reply("150 sending")
			dc.Write(content[offset:])
			dc.Close()
			offset = 0
			reply("226 done")
		case "STOR":
			dc := accept()
			reply("150 receiving")
			content, _ := io.ReadAll(dc)
			dc.Close()
			s.mu.Lock()
			s.files[arg] = content
			s.mu.Unlock()
			reply("226 stored")
		case "MKD":
			s.mu.Lock()
			s.dirs[arg] = true
			s.mu.Unlock()
			reply(`257 "%s" created`, arg)
		case "DELE":
			s.mu.Lock()
			_, ok := s.files[arg]
			delete(s.files, arg)
			s.mu.Unlock()
			if !ok {
				reply("550 no such file")
				continue
			}
			reply("250 deleted")
		case "RMD":
			s.mu.Lock()
			delete(s.dirs, arg)
			s.mu.Unlock()
			reply("250 removed")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func (s *fakeServer) list(dir string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirs[dir] {
		return nil, false
	}
	var lines []string
	for d := range s.dirs {
		if d != "/" && path.Dir(d) == dir {
			lines = append(lines, "drwxr-xr-x 1 ftp ftp 0 Jan 02 15:04 "+path.Base(d))
		}
	}
	for f, content := range s.files {
		if path.Dir(f) == dir {
			lines = append(lines, fmt.Sprintf("-rw-r--r-- 1 ftp ftp %d Jan 02 15:04 %s", len(content), path.Base(f)))
		}
	}
	sort.Strings(lines)
	return lines, true
}

func TestDriver_Defaults(t *testing.T) {
	d := Driver{}
	assert.Equal(t, "ftp", d.Scheme())
	assert.Equal(t, 21, d.DefaultPort())
	assert.Equal(t, 2, d.DefaultMaxSessions())
}

func TestDial_InvalidServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = Driver{}.Dial(context.Background(), netfs.Target{Host: "127.0.0.1", Port: port})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to FTP server")
}

func TestDial_BadLogin(t *testing.T) {
	srv := startServer(t)
	_, err := Driver{}.Dial(context.Background(), netfs.Target{
		User: "alice", Host: "127.0.0.1", Port: srv.port(),
		Credentials: netfs.Credentials{Password: "wrong"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to login")
}

func TestSession_KeepAliveAndHome(t *testing.T) {
	srv := startServer(t)
	d := Driver{}
	ctx := context.Background()

	s, err := d.Dial(ctx, netfs.Target{Host: "127.0.0.1", Port: srv.port()})
	require.NoError(t, err)
	assert.True(t, d.Alive(s))
	require.NoError(t, d.KeepAlive(ctx, s))

	home, err := d.Home(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "/pub", home)

	require.NoError(t, d.Close(s))
	assert.False(t, d.Alive(s))
	srv.mu.Lock()
	assert.Equal(t, 1, srv.noops)
	srv.mu.Unlock()
}

func TestFileSystem_Operations(t *testing.T) {
	srv := startServer(t)
	store := prefs.NewMemory()
	f := New(store)
	defer f.Close()
	ctx := context.Background()

	root, err := f.AddRoot(ctx, netfs.Target{
		User: "alice", Host: "127.0.0.1", Port: srv.port(),
		Credentials: netfs.Credentials{Password: "secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/pub", root.ID().CleanPath())
	assert.Equal(t, []string{root.ID().String()}, store.StringArray("FTP_ROOTS"))

	children, err := root.Children(ctx)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "readme.txt", children[0].Name())

	readme := children[0].(vfs.File)
	n, err := readme.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(16), n)

	r, err := readme.Open(ctx, 7)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "ftp world", string(data))

	docs, err := root.CreateFolder(ctx, "docs")
	require.NoError(t, err)
	note, err := docs.(vfs.FolderCreator).CreateFile(ctx, "note.txt")
	require.NoError(t, err)
	w, err := note.(vfs.WritableFile).Create(ctx)
	require.NoError(t, err)
	_, err = io.WriteString(w, "remember")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	id := rid.New("ftp", "alice", "127.0.0.1", srv.port(), "/pub/docs/note.txt")
	res, err := f.Resource(ctx, id)
	require.NoError(t, err)
	n, err = res.(vfs.File).Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	folder, err := f.Resource(ctx, id.WithPath("/pub/docs"))
	require.NoError(t, err)
	require.True(t, folder.IsFolder())
	require.NoError(t, folder.Delete(ctx))

	_, err = f.Resource(ctx, id)
	assert.ErrorIs(t, err, vfs.ErrNotFound)
	_, err = f.Resource(ctx, id.WithPath("/pub/missing/x"))
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}
