package smb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital.vasic.vfs/pkg/netfs"
	"digital.vasic.vfs/pkg/prefs"
	"digital.vasic.vfs/pkg/rid"
)

// Verify Driver implements netfs.Driver.
var _ netfs.Driver[*Session] = Driver{}

func TestDriver_Defaults(t *testing.T) {
	d := Driver{}
	assert.Equal(t, "smb", d.Scheme())
	assert.Equal(t, 445, d.DefaultPort())
	assert.Equal(t, 3, d.DefaultMaxSessions())
}

func TestSplitUser(t *testing.T) {
	tests := []struct {
		in, domain, user string
	}{
		{"admin", "", "admin"},
		{"WORKGROUP;admin", "WORKGROUP", "admin"},
		{";admin", "", "admin"},
		{"", "", ""},
	}
	for _, tt := range tests {
		domain, user := SplitUser(tt.in)
		assert.Equal(t, tt.domain, domain, tt.in)
		assert.Equal(t, tt.user, user, tt.in)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in, share, rel string
	}{
		{"/media", "media", ""},
		{"/media/", "media", ""},
		{"/media/music/a b.mp3", "media", `music\a b.mp3`},
		{"/", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		share, rel := SplitPath(tt.in)
		assert.Equal(t, tt.share, share, tt.in)
		assert.Equal(t, tt.rel, rel, tt.in)
	}
}

func TestDial_NoShare(t *testing.T) {
	_, err := Driver{}.Dial(context.Background(), netfs.Target{Host: "localhost", Path: "/"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no share")
}

func TestDial_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = Driver{}.Dial(context.Background(), netfs.Target{Host: "127.0.0.1", Port: port, Path: "/share"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to SMB server")
}

func TestDial_HandshakeFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	_, err = Driver{}.Dial(context.Background(), netfs.Target{
		Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, Path: "/share",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create SMB session")
}

func TestSession_NotConnected(t *testing.T) {
	d := Driver{}
	s := &Session{}
	ctx := context.Background()

	assert.False(t, d.Alive(s))
	assert.ErrorIs(t, d.KeepAlive(ctx, s), errNotConnected)

	_, err := d.Stat(ctx, s, "/share/x")
	assert.ErrorIs(t, err, errNotConnected)
	_, err = d.List(ctx, s, "/share")
	assert.ErrorIs(t, err, errNotConnected)
	_, err = d.Open(ctx, s, "/share/x", 0)
	assert.ErrorIs(t, err, errNotConnected)
	_, err = d.Create(ctx, s, "/share/x")
	assert.ErrorIs(t, err, errNotConnected)
	assert.ErrorIs(t, d.Mkdir(ctx, s, "/share/x"), errNotConnected)
	assert.ErrorIs(t, d.Remove(ctx, s, "/share/x", false), errNotConnected)

	assert.NoError(t, d.Close(s))
}

func TestNormalize(t *testing.T) {
	assert.Nil(t, normalize(nil))
	assert.ErrorIs(t, normalize(errors.New("response error: STATUS_OBJECT_NAME_NOT_FOUND")), fs.ErrNotExist)
	assert.ErrorIs(t, normalize(&fs.PathError{Op: "stat", Path: "x", Err: fs.ErrNotExist}), fs.ErrNotExist)

	other := errors.New("access denied")
	assert.Equal(t, other, normalize(other))
}

func TestIsNotExistError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{fmt.Errorf("file does not exist"), true},
		{fmt.Errorf("no such file or directory"), true},
		{fmt.Errorf("permission denied"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isNotExistError(tt.err))
	}
}

func TestFileSystem_PersistedRoots(t *testing.T) {
	store := prefs.NewMemory()
	require.NoError(t, store.Edit().
		SetStringArray("SMB_ROOTS", []string{"smb://WORKGROUP;admin@nas.local/media/music"}).
		SetString("smb://WORKGROUP;admin@nas.local/media/music#P", netfs.EncodeSecret("secret")).
		Apply())

	f := New(store)
	defer f.Close()

	roots := f.MountRoots()
	require.Len(t, roots, 1)
	assert.Equal(t, "secret", roots[0].Target().Password)
	assert.Equal(t, "music", roots[0].Name())

	assert.True(t, f.IsSupported(rid.MustParse("smb://WORKGROUP;admin@nas.local:445/media/music/a.mp3")))
	assert.False(t, f.IsSupported(rid.MustParse("smb://WORKGROUP;admin@nas.local/media/musical")))
	assert.False(t, f.IsSupported(rid.MustParse("smb://admin@nas.local/media/music")))
}
