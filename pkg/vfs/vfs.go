// Package vfs defines the unified resource model shared by every backend
// (local disk, SFTP, SMB, FTP, WebDAV, S3, plain HTTP).
package vfs

import (
	"context"
	"io"
	"os"
	"time"

	"digital.vasic.vfs/pkg/rid"
)

// Resource is a file or folder addressed by a rid.ID.
// Exactly one of IsFile and IsFolder returns true.
type Resource interface {
	Name() string
	ID() rid.ID
	IsFile() bool
	IsFolder() bool

	// LastModified is fetched lazily and memoized by implementations.
	LastModified(ctx context.Context) (time.Time, error)

	// Parent looks the parent folder up by id. A root returns nil, nil.
	Parent(ctx context.Context) (Folder, error)

	FileSystem() FileSystem
	Delete(ctx context.Context) error
}

// Folder is a resource with children.
type Folder interface {
	Resource
	Children(ctx context.Context) ([]Resource, error)
}

// FolderCreator is implemented by folders on writable backends.
type FolderCreator interface {
	CreateFile(ctx context.Context, name string) (File, error)
	CreateFolder(ctx context.Context, name string) (Folder, error)
}

// File is a resource with content.
type File interface {
	Resource

	// Length returns the content length, or -1 when unknown.
	Length(ctx context.Context) (int64, error)
	Info(ctx context.Context) (*FileInfo, error)

	// Open returns a reader positioned at offset.
	Open(ctx context.Context, offset int64) (io.ReadCloser, error)
}

// WritableFile is implemented by files on writable backends.
// Create truncates the file, creating it if needed.
type WritableFile interface {
	File
	Create(ctx context.Context) (io.WriteCloser, error)
}

// FileInfo describes file content for transfers.
type FileInfo struct {
	Length  int64 // -1 when unknown
	ModTime time.Time

	// LocalPath is set when the content lives on the local disk and may
	// be sent with a zero-copy transfer.
	LocalPath string

	ContentEncoding string
	Charset         string
}

// LocalFileInfo builds a FileInfo from a local stat result.
func LocalFileInfo(path string, fi os.FileInfo) *FileInfo {
	return &FileInfo{
		Length:    fi.Size(),
		ModTime:   fi.ModTime(),
		LocalPath: path,
	}
}

// FileSystem is a backend mounted into the resource manager.
type FileSystem interface {
	// Schemes lists the schemes the backend claims. An empty list marks a
	// scheme-agnostic backend consulted only as a fallback.
	Schemes() []string

	IsSupported(id rid.ID) bool
	Resource(ctx context.Context, id rid.ID) (Resource, error)
	Roots(ctx context.Context) ([]Folder, error)
}

// Closer is implemented by backends holding connections.
type Closer interface {
	Close() error
}
