package vfs

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
)

// Child returns the child of folder called name.
func Child(ctx context.Context, folder Folder, name string) (Resource, error) {
	children, err := folder.Children(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

// CreateTempFile creates a uniquely named file prefix<uuid>suffix in folder.
func CreateTempFile(ctx context.Context, folder Folder, prefix, suffix string) (File, error) {
	fc, ok := folder.(FolderCreator)
	if !ok {
		return nil, ErrNotSupported
	}

	for {
		name := prefix + uuid.NewString() + suffix
		_, err := Child(ctx, folder, name)
		switch {
		case err == nil:
			continue
		case IsNotFound(err):
			return fc.CreateFile(ctx, name)
		default:
			return nil, err
		}
	}
}

// CopyTo copies the content of src into dst. When both live on the same
// filesystem the source is spooled to a local temp file and closed before
// dst is opened, so the copy never holds two sessions of one pool.
func CopyTo(ctx context.Context, src File, dst File) (int64, error) {
	w, ok := dst.(WritableFile)
	if !ok {
		return 0, ErrNotSupported
	}

	in, err := src.Open(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", src.ID(), err)
	}
	defer in.Close()

	var r io.Reader = in
	if src.FileSystem() == dst.FileSystem() {
		tmp, err := spool(in)
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", src.ID(), err)
		}
		defer os.Remove(tmp.Name())
		defer tmp.Close()
		if err := in.Close(); err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", src.ID(), err)
		}
		r = tmp
	}

	out, err := w.Create(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dst.ID(), err)
	}

	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to copy %s to %s: %w", src.ID(), dst.ID(), err)
	}
	return n, nil
}

// spool copies r into a temp file positioned at its start.
func spool(r io.Reader) (*os.File, error) {
	tmp, err := os.CreateTemp("", "vfs-copy-*")
	if err != nil {
		return nil, err
	}
	if _, err = io.Copy(tmp, r); err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return tmp, nil
}

// MoveTo copies src into dst and deletes src.
func MoveTo(ctx context.Context, src File, dst File) error {
	if _, err := CopyTo(ctx, src, dst); err != nil {
		return err
	}
	return src.Delete(ctx)
}
