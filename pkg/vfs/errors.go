package vfs

import (
	"errors"
	"fmt"
	"io/fs"

	"digital.vasic.vfs/pkg/rid"
)

var (
	// ErrNotFound means no backend or no resource answers to an id.
	ErrNotFound = errors.New("resource not found")
	// ErrNotSupported means the backend does not implement the operation.
	ErrNotSupported = errors.New("operation not supported")
	// ErrNotDirectory means a folder was expected.
	ErrNotDirectory = errors.New("not a directory")
	// ErrNotFile means a file was expected.
	ErrNotFile = errors.New("not a file")
	// ErrClosed means the backend or pool has been closed.
	ErrClosed = errors.New("closed")
)

// PathError records a failed backend operation on a resource.
type PathError struct {
	Op  string
	ID  rid.ID
	Err error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// WrapError wraps err for op on id. Backend "does not exist" errors are
// normalized to ErrNotFound.
func WrapError(op string, id rid.ID, err error) error {
	if err == nil {
		return nil
	}
	var pe *PathError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, fs.ErrNotExist) && !errors.Is(err, ErrNotFound) {
		err = fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return &PathError{Op: op, ID: id, Err: err}
}

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
