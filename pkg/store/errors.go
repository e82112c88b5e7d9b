package store

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested document does not exist.
// Callers branch on this instead of treating absence as a failure.
var ErrNotFound = errors.New("document not found")

// StorageError wraps filesystem failures with operation context.
type StorageError struct {
	Op   string // operation being performed (save, load, append, ...)
	Path string // relative path of the document
	Err  error  // underlying error
}

// Error returns the formatted error message.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

func newStorageError(op, path string, err error) *StorageError {
	return &StorageError{Op: op, Path: path, Err: err}
}
