// Package backend stores cached torrent files.
package backend

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for keys that are not plain file names.
	ErrInvalidKey = errors.New("invalid key")
)

// Backend is a flat key/value store of torrent files. Keys are plain file
// names such as "<hex>.torrent". Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores the content of r under key. A concurrent reader sees
	// either no entry, the previous entry or the complete new one.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read opens the entry for key, or returns ErrNotFound.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys starting with prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Locator is implemented by backends that can describe where a key lives.
// The result is only used in log records.
type Locator interface {
	Locate(key string) string
}

// SizeAwareBackend reports entry sizes without reading them.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the entry, or ErrNotFound.
	Size(ctx context.Context, key string) (int64, error)
}
