package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// tmpPrefix marks in-progress writes. List skips them and they never match
// a valid key.
const tmpPrefix = ".tmp-"

// Filesystem keeps one file per key in a single directory. Writes go to a
// temp file that is fsynced and renamed into place.
type Filesystem struct {
	root   string
	logger *slog.Logger
}

// FilesystemOption configures a Filesystem.
type FilesystemOption func(*Filesystem)

// WithLogger sets the logger for the backend.
func WithLogger(logger *slog.Logger) FilesystemOption {
	return func(f *Filesystem) {
		f.logger = logger
	}
}

// NewFilesystem creates the directory at root if needed and removes temp
// files left behind by writes that never completed.
func NewFilesystem(root string, opts ...FilesystemOption) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	f := &Filesystem{root: absRoot, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}

	if err := f.removeStaleTemps(); err != nil {
		return nil, err
	}
	return f, nil
}

// Root returns the absolute directory holding the entries.
func (f *Filesystem) Root() string {
	return f.root
}

// Write stores the content of r under key.
func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.root, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}
	committed = true

	f.logger.Debug("wrote cache entry", "path", path)
	return nil
}

// Read opens the entry for key.
func (f *Filesystem) Read(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", key, err)
	}
	return file, nil
}

// Exists reports whether key has an entry.
func (f *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := f.Size(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List returns the keys starting with prefix.
func (f *Filesystem) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.root, err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}

// Size returns the size of the entry for key.
func (f *Filesystem) Size(_ context.Context, key string) (int64, error) {
	path, err := f.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Size(), nil
}

// Locate returns the file path for key, or the key itself when it is invalid.
func (f *Filesystem) Locate(key string) string {
	path, err := f.path(key)
	if err != nil {
		return key
	}
	return path
}

// path maps key to a file directly under root.
func (f *Filesystem) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, tmpPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.root, key), nil
}

func (f *Filesystem) removeStaleTemps() error {
	matches, err := filepath.Glob(filepath.Join(f.root, tmpPrefix+"*"))
	if err != nil {
		return fmt.Errorf("finding stale temp files: %w", err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing stale temp file: %w", err)
		}
		f.logger.Info("removed incomplete cache write", "path", m)
	}
	return nil
}

var (
	_ Backend          = (*Filesystem)(nil)
	_ SizeAwareBackend = (*Filesystem)(nil)
	_ Locator          = (*Filesystem)(nil)
)
