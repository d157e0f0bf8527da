package backend

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/wolfeidau/hash2torrent/telemetry"
)

// InstrumentedBackend records a metric for every operation on the wrapped backend.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend wraps b; name is the "backend" metric attribute.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) record(ctx context.Context, op string, start time.Time, bytes int64, err error) {
	telemetry.RecordBackendOp(ctx, ib.name, op, outcomeFromError(err), time.Since(start), bytes)
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	ib.record(ctx, "write", start, cr.n, err)
	return err
}

// Read records failed opens immediately. Successful reads are recorded once,
// with the bytes consumed, when the reader is closed.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		ib.record(ctx, "read", start, 0, err)
		return nil, err
	}
	return &countingReadCloser{
		ReadCloser: rc,
		done: func(n int64, readErr error) {
			ib.record(ctx, "read", start, n, readErr)
		},
	}, nil
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := ib.backend.Exists(ctx, key)
	ib.record(ctx, "exists", start, 0, err)
	return ok, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	ib.record(ctx, "list", start, 0, err)
	return keys, err
}

// Size returns ErrNotFound when the wrapped backend cannot report sizes.
func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	sb, ok := ib.backend.(SizeAwareBackend)
	if !ok {
		return 0, ErrNotFound
	}
	start := time.Now()
	size, err := sb.Size(ctx, key)
	ib.record(ctx, "size", start, 0, err)
	return size, err
}

// Locate delegates to the wrapped backend, falling back to "name:key".
func (ib *InstrumentedBackend) Locate(key string) string {
	if l, ok := ib.backend.(Locator); ok {
		return l.Locate(key)
	}
	return ib.name + ":" + key
}

// Unwrap returns the wrapped backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// countingReadCloser reports the bytes read and the first read error to done
// exactly once, on Close.
type countingReadCloser struct {
	io.ReadCloser
	done func(n int64, err error)

	n       int64
	readErr error
	once    sync.Once
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) && c.readErr == nil {
		c.readErr = err
	}
	return n, err
}

func (c *countingReadCloser) Close() error {
	c.once.Do(func() { c.done(c.n, c.readErr) })
	return c.ReadCloser.Close()
}

var (
	_ Backend          = (*InstrumentedBackend)(nil)
	_ SizeAwareBackend = (*InstrumentedBackend)(nil)
	_ Locator          = (*InstrumentedBackend)(nil)
)
