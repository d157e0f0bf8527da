// Package cache stores resolved torrent files on disk keyed by info hash.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	hash2torrent "github.com/wolfeidau/hash2torrent"
	"github.com/wolfeidau/hash2torrent/backend"
	"github.com/wolfeidau/hash2torrent/store/metadb"
)

var (
	// ErrNotFound is returned when no entry exists for an info hash.
	ErrNotFound = errors.New("cache: not found")

	// ErrDigestMismatch is returned when stored bytes do not match the
	// digest recorded when they were written.
	ErrDigestMismatch = errors.New("cache: digest mismatch")
)

// Cache maps info hashes to torrent file bytes. Entries are written
// atomically by the backend and indexed in metadb.
type Cache struct {
	backend backend.Backend
	index   metadb.MetaDB
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithIndex records every entry in index and verifies reads against it.
func WithIndex(index metadb.MetaDB) Option {
	return func(c *Cache) {
		c.index = index
	}
}

// New creates a cache over b.
func New(b backend.Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: b,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache")
	return c
}

// Contains reports whether an entry exists. Access errors count as absent.
func (c *Cache) Contains(ctx context.Context, ih hash2torrent.InfoHash) bool {
	ok, err := c.backend.Exists(ctx, ih.Filename())
	if err != nil {
		c.logger.Debug("cache exists check failed", "info_hash", ih.String(), "error", err)
		return false
	}
	return ok
}

// Get reads the full entry for ih.
func (c *Cache) Get(ctx context.Context, ih hash2torrent.InfoHash) ([]byte, error) {
	rc, err := c.backend.Read(ctx, ih.Filename())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s: %w", ih.Filename(), err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ih.Filename(), err)
	}

	if err := c.verify(ctx, ih, data); err != nil {
		return nil, err
	}
	return data, nil
}

// verify checks data against the digest in the index. Entries without an
// index record are accepted as is.
func (c *Cache) verify(ctx context.Context, ih hash2torrent.InfoHash, data []byte) error {
	if c.index == nil {
		return nil
	}

	entry, err := c.index.GetTorrent(ctx, ih.String())
	if err != nil {
		if !errors.Is(err, metadb.ErrNotFound) {
			c.logger.Warn("cache index lookup failed", "info_hash", ih.String(), "error", err)
		}
		return nil
	}
	if entry.Digest == "" {
		return nil
	}

	want, err := hash2torrent.ParseDigest(entry.Digest)
	if err != nil {
		c.logger.Warn("invalid digest in cache index", "info_hash", ih.String(), "error", err)
		return nil
	}
	if got := hash2torrent.DigestBytes(data); got != want {
		return fmt.Errorf("%w: %s: expected %s, got %s", ErrDigestMismatch, ih.Filename(), want.ShortString(), got.ShortString())
	}
	return nil
}

// Put stores data under ih. The entry becomes visible to readers only once
// completely written.
func (c *Cache) Put(ctx context.Context, ih hash2torrent.InfoHash, data []byte, meta hash2torrent.Metadata) error {
	if err := c.backend.Write(ctx, ih.Filename(), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", ih.Filename(), err)
	}

	if c.index == nil {
		return nil
	}

	entry := &metadb.TorrentEntry{
		InfoHash:    ih.String(),
		Name:        meta.Name,
		Size:        int64(len(data)),
		TotalLength: meta.TotalLength,
		PieceLength: meta.PieceLength,
		Pieces:      meta.Pieces,
		Files:       meta.Files,
		Digest:      hash2torrent.DigestBytes(data).String(),
	}
	if err := c.index.PutTorrent(ctx, entry); err != nil {
		return fmt.Errorf("indexing %s: %w", ih.String(), err)
	}
	return nil
}

// Locate returns where the entry for ih is stored, for diagnostics.
func (c *Cache) Locate(ih hash2torrent.InfoHash) string {
	if l, ok := c.backend.(backend.Locator); ok {
		return l.Locate(ih.Filename())
	}
	return ih.Filename()
}

// Count returns the number of entries in the backend.
func (c *Cache) Count(ctx context.Context) (int, error) {
	keys, err := c.backend.List(ctx, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, key := range keys {
		if strings.HasSuffix(key, ".torrent") {
			n++
		}
	}
	return n, nil
}

// Recent lists the most recently cached entries, newest first.
func (c *Cache) Recent(ctx context.Context, limit int) ([]metadb.TorrentEntry, error) {
	if c.index == nil {
		return nil, nil
	}
	return c.index.Recent(ctx, limit)
}

// Stats summarises the cache index.
func (c *Cache) Stats(ctx context.Context) (*metadb.Stats, error) {
	if c.index == nil {
		return &metadb.Stats{}, nil
	}
	return c.index.Stats(ctx)
}
