package metadb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketTorrents, bucketTorrentsByCachedAt, bucketCachedAtByTorrent} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	// bbolt rejects transactions on a closed database with ErrDatabaseNotOpen.
	return b.db.Close()
}

// GetTorrent retrieves the entry for an info hash.
func (b *BoltDB) GetTorrent(_ context.Context, infoHash string) (*TorrentEntry, error) {
	var entry TorrentEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketTorrents).Get([]byte(infoHash))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &entry)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting torrent %s: %w", infoHash, err)
	}
	return &entry, nil
}

// PutTorrent stores an entry and updates the cached-at index.
func (b *BoltDB) PutTorrent(_ context.Context, entry *TorrentEntry) error {
	if entry.InfoHash == "" {
		return fmt.Errorf("putting torrent: empty info hash")
	}
	if entry.CachedAt.IsZero() {
		entry.CachedAt = b.now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling torrent entry: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		key := []byte(entry.InfoHash)

		if err := tx.Bucket(bucketTorrents).Put(key, data); err != nil {
			return fmt.Errorf("putting torrent: %w", err)
		}

		byTime := tx.Bucket(bucketTorrentsByCachedAt)
		reverse := tx.Bucket(bucketCachedAtByTorrent)

		// Drop the previous index entry via the reverse index.
		if tsBytes := reverse.Get(key); tsBytes != nil {
			old := makeCachedAtKey(decodeTimestamp(tsBytes), entry.InfoHash)
			if err := byTime.Delete(old); err != nil {
				return fmt.Errorf("deleting old cached-at index: %w", err)
			}
		}

		if err := byTime.Put(makeCachedAtKey(entry.CachedAt, entry.InfoHash), key); err != nil {
			return fmt.Errorf("putting cached-at index: %w", err)
		}
		if err := reverse.Put(key, encodeTimestamp(entry.CachedAt)); err != nil {
			return fmt.Errorf("putting cached-at reverse index: %w", err)
		}
		return nil
	})
}

// Recent returns up to limit entries ordered newest first.
func (b *BoltDB) Recent(_ context.Context, limit int) ([]TorrentEntry, error) {
	var entries []TorrentEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		torrents := tx.Bucket(bucketTorrents)
		cursor := tx.Bucket(bucketTorrentsByCachedAt).Cursor()

		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			val := torrents.Get(v)
			if val == nil {
				continue
			}
			var entry TorrentEntry
			if err := json.Unmarshal(val, &entry); err != nil {
				b.logger.Warn("skipping invalid torrent entry", "info_hash", string(v), "error", err)
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// Stats returns the entry count, the total cached bytes and the cached-at range.
func (b *BoltDB) Stats(_ context.Context) (*Stats, error) {
	stats := &Stats{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketTorrents).ForEach(func(_, v []byte) error {
			var entry TorrentEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // Skip invalid entries
			}
			stats.Entries++
			stats.TotalSize += entry.Size
			return nil
		})
		if err != nil {
			return err
		}

		cursor := tx.Bucket(bucketTorrentsByCachedAt).Cursor()
		if k, _ := cursor.First(); k != nil {
			stats.Oldest = decodeTimestamp(k)
		}
		if k, _ := cursor.Last(); k != nil {
			stats.Newest = decodeTimestamp(k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

var _ MetaDB = (*BoltDB)(nil)
