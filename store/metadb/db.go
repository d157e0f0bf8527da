package metadb

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// MetaDB stores descriptive records for cached torrents.
type MetaDB interface {
	Open(path string) error
	Close() error

	GetTorrent(ctx context.Context, infoHash string) (*TorrentEntry, error)
	// PutTorrent inserts or replaces the entry for entry.InfoHash.
	// A zero CachedAt is set to the current time.
	PutTorrent(ctx context.Context, entry *TorrentEntry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]TorrentEntry, error)
	Stats(ctx context.Context) (*Stats, error)
}
