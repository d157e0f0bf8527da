package metadb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	opts = append([]BoltDBOption{WithNoSync(true)}, opts...)
	db := NewBoltDB(opts...)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBoltDB_TorrentOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("PutTorrent and GetTorrent round-trip", func(t *testing.T) {
		db := newTestBoltDB(t)

		entry := &TorrentEntry{
			InfoHash:    "443c7602b4fde83d1154d6d9da48808418b181b6",
			Name:        "ubuntu-23.04-desktop-amd64.iso",
			Size:        95432,
			TotalLength: 4932407296,
			PieceLength: 262144,
			Pieces:      18816,
			Files:       1,
			Digest:      "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		}
		require.NoError(t, db.PutTorrent(ctx, entry))
		require.False(t, entry.CachedAt.IsZero(), "CachedAt should be set on put")

		got, err := db.GetTorrent(ctx, entry.InfoHash)
		require.NoError(t, err)
		assert.Equal(t, entry.Name, got.Name)
		assert.Equal(t, entry.Pieces, got.Pieces)
		assert.Equal(t, entry.Digest, got.Digest)
		assert.True(t, entry.CachedAt.Equal(got.CachedAt))
	})

	t.Run("GetTorrent returns ErrNotFound for missing key", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.GetTorrent(ctx, "0000000000000000000000000000000000000000")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PutTorrent rejects empty info hash", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.Error(t, db.PutTorrent(ctx, &TorrentEntry{Name: "x"}))
	})
}

func TestBoltDB_RecentAndStats(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	now := base
	db := newTestBoltDB(t, WithNow(func() time.Time { return now }))

	for i, ih := range []string{"aa", "bb", "cc"} {
		now = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, db.PutTorrent(ctx, &TorrentEntry{InfoHash: ih, Size: 10}))
	}

	recent, err := db.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "cc", recent[0].InfoHash)
	assert.Equal(t, "bb", recent[1].InfoHash)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, int64(30), stats.TotalSize)
	assert.True(t, base.Equal(stats.Oldest))
	assert.True(t, base.Add(2*time.Minute).Equal(stats.Newest))
}

func TestBoltDB_ReplaceUpdatesIndex(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	db := newTestBoltDB(t)

	require.NoError(t, db.PutTorrent(ctx, &TorrentEntry{InfoHash: "aa", CachedAt: base}))
	require.NoError(t, db.PutTorrent(ctx, &TorrentEntry{InfoHash: "aa", CachedAt: base.Add(time.Hour)}))

	recent, err := db.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1, "replacing an entry must not leave a stale index row")

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
	assert.True(t, base.Add(time.Hour).Equal(stats.Oldest))
}

func TestBoltDB_ConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ih := string(rune('a'+i)) + "0"
			assert.NoError(t, db.PutTorrent(ctx, &TorrentEntry{InfoHash: ih, Size: 1}))
		}(i)
	}
	wg.Wait()

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Entries)
}

func TestTimestampEncodingPreservesOrder(t *testing.T) {
	earlier := time.Date(1969, 12, 31, 23, 59, 0, 0, time.UTC)
	later := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.Less(t, string(encodeTimestamp(earlier)), string(encodeTimestamp(later)))
	require.True(t, later.Equal(decodeTimestamp(encodeTimestamp(later))))
	require.True(t, decodeTimestamp(nil).IsZero())
}

func TestBoltDB_ClosedRejectsWrites(t *testing.T) {
	db := NewBoltDB(WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "closing twice is a no-op")

	require.Error(t, db.PutTorrent(context.Background(), &TorrentEntry{InfoHash: "aa"}))
}
