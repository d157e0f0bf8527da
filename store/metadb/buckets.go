package metadb

import (
	"encoding/binary"
	"time"
)

var (
	// info hash -> TorrentEntry JSON
	bucketTorrents = []byte("torrents")
	// encoded cached-at + info hash -> info hash
	bucketTorrentsByCachedAt = []byte("torrents_by_cached_at")
	// info hash -> encoded cached-at, to find the index key on replace
	bucketCachedAtByTorrent = []byte("cached_at_by_torrent")
)

// encodeTimestamp writes t as big-endian nanoseconds with the sign bit
// flipped, so byte order matches time order across the Unix epoch.
func encodeTimestamp(t time.Time) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano())^signBit)
	return buf[:]
}

func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)^signBit)).UTC()
}

const signBit = 1 << 63

// makeCachedAtKey returns the torrents_by_cached_at key: timestamp then info hash.
func makeCachedAtKey(cachedAt time.Time, infoHash string) []byte {
	return append(encodeTimestamp(cachedAt), infoHash...)
}
