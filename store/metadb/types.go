// Package metadb provides a bbolt-backed index of cached torrent metadata.
package metadb

import "time"

// TorrentEntry describes one cached metainfo file.
type TorrentEntry struct {
	InfoHash    string    `json:"info_hash"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`         // bytes of the cached metainfo file
	TotalLength int64     `json:"total_length"` // sum of the torrent's file lengths
	PieceLength int64     `json:"piece_length"`
	Pieces      int       `json:"pieces"`
	Files       int       `json:"files"`
	Digest      string    `json:"digest"` // BLAKE3 of the cached bytes
	CachedAt    time.Time `json:"cached_at"`
}

// Stats summarises the index.
type Stats struct {
	Entries   int       `json:"entries"`
	TotalSize int64     `json:"total_size"`
	Oldest    time.Time `json:"oldest"`
	Newest    time.Time `json:"newest"`
}
