// Package bittorrent resolves info hashes to torrent metadata through a
// BitTorrent client session.
package bittorrent

import (
	"context"
	"errors"
)

// Outcome reports how the engine handled a submitted magnet link.
type Outcome int

const (
	// AlreadyManaged means the engine already knew the torrent.
	AlreadyManaged Outcome = iota
	// ListOnly means the torrent was added for metadata retrieval only.
	ListOnly
	// AddedForDownloading means the engine is downloading file content.
	AddedForDownloading
)

func (o Outcome) String() string {
	switch o {
	case AlreadyManaged:
		return "already_managed"
	case ListOnly:
		return "list_only"
	case AddedForDownloading:
		return "added_for_downloading"
	default:
		return "unknown"
	}
}

// Added is the engine's answer to a list-only submission.
type Added struct {
	Outcome Outcome
	// InfoBytes is the raw bencoded info dictionary.
	InfoBytes []byte
}

// Engine is the BitTorrent network capability used by the resolver.
type Engine interface {
	// AddListOnly submits a magnet link for metadata retrieval without
	// downloading content, and blocks until the info dictionary is known or
	// ctx is done.
	AddListOnly(ctx context.Context, magnet string) (*Added, error)

	// Close releases the engine's network resources.
	Close() error
}

var errEngineClosed = errors.New("bittorrent: engine closed")
