// Package hash2torrent resolves BitTorrent v1 info-hashes into torrent
// metadata files and caches them on disk.
package hash2torrent

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// InfoHashSize is the size of a v1 info-hash in bytes (SHA-1).
const InfoHashSize = 20

// ErrInvalidInfoHash is returned when a string is not exactly 40 hex digits.
var ErrInvalidInfoHash = errors.New("invalid info hash")

// InfoHash is a BitTorrent v1 info-hash.
type InfoHash [InfoHashSize]byte

// ParseInfoHash parses a 40 character hex string. Upper and lower case are
// both accepted; the value is canonicalised to its raw bytes.
func ParseInfoHash(s string) (InfoHash, error) {
	var ih InfoHash
	if err := ih.UnmarshalText([]byte(s)); err != nil {
		return InfoHash{}, err
	}
	return ih, nil
}

// String returns the lowercase hex representation.
func (ih InfoHash) String() string {
	return hex.EncodeToString(ih[:])
}

// Filename returns the file name used for the cached torrent and the
// Content-Disposition header.
func (ih InfoHash) Filename() string {
	return ih.String() + ".torrent"
}

// Magnet returns a magnet URI that references the info-hash only.
func (ih InfoHash) Magnet() string {
	return "magnet:?xt=urn:btih:" + ih.String()
}

// IsZero returns true if the info-hash is all zeros.
func (ih InfoHash) IsZero() bool {
	return ih == InfoHash{}
}

// MarshalText implements encoding.TextMarshaler.
func (ih InfoHash) MarshalText() ([]byte, error) {
	return []byte(ih.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (ih *InfoHash) UnmarshalText(text []byte) error {
	if len(text) != InfoHashSize*2 {
		return fmt.Errorf("%w: expected %d hex chars, got %d", ErrInvalidInfoHash, InfoHashSize*2, len(text))
	}
	var decoded InfoHash
	if _, err := hex.Decode(decoded[:], text); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInfoHash, err)
	}
	*ih = decoded
	return nil
}
