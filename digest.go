package hash2torrent

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes (256 bits).
const DigestSize = 32

// Digest is a BLAKE3 256-bit digest of cached metadata bytes.
// It is recorded when an entry is cached and checked on every read.
type Digest [DigestSize]byte

// String returns the hex-encoded representation of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ShortString returns a shortened hex representation for display.
func (d Digest) ShortString() string {
	return hex.EncodeToString(d[:8])
}

// IsZero returns true if the digest is all zeros (uninitialized).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) != DigestSize*2 {
		return fmt.Errorf("invalid digest length: expected %d hex chars, got %d", DigestSize*2, len(text))
	}
	_, err := hex.Decode(d[:], text)
	return err
}

// ParseDigest parses a hex-encoded digest string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if err := d.UnmarshalText([]byte(s)); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// DigestBytes computes the BLAKE3 digest of the given bytes.
func DigestBytes(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}
