package hash2torrent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestString(t *testing.T) {
	// BLAKE3 hash of empty string
	d := DigestBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, d.String())
}

func TestDigestShortString(t *testing.T) {
	d := DigestBytes([]byte("hello"))
	short := d.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(d.String(), short))
}

func TestDigestIsZero(t *testing.T) {
	var zero Digest
	require.True(t, zero.IsZero())

	d := DigestBytes([]byte("test"))
	require.False(t, d.IsZero())
}

func TestParseDigest(t *testing.T) {
	original := DigestBytes([]byte("parse test"))

	parsed, err := ParseDigest(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)
}

func TestParseDigestInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 128)},
		{"invalid hex", strings.Repeat("zz", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDigest(tt.input)
			require.Error(t, err)
		})
	}
}

func TestDigestBytesStable(t *testing.T) {
	data := []byte("d4:infod4:name4:teste")

	d := DigestBytes(data)
	require.False(t, d.IsZero())
	require.Equal(t, d, DigestBytes(append([]byte(nil), data...)))
	require.NotEqual(t, d, DigestBytes(data[1:]))
}
