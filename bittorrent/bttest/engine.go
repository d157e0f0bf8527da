// Package bttest provides an in-memory bittorrent.Engine for tests.
package bttest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	hash2torrent "github.com/wolfeidau/hash2torrent"
	"github.com/wolfeidau/hash2torrent/bittorrent"
)

// ErrUnknownTorrent is returned for magnets the engine holds no info for.
var ErrUnknownTorrent = errors.New("bttest: unknown torrent")

// Engine serves info dictionaries from memory.
type Engine struct {
	// Delay is applied before each answer, honouring ctx.
	Delay time.Duration
	// Err, when set, fails every submission.
	Err error
	// Outcome overrides the reported outcome when non-nil.
	Outcome *bittorrent.Outcome

	mu       sync.Mutex
	infos    map[metainfo.Hash][]byte
	managed  map[metainfo.Hash]bool
	magnets  []string
	calls    atomic.Int32
	closed   atomic.Bool
	received chan struct{}
}

// NewEngine returns an engine that knows the given info dictionaries.
func NewEngine(infos ...[]byte) *Engine {
	e := &Engine{
		infos:    make(map[metainfo.Hash][]byte),
		managed:  make(map[metainfo.Hash]bool),
		received: make(chan struct{}, 1024),
	}
	for _, info := range infos {
		e.infos[metainfo.HashBytes(info)] = info
	}
	return e
}

// AddListOnly implements bittorrent.Engine.
func (e *Engine) AddListOnly(ctx context.Context, magnet string) (*bittorrent.Added, error) {
	e.calls.Add(1)
	e.mu.Lock()
	e.magnets = append(e.magnets, magnet)
	e.mu.Unlock()
	select {
	case e.received <- struct{}{}:
	default:
	}

	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.Err != nil {
		return nil, e.Err
	}

	m, err := metainfo.ParseMagnetUri(magnet)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	info, ok := e.infos[m.InfoHash]
	if !ok {
		return nil, ErrUnknownTorrent
	}

	outcome := bittorrent.ListOnly
	if e.managed[m.InfoHash] {
		outcome = bittorrent.AlreadyManaged
	}
	e.managed[m.InfoHash] = true
	if e.Outcome != nil {
		outcome = *e.Outcome
	}

	return &bittorrent.Added{Outcome: outcome, InfoBytes: info}, nil
}

// Close implements bittorrent.Engine.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

// Calls returns the number of submissions received.
func (e *Engine) Calls() int {
	return int(e.calls.Load())
}

// Magnets returns every magnet link submitted so far.
func (e *Engine) Magnets() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.magnets...)
}

// Received signals once per submission.
func (e *Engine) Received() <-chan struct{} {
	return e.received
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	return e.closed.Load()
}

// NewInfo bencodes a single-file info dictionary named name and returns
// its info hash alongside the raw bytes.
func NewInfo(t testing.TB, name string) (hash2torrent.InfoHash, []byte) {
	t.Helper()
	info := metainfo.Info{
		Name:        name,
		PieceLength: 16384,
		Pieces:      make([]byte, 2*20),
		Length:      20000,
	}
	b, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("encoding info: %v", err)
	}
	return hash2torrent.InfoHash(metainfo.HashBytes(b)), b
}
