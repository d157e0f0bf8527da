package bittorrent

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOfflineEngine starts a client that never talks to the network, so
// torrents only ever get their info through SetInfoBytes.
func newOfflineEngine(t *testing.T) *AnacrolixEngine {
	t.Helper()
	e, err := NewAnacrolixEngine(ClientConfig{
		DataDir:          t.TempDir(),
		NoDHT:            true,
		DisableTrackers:  true,
		NoPortForwarding: true,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func offlineInfo(t *testing.T, name string) (metainfo.Hash, []byte) {
	t.Helper()
	b, err := bencode.Marshal(metainfo.Info{
		Name:        name,
		PieceLength: 16384,
		Pieces:      make([]byte, 2*20),
		Length:      20000,
	})
	require.NoError(t, err)
	return metainfo.HashBytes(b), b
}

func magnetFor(h metainfo.Hash) string {
	return "magnet:?xt=urn:btih:" + h.HexString()
}

// supplyInfo waits for the engine to register h and hands it the info
// dictionary, standing in for a peer.
func supplyInfo(t *testing.T, e *AnacrolixEngine, h metainfo.Hash, info []byte) {
	t.Helper()
	var tor *torrent.Torrent
	require.Eventually(t, func() bool {
		var ok bool
		tor, ok = e.cl.Torrent(h)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, tor.SetInfoBytes(info))
}

func TestAnacrolixEngine_ListOnlyDropsTorrentAfterInfo(t *testing.T) {
	e := newOfflineEngine(t)
	h, info := offlineInfo(t, "list-only.bin")

	type result struct {
		added *Added
		err   error
	}
	done := make(chan result, 1)
	go func() {
		added, err := e.AddListOnly(context.Background(), magnetFor(h))
		done <- result{added, err}
	}()

	supplyInfo(t, e, h, info)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("AddListOnly did not return after info arrived")
	}
	require.NoError(t, res.err)
	require.Equal(t, ListOnly, res.added.Outcome)
	require.Equal(t, info, res.added.InfoBytes)
	require.Equal(t, h, metainfo.HashBytes(res.added.InfoBytes))

	require.Len(t, e.cl.Torrents(), 0)
	_, ok := e.cl.Torrent(h)
	require.False(t, ok)
}

func TestAnacrolixEngine_RepeatedListOnlyDoesNotAccumulate(t *testing.T) {
	e := newOfflineEngine(t)

	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		h, info := offlineInfo(t, name)
		done := make(chan error, 1)
		go func() {
			added, err := e.AddListOnly(context.Background(), magnetFor(h))
			if err == nil {
				assert.Equal(t, ListOnly, added.Outcome)
			}
			done <- err
		}()
		supplyInfo(t, e, h, info)
		require.NoError(t, <-done)
	}

	require.Empty(t, e.cl.Torrents())
}

func TestAnacrolixEngine_AlreadyManagedIsLeftInPlace(t *testing.T) {
	e := newOfflineEngine(t)
	h, info := offlineInfo(t, "managed.bin")

	tor, isNew := e.cl.AddTorrentInfoHash(h)
	require.True(t, isNew)
	require.NoError(t, tor.SetInfoBytes(info))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	added, err := e.AddListOnly(ctx, magnetFor(h))
	require.NoError(t, err)
	require.Equal(t, AlreadyManaged, added.Outcome)
	require.Equal(t, info, added.InfoBytes)

	_, ok := e.cl.Torrent(h)
	require.True(t, ok, "torrents added elsewhere are not dropped")
}

func TestAnacrolixEngine_AlreadyDownloading(t *testing.T) {
	e := newOfflineEngine(t)
	h, info := offlineInfo(t, "downloading.bin")

	tor, _ := e.cl.AddTorrentInfoHash(h)
	require.NoError(t, tor.SetInfoBytes(info))
	tor.DownloadAll()
	// Pieces report no priority while their initial hash check runs.
	require.Eventually(t, func() bool { return downloading(tor) }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	added, err := e.AddListOnly(ctx, magnetFor(h))
	require.NoError(t, err)
	require.Equal(t, AddedForDownloading, added.Outcome)

	_, ok := e.cl.Torrent(h)
	require.True(t, ok)
}

func TestAnacrolixEngine_DeadlineDropsNewTorrent(t *testing.T) {
	e := newOfflineEngine(t)
	h, _ := offlineInfo(t, "never-arrives.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.AddListOnly(ctx, magnetFor(h))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, e.cl.Torrents())
}

func TestAnacrolixEngine_DeadlineKeepsManagedTorrent(t *testing.T) {
	e := newOfflineEngine(t)
	h, _ := offlineInfo(t, "managed-no-info.bin")
	_, isNew := e.cl.AddTorrentInfoHash(h)
	require.True(t, isNew)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.AddListOnly(ctx, magnetFor(h))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, e.cl.Torrents(), 1)
}

func TestAnacrolixEngine_InvalidMagnet(t *testing.T) {
	e := newOfflineEngine(t)
	_, err := e.AddListOnly(context.Background(), "magnet:?xt=urn:sha1:nothing")
	require.Error(t, err)
	require.Empty(t, e.cl.Torrents())
}

func TestAnacrolixEngine_ClosedEngineRejectsAdds(t *testing.T) {
	e := newOfflineEngine(t)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	h, _ := offlineInfo(t, "closed.bin")
	_, err := e.AddListOnly(context.Background(), magnetFor(h))
	require.ErrorIs(t, err, errEngineClosed)
}

func TestAnacrolixEngine_CloseReleasesWaiters(t *testing.T) {
	e := newOfflineEngine(t)
	h, _ := offlineInfo(t, "waiting.bin")

	done := make(chan error, 1)
	go func() {
		_, err := e.AddListOnly(context.Background(), magnetFor(h))
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := e.cl.Torrent(h)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, e.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, errEngineClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("AddListOnly still waiting after Close")
	}
}
