package bittorrent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
)

// ClientConfig configures the anacrolix/torrent client behind a Session.
type ClientConfig struct {
	// DataDir holds the client's piece completion state. No content is
	// downloaded into it.
	DataDir string

	// ListenPort is the peer-wire listen port. Zero picks a random port.
	ListenPort int

	// NoDHT disables the mainline DHT.
	NoDHT bool

	// DisableTrackers stops the client announcing to trackers.
	DisableTrackers bool

	// NoPortForwarding skips UPnP/NAT-PMP mapping of the listen port.
	NoPortForwarding bool
}

// AnacrolixEngine resolves metadata with github.com/anacrolix/torrent.
type AnacrolixEngine struct {
	cl     *torrent.Client
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewAnacrolixEngine starts a BitTorrent client configured to fetch metadata only.
func NewAnacrolixEngine(cfg ClientConfig, logger *slog.Logger) (*AnacrolixEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	clientConfig.ListenPort = cfg.ListenPort
	clientConfig.NoDHT = cfg.NoDHT
	clientConfig.DisableTrackers = cfg.DisableTrackers
	clientConfig.NoDefaultPortForwarding = cfg.NoPortForwarding
	clientConfig.NoUpload = true
	clientConfig.Seed = false

	cl, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("creating torrent client: %w", err)
	}

	logger.Info("bittorrent client started",
		"data_dir", cfg.DataDir,
		"listen_port", cfg.ListenPort,
		"dht", !cfg.NoDHT,
	)

	return &AnacrolixEngine{cl: cl, logger: logger}, nil
}

// AddListOnly adds the magnet link with data download disallowed and waits
// for the info dictionary to arrive from peers.
func (e *AnacrolixEngine) AddListOnly(ctx context.Context, magnet string) (*Added, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errEngineClosed
	}
	e.mu.Unlock()

	m, err := metainfo.ParseMagnetUri(magnet)
	if err != nil {
		return nil, fmt.Errorf("parsing magnet link: %w", err)
	}

	t, isNew := e.cl.AddTorrentInfoHash(m.InfoHash)
	outcome := AlreadyManaged
	if isNew {
		outcome = ListOnly
		t.DisallowDataDownload()
	}

	e.logger.Debug("waiting for torrent info",
		"info_hash", m.InfoHash.HexString(),
		"outcome", outcome.String(),
	)

	select {
	case <-t.GotInfo():
	case <-e.cl.Closed():
		return nil, errEngineClosed
	case <-ctx.Done():
		if isNew {
			e.drop(t)
		}
		return nil, ctx.Err()
	}

	info := bytes.Clone(t.Metainfo().InfoBytes)

	// List-only torrents are only needed for their metadata.
	if isNew {
		e.drop(t)
		return &Added{Outcome: ListOnly, InfoBytes: info}, nil
	}

	if downloading(t) {
		outcome = AddedForDownloading
	}
	return &Added{Outcome: outcome, InfoBytes: info}, nil
}

// drop removes t from the client unless the client is already shut down,
// which closes every torrent itself.
func (e *AnacrolixEngine) drop(t *torrent.Torrent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	t.Drop()
}

// downloading reports whether any piece of t is wanted.
func downloading(t *torrent.Torrent) bool {
	for i := 0; i < t.NumPieces(); i++ {
		if t.Piece(i).State().Priority != torrent.PiecePriorityNone {
			return true
		}
	}
	return false
}

// Close shuts the client down.
func (e *AnacrolixEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return errors.Join(e.cl.Close()...)
}

var _ Engine = (*AnacrolixEngine)(nil)
