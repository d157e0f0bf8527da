package bittorrent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	hash2torrent "github.com/wolfeidau/hash2torrent"
	"github.com/wolfeidau/hash2torrent/telemetry"
)

var (
	// ErrNoSession is returned when the resolver has no usable session.
	ErrNoSession = errors.New("bittorrent: no session")

	// ErrAddedForDownloading is returned when the engine is downloading the
	// torrent's content instead of fetching metadata only.
	ErrAddedForDownloading = errors.New("bittorrent: torrent added for downloading")

	// ErrNotAdded is returned for any other submission failure.
	ErrNotAdded = errors.New("bittorrent: torrent not added")

	// ErrInfoHashMismatch is returned when the received info dictionary does
	// not hash to the requested info hash.
	ErrInfoHashMismatch = errors.New("bittorrent: info hash mismatch")
)

// Result is a resolved torrent.
type Result struct {
	InfoHash hash2torrent.InfoHash
	// Bytes is the bencoded torrent file: a dictionary holding only "info".
	Bytes    []byte
	Metadata hash2torrent.Metadata
	Outcome  Outcome
}

// Resolver turns info hashes into torrent files using a Session.
type Resolver struct {
	session *Session
	logger  *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a resolver over session. A nil session is allowed and
// makes every resolution fail with ErrNoSession.
func NewResolver(session *Session, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		session: session,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "resolver")
	return r
}

// Resolve fetches the info dictionary for ih in list-only mode and frames it
// as a torrent file.
func (r *Resolver) Resolve(ctx context.Context, ih hash2torrent.InfoHash) (*Result, error) {
	start := time.Now()
	res, err := r.resolve(ctx, ih)
	telemetry.RecordResolution(ctx, OutcomeLabel(err), time.Since(start))
	if err != nil {
		r.logger.Error("resolution failed",
			"info_hash", ih.String(),
			"kind", OutcomeLabel(err),
			"duration", time.Since(start),
			"error", err,
		)
		return nil, err
	}

	r.logger.Info("resolved torrent metadata",
		"info_hash", ih.String(),
		"name", res.Metadata.Name,
		"outcome", res.Outcome.String(),
		"bytes", len(res.Bytes),
		"duration", time.Since(start),
	)
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, ih hash2torrent.InfoHash) (*Result, error) {
	if r.session == nil {
		return nil, ErrNoSession
	}

	added, err := r.session.addListOnly(ctx, ih.Magnet())
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrNotAdded, err)
	}

	if added.Outcome == AddedForDownloading {
		return nil, ErrAddedForDownloading
	}

	if metainfo.HashBytes(added.InfoBytes) != metainfo.Hash(ih) {
		return nil, fmt.Errorf("%w: got %s", ErrInfoHashMismatch, metainfo.HashBytes(added.InfoBytes).HexString())
	}

	meta, err := DescribeInfo(added.InfoBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotAdded, err)
	}

	data, err := EncodeTorrent(added.InfoBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotAdded, err)
	}

	return &Result{
		InfoHash: ih,
		Bytes:    data,
		Metadata: meta,
		Outcome:  added.Outcome,
	}, nil
}

// EncodeTorrent wraps a raw info dictionary in a torrent file dictionary.
func EncodeTorrent(infoBytes []byte) ([]byte, error) {
	data, err := bencode.Marshal(map[string]bencode.Bytes{"info": infoBytes})
	if err != nil {
		return nil, fmt.Errorf("encoding torrent: %w", err)
	}
	return data, nil
}

// DescribeInfo decodes the fields of an info dictionary kept in the cache index.
func DescribeInfo(infoBytes []byte) (hash2torrent.Metadata, error) {
	var info metainfo.Info
	if err := bencode.Unmarshal(infoBytes, &info); err != nil {
		return hash2torrent.Metadata{}, fmt.Errorf("decoding info dictionary: %w", err)
	}

	files := len(info.Files)
	if files == 0 {
		files = 1
	}

	return hash2torrent.Metadata{
		Name:        info.Name,
		TotalLength: info.TotalLength(),
		PieceLength: info.PieceLength,
		Pieces:      info.NumPieces(),
		Files:       files,
	}, nil
}

// OutcomeLabel maps a resolution error to a low-cardinality label.
func OutcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNoSession):
		return "no_session"
	case errors.Is(err, ErrAddedForDownloading):
		return "added_for_downloading"
	case errors.Is(err, ErrInfoHashMismatch):
		return "mismatch"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "not_added"
	}
}
