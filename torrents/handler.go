// Package torrents implements the GET /torrents/{info_hash} pipeline:
// validate, look up the cache, resolve once on a miss, store and respond.
package torrents

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	hash2torrent "github.com/wolfeidau/hash2torrent"
	"github.com/wolfeidau/hash2torrent/bittorrent"
	"github.com/wolfeidau/hash2torrent/coordinator"
	"github.com/wolfeidau/hash2torrent/telemetry"
)

const (
	// ContentType is the media type of torrent files.
	ContentType = "application/x-bittorrent"

	// InfoHashHeader carries the canonical info hash of the response.
	InfoHashHeader = "X-Torrust-Torrent-Infohash"

	msgInvalidInfoHash = "Invalid info hash"
	msgClientError     = "BitTorrent client error"
	msgRequestTimeout  = "Request timeout"
)

// MetadataCache stores torrent files by info hash.
type MetadataCache interface {
	Contains(ctx context.Context, ih hash2torrent.InfoHash) bool
	Get(ctx context.Context, ih hash2torrent.InfoHash) ([]byte, error)
	Put(ctx context.Context, ih hash2torrent.InfoHash, data []byte, meta hash2torrent.Metadata) error
	Locate(ih hash2torrent.InfoHash) string
}

// Resolver fetches torrent metadata from the BitTorrent network.
type Resolver interface {
	Resolve(ctx context.Context, ih hash2torrent.InfoHash) (*bittorrent.Result, error)
}

// Handler serves torrent files for info hashes.
type Handler struct {
	cache       MetadataCache
	resolver    Resolver
	coordinator *coordinator.Coordinator
	logger      *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithCoordinator sets the coordinator used to deduplicate resolutions.
func WithCoordinator(c *coordinator.Coordinator) HandlerOption {
	return func(h *Handler) {
		h.coordinator = c
	}
}

// NewHandler creates a torrent handler.
func NewHandler(cache MetadataCache, resolver Resolver, opts ...HandlerOption) *Handler {
	h := &Handler{
		cache:    cache,
		resolver: resolver,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.coordinator == nil {
		h.coordinator = coordinator.New(coordinator.WithLogger(h.logger))
	}
	h.logger = h.logger.With("component", "torrents", "endpoint", "torrent")
	return h
}

// ServeHTTP handles GET /torrents/{info_hash}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "torrent")

	raw := r.PathValue("info_hash")
	ih, err := hash2torrent.ParseInfoHash(raw)
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheNA)
		h.logger.Debug("rejected info hash", "info_hash", raw, "error", err)
		writeText(w, http.StatusBadRequest, msgInvalidInfoHash)
		return
	}

	ctx := r.Context()
	logger := h.logger.With("info_hash", ih.String())
	telemetry.SetInfoHash(r, ih.String())
	logger.Info("torrent requested")

	if data, ok := h.lookup(ctx, ih, logger); ok {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		logger.Debug("serving from cache", "path", h.cache.Locate(ih))
		writeTorrent(w, ih, data)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheMiss)

	res, shared, err := h.coordinator.ResolveOnce(ctx, ih, h.resolveAndStore)
	telemetry.SetShared(r, shared)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			logger.Warn("request timed out waiting for resolution", "error", ctx.Err())
			writeText(w, http.StatusRequestTimeout, msgRequestTimeout)
			return
		case ctx.Err() != nil:
			logger.Debug("client went away while waiting for resolution", "error", ctx.Err())
			return
		}
		logger.Error("bittorrent client error", "kind", bittorrent.OutcomeLabel(err), "shared", shared, "error", err)
		writeText(w, http.StatusInternalServerError, msgClientError)
		return
	}

	writeTorrent(w, ih, res.Bytes)
}

// lookup returns the cached bytes for ih. Read failures are logged and
// reported as a miss.
func (h *Handler) lookup(ctx context.Context, ih hash2torrent.InfoHash, logger *slog.Logger) ([]byte, bool) {
	if !h.cache.Contains(ctx, ih) {
		return nil, false
	}
	data, err := h.cache.Get(ctx, ih)
	if err != nil {
		logger.Error("cache read failed, resolving from network", "path", h.cache.Locate(ih), "error", err)
		return nil, false
	}
	return data, true
}

// resolveAndStore runs once per in-flight info hash. It rechecks the cache
// since an earlier resolution may have completed after this request's lookup.
func (h *Handler) resolveAndStore(ctx context.Context, ih hash2torrent.InfoHash) (*bittorrent.Result, error) {
	logger := h.logger.With("info_hash", ih.String())

	if data, ok := h.lookup(ctx, ih, logger); ok {
		return &bittorrent.Result{InfoHash: ih, Bytes: data, Outcome: bittorrent.AlreadyManaged}, nil
	}

	res, err := h.resolver.Resolve(ctx, ih)
	if err != nil {
		return nil, err
	}

	if err := h.cache.Put(ctx, ih, res.Bytes, res.Metadata); err != nil {
		logger.Error("cache write failed", "path", h.cache.Locate(ih), "error", err)
	} else {
		logger.Debug("stored in cache", "path", h.cache.Locate(ih), "bytes", len(res.Bytes))
	}

	return res, nil
}

func writeTorrent(w http.ResponseWriter, ih hash2torrent.InfoHash, data []byte) {
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+ih.Filename())
	w.Header().Set(InfoHashHeader, ih.String())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

