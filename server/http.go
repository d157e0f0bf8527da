// Package server provides the HTTP server for hash2torrent.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/wolfeidau/hash2torrent/backend"
	"github.com/wolfeidau/hash2torrent/bittorrent"
	"github.com/wolfeidau/hash2torrent/cache"
	"github.com/wolfeidau/hash2torrent/coordinator"
	"github.com/wolfeidau/hash2torrent/store/metadb"
	"github.com/wolfeidau/hash2torrent/telemetry"
	"github.com/wolfeidau/hash2torrent/torrents"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:3000")
	Address string

	// CacheDir holds the cached torrent files.
	CacheDir string

	// IndexPath is the bbolt file indexing the cache.
	// Default: index.db next to CacheDir.
	IndexPath string

	// Session is the BitTorrent session used to resolve info hashes.
	// A nil session makes every resolution fail.
	Session *bittorrent.Session

	// RequestTimeout bounds the torrent pipeline per request. Exceeding it
	// yields 408 Request Timeout.
	RequestTimeout time.Duration

	// ResolveTimeout bounds a single network resolution, shared by all
	// requests waiting on it.
	ResolveTimeout time.Duration

	// ResolveRate caps new resolutions per second. Zero disables the cap.
	ResolveRate float64

	// ResolveBurst is the burst allowed above ResolveRate.
	ResolveBurst int

	// HeaderReadTimeout bounds how long a new connection may take to send
	// complete request headers.
	HeaderReadTimeout time.Duration

	// IdleTimeout bounds the wait for the next request on a keep-alive connection.
	IdleTimeout time.Duration

	// MaxConns caps simultaneously accepted connections. Zero means no cap.
	MaxConns int

	// AuthToken enables Bearer token authentication when non-empty.
	AuthToken string

	// RecentLimit is how many recently cached torrents the landing page lists.
	RecentLimit int

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for hash2torrent.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	index    *metadb.BoltDB
	cache    *cache.Cache
	torrents *torrents.Handler

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:3000"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "./storage/torrents"
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = filepath.Join(filepath.Dir(filepath.Clean(cfg.CacheDir)), "index.db")
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ResolveTimeout == 0 {
		cfg.ResolveTimeout = 60 * time.Second
	}
	if cfg.HeaderReadTimeout == 0 {
		cfg.HeaderReadTimeout = 1 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 1 * time.Second
	}
	if cfg.RecentLimit == 0 {
		cfg.RecentLimit = 10
	}

	fsBackend, err := backend.NewFilesystem(cfg.CacheDir, backend.WithLogger(cfg.Logger.With("component", "backend")))
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}

	index := metadb.NewBoltDB(metadb.WithLogger(cfg.Logger.With("component", "metadb")))
	if err := index.Open(cfg.IndexPath); err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}

	metadataCache := cache.New(
		backend.NewInstrumentedBackend(fsBackend, "filesystem"),
		cache.WithIndex(index),
		cache.WithLogger(cfg.Logger),
	)

	resolver := bittorrent.NewResolver(cfg.Session, bittorrent.WithLogger(cfg.Logger))

	coord := coordinator.New(
		coordinator.WithLogger(cfg.Logger),
		coordinator.WithTimeout(cfg.ResolveTimeout),
		coordinator.WithRateLimit(cfg.ResolveRate, cfg.ResolveBurst),
	)

	handler := torrents.NewHandler(metadataCache, resolver,
		torrents.WithCoordinator(coord),
		torrents.WithLogger(cfg.Logger),
	)

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		index:    index,
		cache:    metadataCache,
		torrents: handler,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.loggingMiddleware(s.authMiddleware(mux)),
		ReadHeaderTimeout: cfg.HeaderReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelDebug),
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Landing page
	mux.Handle("GET /{$}", gzhttp.GzipHandler(http.HandlerFunc(s.handleLanding)))

	// Health check
	mux.HandleFunc("GET /health_check", s.handleHealth)

	// Cache stats
	mux.Handle("GET /stats", gzhttp.GzipHandler(http.HandlerFunc(s.handleStats)))

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Torrent files by info hash
	mux.Handle("GET /torrents/{info_hash}", s.timeoutMiddleware(s.torrents))
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	telemetry.SetCacheResult(r, telemetry.CacheNA)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

const msgStatsUnavailable = "Cache statistics unavailable"

type statsResponse struct {
	Entries   int                   `json:"entries"`
	TotalSize int64                 `json:"total_size"`
	Oldest    *time.Time            `json:"oldest_cached_at,omitempty"`
	Newest    *time.Time            `json:"newest_cached_at,omitempty"`
	Recent    []metadb.TorrentEntry `json:"recent"`
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.logger.Error("reading cache stats failed", "error", err)
		writePlain(w, http.StatusInternalServerError, msgStatsUnavailable)
		return
	}

	recent, err := s.cache.Recent(r.Context(), s.config.RecentLimit)
	if err != nil {
		s.logger.Error("listing recent torrents failed", "error", err)
		writePlain(w, http.StatusInternalServerError, msgStatsUnavailable)
		return
	}

	resp := statsResponse{
		Entries:   stats.Entries,
		TotalSize: stats.TotalSize,
		Recent:    recent,
	}
	if !stats.Oldest.IsZero() {
		resp.Oldest = &stats.Oldest
		resp.Newest = &stats.Newest
	}
	if resp.Recent == nil {
		resp.Recent = []metadb.TorrentEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// timeoutMiddleware bounds the request context by the configured request timeout.
// Handlers observe the deadline and answer 408 Request Timeout.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware emits one "http request" record per request and
// records the HTTP metrics. Handlers annotate the record through telemetry tags.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		r = telemetry.InjectTags(r)
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"status_class", telemetry.StatusClass(rw.status),
			"bytes_sent", rw.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		attrs = append(attrs, telemetry.GetTags(r).LogAttrs()...)

		level := slog.LevelInfo
		if rw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, rw.status, rw.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln through the slow client guard.
func (s *Server) Serve(ln net.Listener) error {
	ln = s.guard(ln)

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting server",
		"address", ln.Addr().String(),
		"cache_dir", s.config.CacheDir,
		"request_timeout", s.config.RequestTimeout,
		"resolve_timeout", s.config.ResolveTimeout,
	)

	if n, err := s.cache.Count(context.Background()); err == nil {
		s.logger.Info("cache ready", "torrents", n)
	}

	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server and closes the cache index.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	if cerr := s.index.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing cache index: %w", cerr)
	}
	return err
}

// Address returns the server's listen address, or the configured address
// before Serve is called.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// responseWriter captures the status code and byte count for the access log.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
