// Command hash2torrent serves torrent files for BitTorrent v1 info hashes,
// fetching the metadata from the swarm on first request and caching it on disk.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/hash2torrent/bittorrent"
	"github.com/wolfeidau/hash2torrent/server"
	"github.com/wolfeidau/hash2torrent/telemetry"
)

var version = "dev"

type cli struct {
	Config kong.ConfigFlag `help:"JSON configuration file. Keys are flag names with underscores, e.g. cache_dir."`

	Address   string `help:"Address to listen on." default:"127.0.0.1:3000"`
	CacheDir  string `help:"Directory holding cached torrent files." default:"./storage/torrents"`
	IndexPath string `help:"Cache index database (default: index.db next to the cache dir)."`
	AuthToken string `help:"Require this Bearer token on torrent and stats requests."`

	SessionDir       string `help:"BitTorrent session directory." default:"./storage/session"`
	ListenPort       int    `help:"BitTorrent peer listen port (0 picks a random port)." default:"0"`
	NoDHT            bool   `name:"no-dht" help:"Disable the mainline DHT."`
	DisableTrackers  bool   `help:"Do not announce to trackers."`
	NoPortForwarding bool   `help:"Do not map the listen port with UPnP or NAT-PMP."`

	RequestTimeout    time.Duration `help:"Per-request deadline for the torrent pipeline." default:"10s"`
	ResolveTimeout    time.Duration `help:"Deadline for a single metadata resolution." default:"60s"`
	ResolveRate       float64       `help:"New resolutions allowed per second (0 disables the cap)." default:"0"`
	ResolveBurst      int           `help:"Burst allowed above the resolve rate." default:"1"`
	HeaderReadTimeout time.Duration `help:"Time a client has to send complete request headers." default:"1s"`
	IdleTimeout       time.Duration `help:"Keep-alive idle timeout." default:"1s"`
	MaxConns          int           `help:"Maximum simultaneous connections (0 is unlimited)." default:"0"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	MetricsPrometheus bool   `help:"Serve Prometheus metrics on /metrics."`
	OTLPEndpoint      string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export."`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("hash2torrent"),
		kong.Description("Serve torrent files for BitTorrent info hashes."),
		kong.DefaultEnvars("HASH2TORRENT"),
		kong.Configuration(kong.JSON),
		kong.UsageOnError(),
	)

	if err := run(c); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c cli) error {
	logger, err := newLogger(c.LogLevel, c.LogFormat, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}

	logger.Info("creating BitTorrent client session", "session_dir", c.SessionDir)
	session, err := bittorrent.OpenSession(bittorrent.ClientConfig{
		DataDir:          c.SessionDir,
		ListenPort:       c.ListenPort,
		NoDHT:            c.NoDHT,
		DisableTrackers:  c.DisableTrackers,
		NoPortForwarding: c.NoPortForwarding,
	}, logger.With("component", "bittorrent"))
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:           c.Address,
		CacheDir:          c.CacheDir,
		IndexPath:         c.IndexPath,
		Session:           session,
		RequestTimeout:    c.RequestTimeout,
		ResolveTimeout:    c.ResolveTimeout,
		ResolveRate:       c.ResolveRate,
		ResolveBurst:      c.ResolveBurst,
		HeaderReadTimeout: c.HeaderReadTimeout,
		IdleTimeout:       c.IdleTimeout,
		MaxConns:          c.MaxConns,
		AuthToken:         c.AuthToken,
		Logger:            logger,
	})
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("server started", "url", fmt.Sprintf("http://%s", c.Address))

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return errors.Join(
		serveErr,
		srv.Shutdown(shutdownCtx),
		session.Close(),
		shutdownMetrics(shutdownCtx),
	)
}

// newLogger builds the process logger: tint for text, slog JSON otherwise.
func newLogger(level, format string, w *os.File) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: "15:04:05.000",
			NoColor:    !isTerminal(w),
		})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
