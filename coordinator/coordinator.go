// Package coordinator deduplicates concurrent resolutions of the same info
// hash. When several requests miss the cache for one hash, only one of them
// queries the BitTorrent network and all of them receive its outcome.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	hash2torrent "github.com/wolfeidau/hash2torrent"
	"github.com/wolfeidau/hash2torrent/bittorrent"
	"github.com/wolfeidau/hash2torrent/telemetry"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ResolveFunc resolves ih. The context passed to it is detached from any
// single request so that one caller timing out does not cancel the
// resolution for other waiters.
type ResolveFunc func(ctx context.Context, ih hash2torrent.InfoHash) (*bittorrent.Result, error)

// Coordinator runs at most one ResolveFunc per info hash at a time using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight resolution for others.
type Coordinator struct {
	group   singleflight.Group
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for the coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithTimeout bounds each resolution. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// WithRateLimit caps how many new resolutions start per second. Callers
// joining an in-flight resolution are not limited.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Coordinator) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// New creates a new Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "coordinator")
	return c
}

// ResolveOnce joins or starts the resolution for ih.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the resolution completes,
// ResolveOnce returns the context error but the resolution continues for
// other waiters. Once it completes, the next call for ih starts afresh.
func (c *Coordinator) ResolveOnce(ctx context.Context, ih hash2torrent.InfoHash, fn ResolveFunc) (*bittorrent.Result, bool, error) {
	ch := c.group.DoChan(ih.String(), func() (any, error) {
		rctx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(rctx, c.timeout)
			defer cancel()
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(rctx); err != nil {
				return nil, fmt.Errorf("waiting to start resolution: %w", err)
			}
		}

		c.logger.Debug("starting resolution", "info_hash", ih.String())
		return fn(rctx, ih)
	})

	select {
	case res := <-ch:
		telemetry.RecordResolutionWaiter(ctx, res.Shared)
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*bittorrent.Result), res.Shared, nil
	case <-ctx.Done():
		c.logger.Debug("caller stopped waiting for resolution", "info_hash", ih.String(), "error", ctx.Err())
		return nil, false, ctx.Err()
	}
}
