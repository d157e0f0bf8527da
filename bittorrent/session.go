package bittorrent

import (
	"context"
	"log/slog"
	"sync"
)

// Session is the process-wide handle to a BitTorrent engine. It is created
// once at startup, passed explicitly to resolvers and closed at shutdown.
type Session struct {
	engine Engine

	mu     sync.RWMutex
	closed bool
}

// NewSession wraps an engine in a session.
func NewSession(engine Engine) *Session {
	return &Session{engine: engine}
}

// OpenSession starts an anacrolix engine and wraps it in a session.
func OpenSession(cfg ClientConfig, logger *slog.Logger) (*Session, error) {
	engine, err := NewAnacrolixEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewSession(engine), nil
}

// addListOnly forwards to the engine unless the session is unusable.
func (s *Session) addListOnly(ctx context.Context, magnet string) (*Added, error) {
	if s == nil || s.engine == nil {
		return nil, ErrNoSession
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrNoSession
	}

	return s.engine.AddListOnly(ctx, magnet)
}

// Close closes the engine. Later resolutions fail with ErrNoSession.
func (s *Session) Close() error {
	if s == nil || s.engine == nil {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.engine.Close()
}
