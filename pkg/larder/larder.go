// Package larder provides the public API for the embedded ingredient store:
// a session that owns the backend actor, the connection multiplexer, and the
// migration engine, and hands out foreground connections.
package larder

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ntropish/larder/internal/backend"
	"github.com/ntropish/larder/internal/client"
	"github.com/ntropish/larder/internal/migrate"
	"github.com/ntropish/larder/internal/mux"
	"github.com/ntropish/larder/pkg/types"
)

// Session is a running store: one backend actor, one multiplexer, and any
// number of foreground connections. Safe for concurrent use.
type Session struct {
	cfg     types.Config
	logger  *slog.Logger
	backend *backend.Backend
	mux     *mux.Mux
	conn    *client.Conn

	mu     sync.Mutex
	state  types.ConnState
	info   types.InitFinished
	conns  []*client.Conn
	closed bool

	wg sync.WaitGroup
}

// Option tunes a session.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes session diagnostics to the given logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open starts the backend actor, performs the init handshake, and runs the
// migration engine. The session is ready only after migrations (and
// best-effort seeding) complete. An init failure is returned as *InitError,
// a migration failure as *MigrationError; in both cases the session is torn
// down and the caller may retry with a fresh Open.
func Open(ctx context.Context, cfg types.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	b := backend.New(cfg.DataDir, o.logger)
	m := mux.New(b.Inbox(), b.Events(), o.logger)

	s := &Session{
		cfg:     cfg,
		logger:  o.logger,
		backend: b,
		mux:     m,
		state:   types.StateConnecting,
	}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); b.Run() }()
	go func() { defer s.wg.Done(); m.Run() }()

	s.conn = client.Dial(m.Connect(), client.Options{Timeout: cfg.Timeout, Logger: o.logger})
	s.conns = []*client.Conn{s.conn}

	info, err := s.conn.Init(ctx, types.InitRequest{Filename: cfg.Filename, Destructive: cfg.Destructive})
	if err != nil {
		s.shutdown()
		return nil, err
	}
	if err := migrate.New(s.conn, o.logger).Run(ctx); err != nil {
		s.shutdown()
		return nil, err
	}

	s.mu.Lock()
	s.info = info
	s.state = types.StateReady
	s.mu.Unlock()
	return s, nil
}

// Connect opens an additional foreground connection multiplexed onto the
// same backend. The caller must Close it when done.
func (s *Session) Connect() (*client.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, types.ErrConnClosed
	}
	port := s.mux.Connect()
	if port == nil {
		return nil, types.ErrConnClosed
	}
	c := client.Dial(port, client.Options{Timeout: s.cfg.Timeout, Logger: s.logger})
	s.conns = append(s.conns, c)
	return c, nil
}

// All runs a statement on the session's own connection, materializing every
// produced row.
func (s *Session) All(ctx context.Context, sql string, params ...types.Value) (types.Result, error) {
	return s.conn.All(ctx, sql, params...)
}

// Get runs a statement on the session's own connection, materializing at
// most one row.
func (s *Session) Get(ctx context.Context, sql string, params ...types.Value) (types.Result, error) {
	return s.conn.Get(ctx, sql, params...)
}

// Info returns the init handshake result for the current generation.
func (s *Session) Info() types.InitFinished {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Persistent reports whether the store survived to durable storage.
func (s *Session) Persistent() bool { return s.Info().Persistent }

// State reports the session lifecycle state. Ready is reached only after
// migrations complete, so a caller can tell "failed" from "still
// initializing".
func (s *Session) State() types.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reset restores a first-boot-equivalent state — clean schema, migrated,
// seeded — without tearing the session down: the backend performs a
// destructive init in place and the migration engine runs again. Every
// request pending at the moment of reset is rejected with
// ErrConnectionReset, and every pending map is cleared so no response from
// the previous generation can reach a post-reset caller.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.ErrConnClosed
	}
	s.state = types.StateConnecting
	conns := make([]*client.Conn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	// Queue new traffic behind the upcoming handshake, then orphan the old
	// generation's pending requests.
	s.mux.Restart()
	for _, c := range conns {
		c.Reset()
	}

	info, err := s.conn.Init(ctx, types.InitRequest{Filename: s.cfg.Filename, Destructive: true})
	if err != nil {
		s.setFailed()
		return err
	}
	if err := migrate.New(s.conn, s.logger).Run(ctx); err != nil {
		s.setFailed()
		return err
	}

	s.mu.Lock()
	s.info = info
	s.state = types.StateReady
	s.mu.Unlock()
	return nil
}

func (s *Session) setFailed() {
	s.mu.Lock()
	s.state = types.StateFailed
	s.mu.Unlock()
}

// Close tears down every connection, stops the multiplexer and the backend
// actor, and waits for both to exit. Pending requests are rejected with
// ErrConnectionReset. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = types.StateFailed
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.mux.Shutdown()
	s.backend.Close()
	s.wg.Wait()
	return nil
}

// shutdown aborts a half-open session during Open.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.state = types.StateFailed
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	s.mux.Shutdown()
	s.backend.Close()
	s.wg.Wait()
}
