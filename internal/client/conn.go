// Package client implements the foreground side of the backend protocol:
// a connection that mints request ids, tracks pending completions, and
// resolves each exactly once when the matching response arrives.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ntropish/larder/pkg/types"
)

// Transport is the connection's attachment to the multiplexer.
// *mux.Port satisfies it.
type Transport interface {
	Send(types.Envelope) error
	Recv() <-chan types.Envelope
	Close()
}

// completion resolves one pending request. The channel is buffered so the
// receive loop never blocks on a caller.
type completion struct {
	ch chan outcome
}

type outcome struct {
	reply types.ExecFinished
	err   error
}

// Conn is one foreground connection. It is safe for concurrent use.
type Conn struct {
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	state    types.ConnState
	pending  map[string]completion
	initWait chan outcomeInit
	closed   bool

	done chan struct{}
}

type outcomeInit struct {
	info types.InitFinished
	err  error
}

// Options tunes a connection.
type Options struct {
	// Timeout bounds the wait for each request; zero selects
	// types.DefaultTimeout.
	Timeout time.Duration
	// Logger receives debug diagnostics; nil discards them.
	Logger *slog.Logger
}

// Dial attaches a connection to a transport and starts its receive loop.
func Dial(t Transport, opts Options) *Conn {
	if opts.Timeout == 0 {
		opts.Timeout = types.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	c := &Conn{
		transport: t,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		state:     types.StateConnecting,
		pending:   make(map[string]completion),
		done:      make(chan struct{}),
	}
	go c.receive()
	return c
}

// receive dispatches backend events until the transport closes, then rejects
// whatever is still pending: an orphaned completion must be rejected, never
// silently dropped.
func (c *Conn) receive() {
	for env := range c.transport.Recv() {
		switch env.Type {
		case types.MsgExecFinished:
			reply, ok := env.Payload.(types.ExecFinished)
			if !ok {
				continue
			}
			c.resolve(reply.ID, outcome{reply: reply})
		case types.MsgExecError:
			reply, ok := env.Payload.(types.ExecFailed)
			if !ok {
				continue
			}
			c.resolve(reply.ID, outcome{err: &types.ExecError{RequestID: reply.ID, Message: reply.Error}})
		case types.MsgInitFinished:
			info, ok := env.Payload.(types.InitFinished)
			if !ok {
				continue
			}
			c.finishInit(outcomeInit{info: info})
		case types.MsgInitError:
			fail, ok := env.Payload.(types.InitFailed)
			if !ok {
				continue
			}
			c.finishInit(outcomeInit{err: &types.InitError{Message: fail.Message}})
		case types.MsgDebug:
			if d, ok := env.Payload.(types.Debug); ok {
				for _, line := range d.Lines {
					c.logger.Debug("backend: " + line)
				}
			}
		}
	}
	c.teardown()
}

// resolve completes the pending request with the given id exactly once.
// A response with no matching entry (already resolved, timed out, or from a
// previous generation) is ignored.
func (c *Conn) resolve(id string, out outcome) {
	c.mu.Lock()
	comp, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		comp.ch <- out
	}
}

// finishInit records the new session state and wakes an Init caller if one
// is waiting. Every connection sees init events because they are fanned out;
// only the initiator consumes the wait channel.
func (c *Conn) finishInit(out outcomeInit) {
	c.mu.Lock()
	if out.err != nil {
		c.state = types.StateFailed
	} else {
		c.state = types.StateReady
	}
	wait := c.initWait
	c.initWait = nil
	c.mu.Unlock()
	if wait != nil {
		wait <- out
	}
}

// Init performs the storage handshake and waits for its completion. Only one
// handshake may be outstanding per connection; an overlapping call is
// rejected with ErrInitPending rather than orphaning the first waiter.
func (c *Conn) Init(ctx context.Context, req types.InitRequest) (types.InitFinished, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.InitFinished{}, types.ErrConnClosed
	}
	if c.initWait != nil {
		c.mu.Unlock()
		return types.InitFinished{}, types.ErrInitPending
	}
	wait := make(chan outcomeInit, 1)
	c.initWait = wait
	c.state = types.StateConnecting
	c.mu.Unlock()

	if err := c.transport.Send(types.Envelope{Type: types.MsgInit, Payload: req}); err != nil {
		c.forgetInit(wait)
		return types.InitFinished{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case out := <-wait:
		return out.info, out.err
	case <-ctx.Done():
		c.forgetInit(wait)
		return types.InitFinished{}, ctx.Err()
	case <-timer.C:
		c.forgetInit(wait)
		return types.InitFinished{}, fmt.Errorf("init: %w", types.ErrRequestTimeout)
	case <-c.done:
		return types.InitFinished{}, types.ErrConnectionReset
	}
}

// forgetInit abandons the handshake waiter so a later Init is not blocked by
// an abandoned one. Cleared only if it is still the registered waiter.
func (c *Conn) forgetInit(wait chan outcomeInit) {
	c.mu.Lock()
	if c.initWait == wait {
		c.initWait = nil
	}
	c.mu.Unlock()
}

// All runs a statement and materializes every produced row.
func (c *Conn) All(ctx context.Context, sql string, params ...types.Value) (types.Result, error) {
	return c.send(ctx, sql, params, types.ModeAll)
}

// Get runs a statement and materializes at most one row. Result.Row is nil
// when no row matched.
func (c *Conn) Get(ctx context.Context, sql string, params ...types.Value) (types.Result, error) {
	return c.send(ctx, sql, params, types.ModeGet)
}

// send registers a pending completion under a fresh time-ordered id,
// transmits the request, and awaits the matching response. The wait is
// bounded: a stalled backend rejects the call locally with
// ErrRequestTimeout while the entry is removed, so a late response is
// discarded rather than delivered.
func (c *Conn) send(ctx context.Context, sql string, params []types.Value, mode types.Mode) (types.Result, error) {
	id := newRequestID()
	comp := completion{ch: make(chan outcome, 1)}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return types.Result{}, types.ErrConnClosed
	case c.state == types.StateFailed:
		c.mu.Unlock()
		return types.Result{}, types.ErrBackendFailed
	}
	c.pending[id] = comp
	c.mu.Unlock()

	env := types.Envelope{
		Type:    mode.MessageType(),
		Payload: types.ExecRequest{ID: id, SQL: sql, Params: params},
	}
	if err := c.transport.Send(env); err != nil {
		c.forget(id)
		return types.Result{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case out := <-comp.ch:
		if out.err != nil {
			return types.Result{}, out.err
		}
		return types.Result{
			Columns: out.reply.Columns,
			Rows:    out.reply.Rows,
			Row:     out.reply.Row,
		}, nil
	case <-ctx.Done():
		c.forget(id)
		return types.Result{}, ctx.Err()
	case <-timer.C:
		c.forget(id)
		return types.Result{}, fmt.Errorf("request %s: %w", id, types.ErrRequestTimeout)
	case <-c.done:
		return types.Result{}, types.ErrConnectionReset
	}
}

// forget abandons a pending request. The backend may still complete the
// work; its response then finds no entry and is discarded.
func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// State reports the connection's lifecycle state.
func (c *Conn) State() types.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset rejects every pending request with ErrConnectionReset and clears the
// pending map, so no response issued before the reset can reach a caller
// that sends after it. The connection itself stays usable.
func (c *Conn) Reset() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]completion)
	c.state = types.StateConnecting
	c.mu.Unlock()
	for _, comp := range pending {
		comp.ch <- outcome{err: types.ErrConnectionReset}
	}
}

// Close tears the connection down, rejecting every pending request with
// ErrConnectionReset. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.transport.Close()
	// teardown runs from the receive loop once the transport channel closes.
}

// teardown rejects all remaining pending requests after the transport has
// closed.
func (c *Conn) teardown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
	}
	pending := c.pending
	c.pending = make(map[string]completion)
	initWait := c.initWait
	c.initWait = nil
	c.mu.Unlock()

	for _, comp := range pending {
		comp.ch <- outcome{err: types.ErrConnectionReset}
	}
	if initWait != nil {
		initWait <- outcomeInit{err: types.ErrConnectionReset}
	}
	close(c.done)
}

// newRequestID mints a time-ordered unique request id. UUIDv7 keeps ids
// sortable by send time; the random v4 fallback still guarantees
// uniqueness.
func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
