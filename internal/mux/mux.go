// Package mux presents one persistent backend to any number of independent
// foreground connections. Messages sent before the backend's init handshake
// completes are buffered per port in arrival order and flushed, in that
// order, the instant readiness is reached; after that they are forwarded
// immediately. Every backend event is fanned out to every registered port
// without inspecting payloads; correlation by request id happens only in the
// client.
package mux

import (
	"log/slog"
	"sync"

	"github.com/ntropish/larder/pkg/types"
)

// portBuffer sizes each port's delivery channel. Delivery is non-blocking:
// a port that stops draining simply stops receiving, and a dropped response
// surfaces at its caller as a request timeout. The buffer must therefore
// comfortably exceed a connection's outstanding-request count plus fanned-out
// responses for other connections and debug noise; a connection's receive
// loop drains continuously, so 128 leaves wide headroom.
const portBuffer = 128

// Mux fans messages between foreground ports and a single backend.
type Mux struct {
	to     chan<- types.Envelope
	from   <-chan types.Envelope
	logger *slog.Logger

	mu       sync.Mutex
	state    types.ConnState
	ports    map[int]*Port
	next     int
	flushing bool
	closed   bool

	// sendMu serializes writes to the backend inbox so no write can race a
	// shutdown of the inbox channel.
	sendMu sync.Mutex
	down   bool
}

// Port is one foreground connection's attachment to the mux.
type Port struct {
	id  int
	mux *Mux

	recv chan types.Envelope

	// queue holds messages sent before backend readiness, in send order.
	// Guarded by mux.mu.
	queue  []types.Envelope
	closed bool
}

// New wires a mux to the backend's inbox and event channels. Run must be
// started for events to flow.
func New(to chan<- types.Envelope, from <-chan types.Envelope, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Mux{
		to:     to,
		from:   from,
		logger: logger,
		state:  types.StateConnecting,
		ports:  make(map[int]*Port),
	}
}

// Run consumes backend events until the backend closes its event channel,
// then closes every port's delivery channel.
func (m *Mux) Run() {
	for env := range m.from {
		m.dispatch(env)
	}
	m.mu.Lock()
	m.closed = true
	for _, p := range m.ports {
		if !p.closed {
			p.closed = true
			close(p.recv)
		}
	}
	m.ports = make(map[int]*Port)
	m.mu.Unlock()
}

// dispatch updates readiness off the envelope type and fans the event out to
// every registered port.
func (m *Mux) dispatch(env types.Envelope) {
	m.mu.Lock()
	switch env.Type {
	case types.MsgInitFinished:
		m.state = types.StateReady
		m.beginFlushLocked()
	case types.MsgInitError:
		m.state = types.StateFailed
		// Queued messages are forwarded anyway; the failed backend answers
		// each with an error, so no pending caller is left waiting.
		m.beginFlushLocked()
	}
	// Fan out while still holding mu. Port.Close closes recv under the same
	// lock, so no delivery channel can be closed between the snapshot and
	// the send. The sends are non-blocking, so the hold is brief.
	for _, p := range m.ports {
		select {
		case p.recv <- env:
		default:
			m.logger.Warn("dropping event for saturated port", "port", p.id, "type", env.Type)
		}
	}
	m.mu.Unlock()
}

// beginFlushLocked starts draining the pre-readiness queues. The drain runs
// on its own goroutine so event dispatch never blocks behind a full backend
// inbox. Caller holds m.mu.
func (m *Mux) beginFlushLocked() {
	if m.flushing {
		return
	}
	m.flushing = true
	go m.flush()
}

// flush forwards queued messages one at a time until every port queue is
// empty, then reopens direct forwarding. Per-port order is preserved because
// new sends keep appending to their queue while the flush is in progress.
func (m *Mux) flush() {
	for {
		m.mu.Lock()
		var env types.Envelope
		found := false
		for _, p := range m.ports {
			if len(p.queue) > 0 {
				env = p.queue[0]
				p.queue = p.queue[1:]
				found = true
				break
			}
		}
		if !found {
			m.flushing = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.forward(env)
	}
}

// forward writes one envelope to the backend inbox unless the mux has been
// shut down.
func (m *Mux) forward(env types.Envelope) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if m.down {
		return
	}
	m.to <- env
}

// Shutdown stops all forwarding to the backend. Call before closing the
// backend inbox.
func (m *Mux) Shutdown() {
	m.sendMu.Lock()
	m.down = true
	m.sendMu.Unlock()
}

// State reports the mux's view of the backend handshake.
func (m *Mux) State() types.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Restart returns the mux to the connecting state ahead of a destructive
// re-init, so traffic queues again until the new handshake completes.
func (m *Mux) Restart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.state = types.StateConnecting
	}
}

// Connect registers a new port. Returns nil after the mux has shut down.
func (m *Mux) Connect() *Port {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	p := &Port{
		id:   m.next,
		mux:  m,
		recv: make(chan types.Envelope, portBuffer),
	}
	m.ports[p.id] = p
	m.next++
	return p
}

// Send forwards an envelope toward the backend, queueing it while the init
// handshake is outstanding or a flush is still draining. Init envelopes
// always pass through: the handshake itself cannot be gated on readiness.
func (p *Port) Send(env types.Envelope) error {
	m := p.mux
	m.mu.Lock()
	if p.closed {
		m.mu.Unlock()
		return types.ErrConnClosed
	}
	if env.Type != types.MsgInit && (m.state == types.StateConnecting || m.flushing) {
		p.queue = append(p.queue, env)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.forward(env)
	return nil
}

// Recv is the delivery channel for backend events. It is closed when the
// port or the mux shuts down.
func (p *Port) Recv() <-chan types.Envelope { return p.recv }

// Close detaches the port. Buffered unsent messages are discarded; the
// owning connection is responsible for rejecting its pending requests.
func (p *Port) Close() {
	m := p.mux
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.queue = nil
	delete(m.ports, p.id)
	close(p.recv)
}
