// Package backend implements the actor that exclusively owns the embedded
// SQLite instance. The actor drains a single inbox channel and handles one
// envelope to completion at a time, so statement execution is serialized by
// construction: no other goroutine ever touches the database handle.
package backend

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ntropish/larder/pkg/types"
)

// queueSize buffers the inbox and event channels so senders rarely block on
// the actor's pace.
const queueSize = 64

// Backend owns the embedded database. Create with New, start the actor with
// Run (usually on its own goroutine), feed it through Inbox, and consume
// replies and diagnostics from Events. Closing the inbox via Close shuts the
// actor down and releases the database.
type Backend struct {
	dataDir string
	logger  *slog.Logger

	inbox  chan types.Envelope
	events chan types.Envelope

	// Actor-owned state below; touched only from Run's goroutine.
	state   types.ConnState
	db      *sql.DB
	session types.InitFinished
	path    string // durable file path, empty when transient
}

// New creates a backend rooted at dataDir. A nil logger discards diagnostics.
func New(dataDir string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{
		dataDir: dataDir,
		logger:  logger,
		inbox:   make(chan types.Envelope, queueSize),
		events:  make(chan types.Envelope, queueSize),
		state:   types.StateConnecting,
	}
}

// Inbox is the channel requests are sent on.
func (b *Backend) Inbox() chan<- types.Envelope { return b.inbox }

// Events is the channel responses and unsolicited diagnostics arrive on.
// It is closed after the actor stops.
func (b *Backend) Events() <-chan types.Envelope { return b.events }

// Close stops the actor after it drains the inbox. Safe to call once.
func (b *Backend) Close() { close(b.inbox) }

// Run executes the actor loop until the inbox is closed, then releases the
// database and closes the event channel.
func (b *Backend) Run() {
	for env := range b.inbox {
		b.handle(env)
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			b.logger.Warn("closing database", "error", err)
		}
		b.db = nil
	}
	close(b.events)
}

// handle dispatches one envelope against the current state. Statement-level
// failures become exec-error replies; they never stop the actor.
func (b *Backend) handle(env types.Envelope) {
	switch env.Type {
	case types.MsgInit:
		req, ok := env.Payload.(types.InitRequest)
		if !ok {
			b.debugf("init: malformed payload %T", env.Payload)
			return
		}
		b.handleInit(req)
	case types.MsgExecAll:
		b.handleExec(env, types.ModeAll)
	case types.MsgExecGet:
		b.handleExec(env, types.ModeGet)
	default:
		b.debugf("unknown message type %q", env.Type)
	}
}

// handleInit opens storage. Durable storage is attempted first; any failure
// falls back to transient storage and still succeeds, with Persistent=false.
// Only a transient failure on top of a durable failure is an init error.
// A repeated init on a ready backend returns the current session unchanged
// unless the request is destructive.
func (b *Backend) handleInit(req types.InitRequest) {
	if b.state == types.StateReady && !req.Destructive {
		b.emit(types.MsgInitFinished, b.session)
		return
	}

	if b.db != nil {
		if err := b.db.Close(); err != nil {
			b.logger.Warn("closing database", "error", err)
		}
		b.db = nil
	}
	if req.Destructive && b.path != "" {
		b.discardStorage(b.path)
	}

	filename := req.Filename
	if filename == "" {
		filename = types.DefaultFilename
	}

	db, resolved, persistent, err := b.open(filename)
	if err != nil {
		b.state = types.StateFailed
		b.emit(types.MsgInitError, types.InitFailed{Message: err.Error()})
		return
	}

	version, err := engineVersion(db)
	if err != nil {
		db.Close()
		b.state = types.StateFailed
		b.emit(types.MsgInitError, types.InitFailed{Message: fmt.Sprintf("query engine version: %v", err)})
		return
	}

	b.db = db
	b.state = types.StateReady
	if persistent {
		b.path = resolved
	} else {
		b.path = ""
	}
	b.session = types.InitFinished{
		EngineVersion: version,
		Filename:      resolved,
		Persistent:    persistent,
	}
	b.emit(types.MsgInitFinished, b.session)
}

// open attempts durable storage under the data directory, falling back to
// transient storage. The returned handle is capped at one connection so the
// single storage handle stays exclusively owned by this actor.
func (b *Backend) open(filename string) (db *sql.DB, resolved string, persistent bool, err error) {
	path := filepath.Join(b.dataDir, filename)
	db, err = openAt(path, b.dataDir)
	if err == nil {
		return db, path, true, nil
	}

	b.debugf("durable storage unavailable at %s: %v; falling back to transient storage", path, err)
	b.logger.Warn("falling back to transient storage", "path", path, "error", err)

	db, merr := openAt(transientPath, "")
	if merr != nil {
		return nil, "", false, fmt.Errorf("durable storage failed (%v) and transient storage failed (%v)", err, merr)
	}
	return db, transientPath, false, nil
}

const transientPath = ":memory:"

// openAt opens and verifies one SQLite handle.
func openAt(path, dir string) (*sql.DB, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// discardStorage removes the database file and its sidecar journals.
func (b *Backend) discardStorage(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			b.logger.Warn("discarding storage", "path", p, "error", err)
		}
	}
}

// engineVersion reports the embedded engine's version string.
func engineVersion(db *sql.DB) (string, error) {
	var v string
	err := db.QueryRow("SELECT sqlite_version()").Scan(&v)
	return v, err
}

// emit publishes one event. The event channel is buffered; if a slow
// consumer fills it the actor blocks rather than dropping a response, since
// dropped responses would orphan pending requests.
func (b *Backend) emit(msgType string, payload any) {
	b.events <- types.Envelope{Type: msgType, Payload: payload}
}

// debugf publishes an unsolicited diagnostic event.
func (b *Backend) debugf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	b.logger.Debug(line)
	b.emit(types.MsgDebug, types.Debug{Lines: []string{line}})
}
