package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the protocol stack.
var (
	// ErrConnectionReset rejects a pending request whose connection was torn
	// down or reset before a matching response arrived.
	ErrConnectionReset = errors.New("connection reset")

	// ErrRequestTimeout rejects a request whose bounded wait elapsed with no
	// response from the backend.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnClosed is returned by operations on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrBackendFailed is returned by operations on a session whose backend
	// failed to initialize.
	ErrBackendFailed = errors.New("backend failed to initialize")

	// ErrInitPending rejects an Init issued while another Init handshake on
	// the same connection is still outstanding.
	ErrInitPending = errors.New("init already in progress")

	// ErrValueKind rejects a parameter or cell outside the closed scalar
	// variant.
	ErrValueKind = errors.New("unsupported value kind")
)

// InitError reports that storage could not be opened at all: durable storage
// failed and so did the transient fallback.
type InitError struct {
	Message string
	Err     error
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("init: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("init: %s", e.Message)
}

func (e *InitError) Unwrap() error { return e.Err }

// ExecError is a statement-level failure: syntax, constraint, or type
// mismatch. It is local to one request and never corrupts backend state.
type ExecError struct {
	RequestID string
	Message   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("exec %s: %s", e.RequestID, e.Message)
}

// MigrationError aborts a migration run. It is fatal to initialization: the
// caller must not serve queries against a partially migrated schema.
type MigrationError struct {
	Name string // migration script name
	Stmt int    // zero-based index of the failing statement within the script
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s statement %d: %v", e.Name, e.Stmt, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// SeedError wraps a failed seed step. Seeding is best-effort: a correctly
// migrated but unseeded database is an acceptable end state, so this error
// is logged, never fatal.
type SeedError struct {
	Err error
}

func (e *SeedError) Error() string { return fmt.Sprintf("seed: %v", e.Err) }

func (e *SeedError) Unwrap() error { return e.Err }
