package types

// Message types carried in the Envelope.Type field. The backend understands
// init, exec-all, and exec-get; everything else flows the other way.
const (
	MsgInit         = "init"
	MsgInitFinished = "init-finished"
	MsgInitError    = "init-error"
	MsgExecAll      = "exec-all"
	MsgExecGet      = "exec-get"
	MsgExecFinished = "exec-finished"
	MsgExecError    = "exec-error"
	MsgDebug        = "debug"
)

// Envelope is the message frame exchanged on every channel between the
// foreground connections and the backend actor.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Mode selects the result shape of an exec request.
type Mode int

const (
	// ModeAll materializes every produced row.
	ModeAll Mode = iota
	// ModeGet materializes at most one row; absence is a nil row, never an
	// empty tuple.
	ModeGet
)

// MessageType returns the exec request type for the mode.
func (m Mode) MessageType() string {
	if m == ModeGet {
		return MsgExecGet
	}
	return MsgExecAll
}

// InitRequest asks the backend to open its storage. An empty Filename lets
// the backend pick its default. Destructive discards existing storage before
// reopening.
type InitRequest struct {
	Filename    string `json:"filename,omitempty"`
	Destructive bool   `json:"destructive,omitempty"`
}

// InitFinished reports a completed init handshake. Persistent is false when
// durable storage could not be opened and the backend fell back to transient
// storage; that degraded state is not an error.
type InitFinished struct {
	EngineVersion string `json:"engineVersion"`
	Filename      string `json:"filename"`
	Persistent    bool   `json:"persistent"`
}

// InitFailed reports that both durable and transient storage failed to open.
type InitFailed struct {
	Message string `json:"message"`
}

// ExecRequest carries one statement to the backend. ID is unique among
// in-flight requests; the correlator mints it and matches the reply on it.
type ExecRequest struct {
	ID     string  `json:"id"`
	SQL    string  `json:"sql"`
	Params []Value `json:"params"`
}

// ExecFinished is the success reply for an exec request. Columns is always
// present, possibly empty. Rows is set for exec-all; Row for exec-get, where
// nil marks absence.
type ExecFinished struct {
	ID      string    `json:"id"`
	Columns []string  `json:"columns"`
	Rows    [][]Value `json:"rows,omitempty"`
	Row     []Value   `json:"row,omitempty"`
}

// ExecFailed is the failure reply for an exec request.
type ExecFailed struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Debug is an unsolicited diagnostic event fanned out to every connection.
type Debug struct {
	Lines []string `json:"lines"`
}

// Result is the caller-facing shape of a completed exec request.
type Result struct {
	// Columns in declaration order; always non-nil, possibly empty.
	Columns []string
	// Rows for ModeAll requests.
	Rows [][]Value
	// Row for ModeGet requests; nil means no row matched.
	Row []Value
}

// ConnState is the lifecycle state of a backend session or foreground
// connection. A failed state is terminal until re-initialized, so callers
// can distinguish "failed" from "still connecting" and offer a retry.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateReady
	StateFailed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
