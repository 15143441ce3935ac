package backend

import (
	"fmt"

	"github.com/ntropish/larder/pkg/types"
)

// handleExec runs one statement and emits exactly one reply. Errors are
// statement-local: the actor and its database handle stay usable.
func (b *Backend) handleExec(env types.Envelope, mode types.Mode) {
	req, ok := env.Payload.(types.ExecRequest)
	if !ok {
		b.debugf("%s: malformed payload %T", env.Type, env.Payload)
		return
	}

	switch b.state {
	case types.StateConnecting:
		b.fail(req.ID, "backend not initialized")
		return
	case types.StateFailed:
		b.fail(req.ID, "backend failed to initialize")
		return
	}

	reply, execErr := b.execute(req, mode)
	if execErr != nil {
		b.emit(types.MsgExecError, types.ExecFailed{ID: req.ID, Error: execErr.Message})
		return
	}
	b.emit(types.MsgExecFinished, reply)
}

// execute runs the statement with fully scoped row resources: the row cursor
// is released on every exit path, success or failure.
func (b *Backend) execute(req types.ExecRequest, mode types.Mode) (types.ExecFinished, *types.ExecError) {
	args := make([]any, len(req.Params))
	for i, p := range req.Params {
		args[i] = p.Driver()
	}

	rows, err := b.db.Query(req.SQL, args...)
	if err != nil {
		return types.ExecFinished{}, &types.ExecError{RequestID: req.ID, Message: err.Error()}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return types.ExecFinished{}, &types.ExecError{RequestID: req.ID, Message: err.Error()}
	}
	reply := types.ExecFinished{ID: req.ID, Columns: cols}
	if cols == nil {
		reply.Columns = []string{}
	}

	// Zero columns means DDL/DML: the statement was stepped once by the
	// query above and produces no tuples.
	if len(cols) == 0 {
		if mode == types.ModeAll {
			reply.Rows = [][]types.Value{}
		}
		return reply, rowsErr(rows.Err(), req.ID)
	}

	switch mode {
	case types.ModeGet:
		if rows.Next() {
			row, err := scanRow(rows, len(cols))
			if err != nil {
				return types.ExecFinished{}, &types.ExecError{RequestID: req.ID, Message: err.Error()}
			}
			reply.Row = row
		}
		// Absent: reply.Row stays nil, never an empty tuple.
	default:
		reply.Rows = [][]types.Value{}
		for rows.Next() {
			row, err := scanRow(rows, len(cols))
			if err != nil {
				return types.ExecFinished{}, &types.ExecError{RequestID: req.ID, Message: err.Error()}
			}
			reply.Rows = append(reply.Rows, row)
		}
	}
	return reply, rowsErr(rows.Err(), req.ID)
}

// rowsErr folds a cursor error into an ExecError.
func rowsErr(err error, id string) *types.ExecError {
	if err != nil {
		return &types.ExecError{RequestID: id, Message: err.Error()}
	}
	return nil
}

// scanner is the subset of *sql.Rows used by scanRow.
type scanner interface {
	Scan(dest ...any) error
}

// scanRow reads the current row into the closed scalar variant.
func scanRow(rows scanner, n int) ([]types.Value, error) {
	raw := make([]any, n)
	ptrs := make([]any, n)
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make([]types.Value, n)
	for i, cell := range raw {
		v, err := types.FromAny(cell)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		row[i] = v
	}
	return row, nil
}

// fail emits an exec-error reply outside the execute path.
func (b *Backend) fail(id, msg string) {
	b.emit(types.MsgExecError, types.ExecFailed{ID: id, Error: msg})
}
