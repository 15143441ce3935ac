// Package migrate drives the deterministic startup sequence that brings the
// schema to the latest version and seeds a fresh database. The engine is a
// scripted client of the same request/response path every foreground caller
// uses; it holds no database handle of its own.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ntropish/larder/pkg/types"
)

//go:embed migrations/*.sql
var scriptsFS embed.FS

// StatementBreak separates individually executed statements inside a
// migration script. Scripts are not split on semicolons because literals may
// contain them.
const StatementBreak = "--> statement-breakpoint"

// migrationsTable holds the append-only migration records. A name's presence
// means the migration is skipped on future runs.
const (
	createMigrationsTable = `CREATE TABLE IF NOT EXISTS __migrations (
    name TEXT NOT NULL UNIQUE,
    applied_at TEXT NOT NULL
);`
	selectApplied   = `SELECT name FROM __migrations`
	insertMigration = `INSERT INTO __migrations (name, applied_at) VALUES (?, ?)`
)

// Client is the request path the engine executes statements on.
type Client interface {
	All(ctx context.Context, sql string, params ...types.Value) (types.Result, error)
	Get(ctx context.Context, sql string, params ...types.Value) (types.Result, error)
}

// Script is one named migration. Names carry a numeric prefix so
// lexicographic order equals authoring order.
type Script struct {
	Name string
	SQL  string
}

// SeedFunc populates a fresh database. Failures are logged, not fatal.
type SeedFunc func(ctx context.Context, c Client) error

// Engine applies the migration sequence.
type Engine struct {
	client  Client
	logger  *slog.Logger
	scripts []Script
	seed    SeedFunc
}

// New creates an engine over the embedded migration scripts with the
// built-in ingredient seed. A nil logger discards diagnostics.
func New(client Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		client: client,
		logger: logger,
		seed:   SeedIngredients,
	}
}

// WithScripts overrides the embedded migration list. Scripts must already be
// in name order.
func (e *Engine) WithScripts(scripts []Script) *Engine {
	e.scripts = scripts
	return e
}

// WithSeed overrides the seed step. A nil seed disables seeding.
func (e *Engine) WithSeed(seed SeedFunc) *Engine {
	e.seed = seed
	return e
}

// Run executes the startup sequence: ensure the record table, load the
// applied set, latch freshness, apply every not-yet-applied script, and seed
// iff the database was fresh. A mid-script failure aborts the whole run with
// a MigrationError; no partial-migration record is written. A second run
// against a migrated database performs only the applied-set query and never
// re-seeds.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.client.All(ctx, createMigrationsTable); err != nil {
		return &types.MigrationError{Name: "__migrations", Err: err}
	}

	applied, err := e.loadApplied(ctx)
	if err != nil {
		return &types.MigrationError{Name: "__migrations", Err: err}
	}

	// Freshness is fixed here, before any migration in this run is marked
	// applied.
	fresh := len(applied) == 0

	scripts := e.scripts
	if scripts == nil {
		scripts, err = EmbeddedScripts()
		if err != nil {
			return &types.MigrationError{Name: "embedded scripts", Err: err}
		}
	}

	ran := 0
	for _, script := range scripts {
		if applied[script.Name] {
			continue
		}
		if err := e.apply(ctx, script); err != nil {
			return err
		}
		ran++
	}
	if ran > 0 {
		e.logger.Info("migrations applied", "count", ran)
	}

	if fresh && e.seed != nil {
		if err := e.seed(ctx, e.client); err != nil {
			serr := &types.SeedError{Err: err}
			e.logger.Warn("seeding failed, continuing with unseeded database", "error", serr)
		}
	}
	return nil
}

// loadApplied queries the full set of previously applied migration names.
func (e *Engine) loadApplied(ctx context.Context) (map[string]bool, error) {
	res, err := e.client.All(ctx, selectApplied)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) > 0 {
			applied[row[0].Text()] = true
		}
	}
	return applied, nil
}

// apply executes every statement of one script in order, then appends its
// record. The record insert is parameterized even though the name is an
// internal constant.
func (e *Engine) apply(ctx context.Context, script Script) error {
	stmts := Split(script.SQL)
	for i, stmt := range stmts {
		if _, err := e.client.All(ctx, stmt); err != nil {
			return &types.MigrationError{Name: script.Name, Stmt: i, Err: err}
		}
	}
	appliedAt := time.Now().UTC().Format(time.RFC3339)
	if _, err := e.client.All(ctx, insertMigration, types.Text(script.Name), types.Text(appliedAt)); err != nil {
		return &types.MigrationError{Name: script.Name, Stmt: len(stmts), Err: fmt.Errorf("record migration: %w", err)}
	}
	e.logger.Debug("migration applied", "name", script.Name, "statements", len(stmts))
	return nil
}

// EmbeddedScripts loads the compiled-in migration scripts in lexicographic
// name order.
func EmbeddedScripts() ([]Script, error) {
	entries, err := scriptsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	scripts := make([]Script, 0, len(entries))
	for _, entry := range entries {
		data, err := scriptsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, Script{
			Name: strings.TrimSuffix(entry.Name(), ".sql"),
			SQL:  string(data),
		})
	}
	return scripts, nil
}

// Split cuts a script into individually executed statements at explicit
// break markers. Statements that are empty after trimming are dropped.
func Split(script string) []string {
	var stmts []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			stmts = append(stmts, s)
		}
		b.Reset()
	}
	for _, line := range strings.Split(script, "\n") {
		if strings.TrimSpace(line) == StatementBreak {
			flush()
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	flush()
	return stmts
}
