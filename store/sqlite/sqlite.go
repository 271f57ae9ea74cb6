// Package sqlite implements stepflow.Store over a local SQLite file
// using the pure-Go driver, so the engine runs with zero CGO.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nevindra/stepflow"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs when it is opened (with the path) and when Init
// runs (with its duration); other operations are not logged. If not set,
// no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements stepflow.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	stmts map[uint64]*sql.Stmt
}

var _ stepflow.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open opens (creating if absent) a SQLite database at dbPath. It holds
// a single shared connection with SetMaxOpenConns(1) so concurrent
// executions serialize through one connection rather than colliding with
// SQLITE_BUSY errors from independently-opened writer connections; since
// step-transition writes are small and the engine is I/O-, not CPU-,
// bound, this is not a meaningful throughput ceiling for an embedded
// store.
func Open(dbPath string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: nopLogger, stmts: make(map[uint64]*sql.Stmt)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s, nil
}

// Init creates every required table and index, and enables WAL mode and
// foreign-key enforcement.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite: pragma %q: %w", p, err)
		}
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			name TEXT PRIMARY KEY,
			version TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			input_schema TEXT,
			output_schema TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			metadata TEXT,
			started_at INTEGER,
			completed_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_name_status_created
			ON workflow_executions(workflow_name, status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status
			ON workflow_executions(status)`,
		`CREATE TABLE IF NOT EXISTS step_executions (
			execution_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			attempt INTEGER NOT NULL DEFAULT 1,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			started_at INTEGER,
			completed_at INTEGER,
			PRIMARY KEY (execution_id, step_name),
			FOREIGN KEY (execution_id) REFERENCES workflow_executions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS circuit_breaker_state (
			name TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			failure_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			last_failure_at INTEGER,
			next_attempt_at INTEGER
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: create schema: %w", err)
		}
	}

	s.logger.Debug("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the underlying connection and any cached prepared
// statements.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, stmt := range s.stmts {
		_ = stmt.Close()
	}
	s.mu.Unlock()
	return s.db.Close()
}

// prepare returns a cached *sql.Stmt for query, compiling and caching it
// on first use. Statements are keyed by an xxhash of the exact SQL text
// rather than the string itself, so queries that differ only in
// whitespace get separate cache entries.
func (s *Store) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	key := xxhash.Sum64String(query)

	s.mu.Lock()
	if stmt, ok := s.stmts[key]; ok {
		s.mu.Unlock()
		return stmt, nil
	}
	s.mu.Unlock()

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.stmts[key]; ok {
		s.mu.Unlock()
		_ = stmt.Close()
		return existing, nil
	}
	s.stmts[key] = stmt
	s.mu.Unlock()
	return stmt, nil
}

func marshalPayload(p stepflow.Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func unmarshalPayload(data []byte) (stepflow.Payload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p stepflow.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func toUnixMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromUnixMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
