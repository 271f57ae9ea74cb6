// Package postgres implements stepflow.Store over PostgreSQL via pgx,
// for deployments that outgrow a single SQLite file. It has no vector or
// full-text concerns; the schema is the same four tables as the SQLite
// store, in Postgres DDL.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/stepflow"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When not set,
// nothing is logged.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithMaxConns caps the pool's maximum open connections.
func WithMaxConns(n int32) StoreOption {
	return func(s *Store) { s.maxConns = n }
}

// Store implements stepflow.Store backed by PostgreSQL.
type Store struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	maxConns int32
	ownsPool bool
}

var _ stepflow.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open creates and connects a pgxpool.Pool for dsn and wraps it in a
// Store. The Store owns the pool and closes it in Close.
func Open(ctx context.Context, dsn string, opts ...StoreOption) (*Store, error) {
	s := &Store{logger: nopLogger}
	for _, o := range opts {
		o(s)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if s.maxConns > 0 {
		cfg.MaxConns = s.maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s.pool = pool
	s.ownsPool = true
	s.logger.Debug("postgres: store opened")
	return s, nil
}

// New wraps an already-connected pool, for callers that manage pool
// lifecycle themselves (e.g. sharing one pool across stores). The caller
// remains responsible for closing pool; Store.Close is then a no-op.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger, ownsPool: false}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("postgres: init started")

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			name TEXT PRIMARY KEY,
			version TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			input_schema JSONB,
			output_schema JSONB,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input JSONB,
			output JSONB,
			error JSONB,
			metadata JSONB,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_name_status_created
			ON workflow_executions(workflow_name, status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status)`,
		`CREATE TABLE IF NOT EXISTS step_executions (
			execution_id TEXT NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
			step_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input JSONB,
			output JSONB,
			error JSONB,
			attempt INTEGER NOT NULL DEFAULT 1,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (execution_id, step_name)
		)`,
		`CREATE TABLE IF NOT EXISTS circuit_breaker_state (
			name TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			failure_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			last_failure_at TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: create schema: %w", err)
		}
	}

	s.logger.Debug("postgres: init completed", "duration", time.Since(start))
	return nil
}

func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
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

// isNoRows reports whether err is pgx's no-rows sentinel, the Postgres
// analogue of sql.ErrNoRows.
func isNoRows(err error) bool {
	return err == pgx.ErrNoRows
}
