package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nevindra/stepflow"
)

func (s *Store) GetOrCreateBreaker(ctx context.Context, name string) (stepflow.CircuitBreakerRecord, error) {
	rec, err := s.getBreaker(ctx, name)
	if err == nil {
		return rec, nil
	}
	if err != stepflow.ErrStoreNotFound {
		return stepflow.CircuitBreakerRecord{}, err
	}

	stmt, err := s.prepare(ctx, `
		INSERT INTO circuit_breaker_state (name, state, failure_count, success_count)
		VALUES (?, ?, 0, 0)
		ON CONFLICT(name) DO NOTHING`)
	if err != nil {
		return stepflow.CircuitBreakerRecord{}, fmt.Errorf("sqlite: prepare create breaker: %w", err)
	}
	if _, err := stmt.ExecContext(ctx, name, string(stepflow.BreakerClosed)); err != nil {
		return stepflow.CircuitBreakerRecord{}, fmt.Errorf("sqlite: create breaker: %w", err)
	}
	return s.getBreaker(ctx, name)
}

func (s *Store) getBreaker(ctx context.Context, name string) (stepflow.CircuitBreakerRecord, error) {
	stmt, err := s.prepare(ctx, `
		SELECT name, state, failure_count, success_count, last_failure_at, next_attempt_at
		FROM circuit_breaker_state WHERE name = ?`)
	if err != nil {
		return stepflow.CircuitBreakerRecord{}, fmt.Errorf("sqlite: prepare get breaker: %w", err)
	}

	row := stmt.QueryRowContext(ctx, name)
	rec, err := scanBreaker(row.Scan)
	if err == sql.ErrNoRows {
		return stepflow.CircuitBreakerRecord{}, stepflow.ErrStoreNotFound
	}
	if err != nil {
		return stepflow.CircuitBreakerRecord{}, fmt.Errorf("sqlite: get breaker: %w", err)
	}
	return rec, nil
}

func (s *Store) UpdateBreaker(ctx context.Context, b stepflow.CircuitBreakerRecord) error {
	stmt, err := s.prepare(ctx, `
		UPDATE circuit_breaker_state
		SET state = ?, failure_count = ?, success_count = ?, last_failure_at = ?, next_attempt_at = ?
		WHERE name = ?`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare update breaker: %w", err)
	}

	_, err = stmt.ExecContext(ctx, string(b.State), b.FailureCount, b.SuccessCount,
		toUnixMs(b.LastFailureAt), toUnixMs(b.NextAttemptAt), b.Name)
	if err != nil {
		return fmt.Errorf("sqlite: update breaker: %w", err)
	}
	return nil
}

func scanBreaker(scan func(...any) error) (stepflow.CircuitBreakerRecord, error) {
	var (
		rec                      stepflow.CircuitBreakerRecord
		state                    string
		lastFailureAt, nextAttemptAt sql.NullInt64
	)
	err := scan(&rec.Name, &state, &rec.FailureCount, &rec.SuccessCount, &lastFailureAt, &nextAttemptAt)
	if err != nil {
		return stepflow.CircuitBreakerRecord{}, err
	}
	rec.State = stepflow.BreakerState(state)
	rec.LastFailureAt = fromUnixMs(lastFailureAt)
	rec.NextAttemptAt = fromUnixMs(nextAttemptAt)
	return rec, nil
}
