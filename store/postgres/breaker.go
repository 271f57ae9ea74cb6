package postgres

import (
	"context"
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

	const query = `
		INSERT INTO circuit_breaker_state (name, state, failure_count, success_count)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (name) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, name, string(stepflow.BreakerClosed)); err != nil {
		return stepflow.CircuitBreakerRecord{}, fmt.Errorf("postgres: create breaker: %w", err)
	}
	return s.getBreaker(ctx, name)
}

func (s *Store) getBreaker(ctx context.Context, name string) (stepflow.CircuitBreakerRecord, error) {
	const query = `
		SELECT name, state, failure_count, success_count, last_failure_at, next_attempt_at
		FROM circuit_breaker_state WHERE name = $1`

	row := s.pool.QueryRow(ctx, query, name)
	rec, err := scanBreaker(row.Scan)
	if isNoRows(err) {
		return stepflow.CircuitBreakerRecord{}, stepflow.ErrStoreNotFound
	}
	if err != nil {
		return stepflow.CircuitBreakerRecord{}, fmt.Errorf("postgres: get breaker: %w", err)
	}
	return rec, nil
}

func (s *Store) UpdateBreaker(ctx context.Context, b stepflow.CircuitBreakerRecord) error {
	const query = `
		UPDATE circuit_breaker_state
		SET state = $1, failure_count = $2, success_count = $3, last_failure_at = $4, next_attempt_at = $5
		WHERE name = $6`

	_, err := s.pool.Exec(ctx, query, string(b.State), b.FailureCount, b.SuccessCount,
		b.LastFailureAt, b.NextAttemptAt, b.Name)
	if err != nil {
		return fmt.Errorf("postgres: update breaker: %w", err)
	}
	return nil
}

func scanBreaker(scan func(...any) error) (stepflow.CircuitBreakerRecord, error) {
	var (
		rec   stepflow.CircuitBreakerRecord
		state string
	)
	err := scan(&rec.Name, &state, &rec.FailureCount, &rec.SuccessCount, &rec.LastFailureAt, &rec.NextAttemptAt)
	if err != nil {
		return stepflow.CircuitBreakerRecord{}, err
	}
	rec.State = stepflow.BreakerState(state)
	return rec, nil
}
