package stepflow

import (
	"context"
	"log/slog"
	"time"
)

// BreakerConfig configures a circuit breaker attached to a step via
// StepBuilder.WithCircuitBreaker.
type BreakerConfig struct {
	// Name identifies the shared breaker row. The source this engine is
	// modeled on defaults to "{executionId}-{stepName}", which scopes
	// every breaker to a single execution and so never actually shares
	// state across requests to the same downstream dependency. That
	// default is kept here for compatibility when Name is left empty,
	// but callers who want real cross-execution throttling of a shared
	// resource should set Name explicitly to something workflow- or
	// process-scoped.
	Name string

	// FailureThreshold is the number of consecutive failures, while
	// closed, that opens the breaker. Must be positive.
	FailureThreshold int

	// ResetTimeout is how long an open breaker waits before admitting a
	// probe request (transitioning to half-open).
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive successes required
	// in half-open before the breaker closes. Defaults to 1.
	SuccessThreshold int

	// OnOpen, if set, is invoked when admission is denied because the
	// breaker is open.
	OnOpen func(name string)

	// OnStateChange, if set, is invoked whenever the breaker transitions
	// to a new state.
	OnStateChange func(name string, from, to BreakerState)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// circuitBreaker is the admission controller backing WithCircuitBreaker.
// All state lives in the Store so an open breaker survives a crash; the
// three-state transition table is:
//
//	closed  + success                    -> closed  (reset count)
//	closed  + failure, count+1 < threshold  -> closed  (count++)
//	closed  + failure, count+1 >= threshold -> open    (set nextAttemptAt)
//	open    + allow? before nextAttemptAt -> open    (deny)
//	open    + allow? at/after nextAttemptAt -> half-open (allow, clear nextAttemptAt)
//	half-open + success (x SuccessThreshold) -> closed
//	half-open + failure                   -> open
type circuitBreaker struct {
	store  Store
	config BreakerConfig
	now    clock
	logger *slog.Logger
}

func newCircuitBreaker(store Store, config BreakerConfig, now clock, logger *slog.Logger) *circuitBreaker {
	return &circuitBreaker{store: store, config: config.withDefaults(), now: now, logger: logger}
}

// allow reports whether a request may proceed, performing the open ->
// half-open transition as a side effect when the reset timeout has
// elapsed.
func (cb *circuitBreaker) allow(ctx context.Context) (bool, error) {
	rec, err := cb.store.GetOrCreateBreaker(ctx, cb.config.Name)
	if err != nil {
		return false, err
	}

	switch rec.State {
	case BreakerClosed, BreakerHalfOpen:
		return true, nil
	case BreakerOpen:
		if rec.NextAttemptAt != nil && !cb.now().Before(*rec.NextAttemptAt) {
			from := rec.State
			rec.State = BreakerHalfOpen
			rec.NextAttemptAt = nil
			rec.SuccessCount = 0
			if err := cb.store.UpdateBreaker(ctx, rec); err != nil {
				return false, err
			}
			cb.notify(from, BreakerHalfOpen)
			return true, nil
		}
		return false, nil
	default:
		return true, nil
	}
}

func (cb *circuitBreaker) recordSuccess(ctx context.Context) error {
	rec, err := cb.store.GetOrCreateBreaker(ctx, cb.config.Name)
	if err != nil {
		return err
	}

	switch rec.State {
	case BreakerHalfOpen:
		rec.SuccessCount++
		if rec.SuccessCount >= cb.config.SuccessThreshold {
			from := rec.State
			rec.State = BreakerClosed
			rec.FailureCount = 0
			rec.SuccessCount = 0
			rec.LastFailureAt = nil
			rec.NextAttemptAt = nil
			if err := cb.store.UpdateBreaker(ctx, rec); err != nil {
				return err
			}
			cb.notify(from, BreakerClosed)
			return nil
		}
		return cb.store.UpdateBreaker(ctx, rec)
	case BreakerClosed:
		if rec.FailureCount != 0 {
			rec.FailureCount = 0
			return cb.store.UpdateBreaker(ctx, rec)
		}
		return nil
	default:
		return nil
	}
}

func (cb *circuitBreaker) recordFailure(ctx context.Context) error {
	rec, err := cb.store.GetOrCreateBreaker(ctx, cb.config.Name)
	if err != nil {
		return err
	}

	now := cb.now()
	rec.LastFailureAt = &now

	switch rec.State {
	case BreakerClosed:
		rec.FailureCount++
		if rec.FailureCount >= cb.config.FailureThreshold {
			from := rec.State
			next := now.Add(cb.config.ResetTimeout)
			rec.State = BreakerOpen
			rec.NextAttemptAt = &next
			if err := cb.store.UpdateBreaker(ctx, rec); err != nil {
				return err
			}
			cb.notify(from, BreakerOpen)
			return nil
		}
		return cb.store.UpdateBreaker(ctx, rec)
	case BreakerHalfOpen:
		from := rec.State
		next := now.Add(cb.config.ResetTimeout)
		rec.State = BreakerOpen
		rec.SuccessCount = 0
		rec.NextAttemptAt = &next
		if err := cb.store.UpdateBreaker(ctx, rec); err != nil {
			return err
		}
		cb.notify(from, BreakerOpen)
		return nil
	default:
		return cb.store.UpdateBreaker(ctx, rec)
	}
}

func (cb *circuitBreaker) notify(from, to BreakerState) {
	if cb.logger != nil {
		cb.logger.Debug("stepflow: breaker transition", "name", cb.config.Name, "from", from, "to", to)
	}
	if cb.config.OnStateChange != nil && from != to {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}
