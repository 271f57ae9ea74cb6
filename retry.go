package stepflow

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy configures the workflow-level retry loop. It is distinct
// from a step's own retry budget (StepBuilder.MaxAttempts).
type RetryPolicy struct {
	// MaxAttempts is the number of times the handler is invoked before
	// the execution is marked failed. Defaults to 3.
	MaxAttempts int
	// BackoffMs is the base delay between workflow attempts.
	// Defaults to 1000.
	BackoffMs int64
	// ExponentialBackoff doubles BackoffMs on each attempt when true
	// (as in DefaultRetryPolicy); when false, including the zero value,
	// every retry waits BackoffMs.
	ExponentialBackoff bool
}

// DefaultRetryPolicy returns the engine's built-in defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffMs: 1000, ExponentialBackoff: true}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffMs <= 0 {
		p.BackoffMs = 1000
	}
	return p
}

// newWorkflowBackoff builds the delay generator for the workflow retry
// loop. Exponential policies double the interval every call to
// NextBackOff (base, 2x base, 4x base, ...); constant policies return
// BackoffMs on every call.
func newWorkflowBackoff(p RetryPolicy) backoff.BackOff {
	base := time.Duration(p.BackoffMs) * time.Millisecond
	if !p.ExponentialBackoff {
		return backoff.NewConstantBackOff(base)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0 // exact doubling, no jitter
	b.MaxInterval = base * (1 << 10) // effectively uncapped for realistic attempt counts
	b.Reset()
	return b
}
