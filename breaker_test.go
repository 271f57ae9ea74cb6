package stepflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevindra/stepflow/store/sqlite"
)

func testBreakerStore(t *testing.T) Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "breaker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	store := testBreakerStore(t)
	var opened string
	cb := newCircuitBreaker(store, BreakerConfig{
		Name:             "payments",
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnOpen:           func(name string) { opened = name },
	}, systemClock, nil)
	ctx := context.Background()

	allowed, err := cb.allow(ctx)
	if err != nil || !allowed {
		t.Fatalf("expected initial allow, got allowed=%v err=%v", allowed, err)
	}
	if err := cb.recordFailure(ctx); err != nil {
		t.Fatalf("record failure 1: %v", err)
	}
	allowed, err = cb.allow(ctx)
	if err != nil || !allowed {
		t.Fatalf("expected still closed after 1 failure, got allowed=%v err=%v", allowed, err)
	}
	if err := cb.recordFailure(ctx); err != nil {
		t.Fatalf("record failure 2: %v", err)
	}

	allowed, err = cb.allow(ctx)
	if err != nil {
		t.Fatalf("allow after threshold: %v", err)
	}
	if allowed {
		t.Fatal("expected breaker to deny admission once open")
	}
	if opened != "" {
		t.Fatalf("OnOpen is invoked by StepBuilder.Execute on denial, not by circuitBreaker.allow itself; got %q", opened)
	}
}

func TestBreakerFailureThresholdOneOpensImmediately(t *testing.T) {
	store := testBreakerStore(t)
	cb := newCircuitBreaker(store, BreakerConfig{
		Name:             "strict",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	}, systemClock, nil)
	ctx := context.Background()

	if err := cb.recordFailure(ctx); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	allowed, err := cb.allow(ctx)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("expected single failure with threshold 1 to open the breaker")
	}
}

func TestBreakerTransitionsToHalfOpenAfterResetTimeout(t *testing.T) {
	store := testBreakerStore(t)
	current := time.Unix(0, 0).UTC()
	now := func() time.Time { return current }

	cb := newCircuitBreaker(store, BreakerConfig{
		Name:             "flaky",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	}, now, nil)
	ctx := context.Background()

	if err := cb.recordFailure(ctx); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	allowed, err := cb.allow(ctx)
	if err != nil || allowed {
		t.Fatalf("expected denial immediately after opening, got allowed=%v err=%v", allowed, err)
	}

	current = current.Add(2 * time.Minute)
	allowed, err = cb.allow(ctx)
	if err != nil {
		t.Fatalf("allow after reset timeout: %v", err)
	}
	if !allowed {
		t.Fatal("expected probe request to be admitted once reset timeout elapses")
	}

	rec, err := store.GetOrCreateBreaker(ctx, "flaky")
	if err != nil {
		t.Fatalf("get breaker: %v", err)
	}
	if rec.State != BreakerHalfOpen {
		t.Fatalf("expected half-open state, got %v", rec.State)
	}
}

func TestBreakerHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	store := testBreakerStore(t)
	current := time.Unix(0, 0).UTC()
	now := func() time.Time { return current }

	var transitions []BreakerState
	cb := newCircuitBreaker(store, BreakerConfig{
		Name:             "recovering",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 2,
		OnStateChange: func(name string, from, to BreakerState) {
			transitions = append(transitions, to)
		},
	}, now, nil)
	ctx := context.Background()

	if err := cb.recordFailure(ctx); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	current = current.Add(2 * time.Minute)
	if _, err := cb.allow(ctx); err != nil {
		t.Fatalf("allow: %v", err)
	}

	if err := cb.recordSuccess(ctx); err != nil {
		t.Fatalf("record success 1: %v", err)
	}
	rec, err := store.GetOrCreateBreaker(ctx, "recovering")
	if err != nil {
		t.Fatalf("get breaker: %v", err)
	}
	if rec.State != BreakerHalfOpen {
		t.Fatalf("expected still half-open after 1 success of 2 needed, got %v", rec.State)
	}

	if err := cb.recordSuccess(ctx); err != nil {
		t.Fatalf("record success 2: %v", err)
	}
	rec, err = store.GetOrCreateBreaker(ctx, "recovering")
	if err != nil {
		t.Fatalf("get breaker: %v", err)
	}
	if rec.State != BreakerClosed {
		t.Fatalf("expected closed after reaching success threshold, got %v", rec.State)
	}

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i, w := range want {
		if transitions[i] != w {
			t.Fatalf("transition %d: expected %v, got %v", i, w, transitions[i])
		}
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	store := testBreakerStore(t)
	current := time.Unix(0, 0).UTC()
	now := func() time.Time { return current }

	cb := newCircuitBreaker(store, BreakerConfig{
		Name:             "relapsing",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	}, now, nil)
	ctx := context.Background()

	if err := cb.recordFailure(ctx); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	current = current.Add(2 * time.Minute)
	if _, err := cb.allow(ctx); err != nil {
		t.Fatalf("allow: %v", err)
	}

	if err := cb.recordFailure(ctx); err != nil {
		t.Fatalf("record failure in half-open: %v", err)
	}
	rec, err := store.GetOrCreateBreaker(ctx, "relapsing")
	if err != nil {
		t.Fatalf("get breaker: %v", err)
	}
	if rec.State != BreakerOpen {
		t.Fatalf("expected half-open failure to reopen breaker, got %v", rec.State)
	}
}
