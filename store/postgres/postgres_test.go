package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nevindra/stepflow"
)

// testStore connects to the database named by STEPFLOW_TEST_POSTGRES_DSN.
// These tests are skipped when it is unset, since they need a live server
// rather than an embedded file like the SQLite store.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("STEPFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STEPFLOW_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := testStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestDefinitionUpsertAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	def := stepflow.WorkflowDefinition{Name: "onboard-pg", Version: "v1", Active: true, CreatedAt: now, UpdatedAt: now}
	if err := s.UpsertDefinition(ctx, def); err != nil {
		t.Fatalf("UpsertDefinition: %v", err)
	}

	def.Version = "v2"
	if err := s.UpsertDefinition(ctx, def); err != nil {
		t.Fatalf("UpsertDefinition (update): %v", err)
	}

	got, err := s.GetDefinition(ctx, "onboard-pg")
	if err != nil {
		t.Fatalf("GetDefinition: %v", err)
	}
	if got.Version != "v2" {
		t.Fatalf("expected v2, got %s", got.Version)
	}
}

func TestGetDefinitionNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetDefinition(context.Background(), "missing-pg"); err != stepflow.ErrStoreNotFound {
		t.Fatalf("expected ErrStoreNotFound, got %v", err)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	exec := stepflow.WorkflowExecution{
		ExecutionID:  "pg-e1",
		WorkflowName: "onboard-pg",
		Status:       stepflow.ExecutionPending,
		Input:        stepflow.Payload{"userId": "u1"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, "pg-e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Input["userId"] != "u1" {
		t.Fatalf("unexpected execution: %+v", got)
	}

	got.Status = stepflow.ExecutionRunning
	started := now.Add(time.Millisecond)
	got.StartedAt = &started
	got.UpdatedAt = started
	if err := s.UpdateExecution(ctx, got); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}

	interrupted, err := s.ListInterruptedExecutions(ctx)
	if err != nil {
		t.Fatalf("ListInterruptedExecutions: %v", err)
	}
	found := false
	for _, e := range interrupted {
		if e.ExecutionID == "pg-e1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected pg-e1 among interrupted executions, got %+v", interrupted)
	}
}

func TestUpdateExecutionMissingIsNotFound(t *testing.T) {
	s := testStore(t)
	err := s.UpdateExecution(context.Background(), stepflow.WorkflowExecution{ExecutionID: "pg-nope", UpdatedAt: time.Now()})
	if err != stepflow.ErrStoreNotFound {
		t.Fatalf("expected ErrStoreNotFound, got %v", err)
	}
}

func TestStepExecutionMemoization(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	exec := stepflow.WorkflowExecution{ExecutionID: "pg-e2", WorkflowName: "onboard-pg", Status: stepflow.ExecutionRunning, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	step := stepflow.StepExecution{
		ExecutionID: "pg-e2",
		StepName:    "create-account",
		Status:      stepflow.StepRunning,
		Attempt:     1,
		MaxAttempts: 3,
		StartedAt:   &now,
	}
	if err := s.PutStepExecution(ctx, step); err != nil {
		t.Fatalf("PutStepExecution (running): %v", err)
	}

	completedAt := now.Add(time.Millisecond)
	step.Status = stepflow.StepCompleted
	step.Output = stepflow.Payload{"value": "acct-1"}
	step.CompletedAt = &completedAt
	if err := s.PutStepExecution(ctx, step); err != nil {
		t.Fatalf("PutStepExecution (completed): %v", err)
	}

	got, err := s.GetStepExecution(ctx, "pg-e2", "create-account")
	if err != nil {
		t.Fatalf("GetStepExecution: %v", err)
	}
	if got.Status != stepflow.StepCompleted || got.Output["value"] != "acct-1" {
		t.Fatalf("unexpected step: %+v", got)
	}
}

func TestStepExecutionCascadesOnExecutionDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateExecution(ctx, stepflow.WorkflowExecution{ExecutionID: "pg-e3", WorkflowName: "w", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.PutStepExecution(ctx, stepflow.StepExecution{ExecutionID: "pg-e3", StepName: "s", Status: stepflow.StepRunning, Attempt: 1, MaxAttempts: 3}); err != nil {
		t.Fatalf("PutStepExecution: %v", err)
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM workflow_executions WHERE id = $1`, "pg-e3"); err != nil {
		t.Fatalf("delete execution: %v", err)
	}

	if _, err := s.GetStepExecution(ctx, "pg-e3", "s"); err != stepflow.ErrStoreNotFound {
		t.Fatalf("expected step to be cascade-deleted, got %v", err)
	}
}

func TestCircuitBreakerRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec, err := s.GetOrCreateBreaker(ctx, "svc-pg")
	if err != nil {
		t.Fatalf("GetOrCreateBreaker: %v", err)
	}
	if rec.State != stepflow.BreakerClosed {
		t.Fatalf("expected closed, got %s", rec.State)
	}

	next := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
	rec.State = stepflow.BreakerOpen
	rec.FailureCount = 2
	rec.NextAttemptAt = &next
	if err := s.UpdateBreaker(ctx, rec); err != nil {
		t.Fatalf("UpdateBreaker: %v", err)
	}

	got, err := s.GetOrCreateBreaker(ctx, "svc-pg")
	if err != nil {
		t.Fatalf("GetOrCreateBreaker (after update): %v", err)
	}
	if got.State != stepflow.BreakerOpen || got.FailureCount != 2 {
		t.Fatalf("unexpected breaker state: %+v", got)
	}
}
