package stepflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevindra/stepflow/store/sqlite"
)

func testEngineStore(t *testing.T) Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEngineStartRunsHandlerToCompletion(t *testing.T) {
	e := Open(testEngineStore(t))
	if err := e.Define(context.Background(), "greet", func(c *Context) (any, error) {
		return c.Step("build-greeting", func(*Context) (any, error) {
			return "hello", nil
		}).Execute()
	}); err != nil {
		t.Fatalf("define: %v", err)
	}

	out, err := e.Start(context.Background(), "greet", "exec-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out != "hello" {
		t.Fatalf("expected hello, got %#v", out)
	}

	exec, err := e.GetExecution(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("expected completed status, got %v", exec.Status)
	}
}

func TestEngineStartGeneratesExecutionIDWhenEmpty(t *testing.T) {
	e := Open(testEngineStore(t))
	if err := e.Define(context.Background(), "noop", func(*Context) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("define: %v", err)
	}

	if _, err := e.Start(context.Background(), "noop", "", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestEngineStartOnCompletedExecutionReturnsMemoizedOutput(t *testing.T) {
	e := Open(testEngineStore(t))
	calls := 0
	if err := e.Define(context.Background(), "once", func(*Context) (any, error) {
		calls++
		return "done", nil
	}); err != nil {
		t.Fatalf("define: %v", err)
	}

	if _, err := e.Start(context.Background(), "once", "exec-2", nil); err != nil {
		t.Fatalf("first start: %v", err)
	}
	out, err := e.Start(context.Background(), "once", "exec-2", nil)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if out != "done" {
		t.Fatalf("expected memoized output, got %#v", out)
	}
	if calls != 1 {
		t.Fatalf("expected handler invoked once, got %d", calls)
	}
}

func TestEngineStartUndefinedWorkflowFails(t *testing.T) {
	e := Open(testEngineStore(t))
	_, err := e.Start(context.Background(), "ghost", "exec-3", nil)
	if !errors.Is(err, ErrNotDefined) {
		t.Fatalf("expected ErrNotDefined, got %v", err)
	}
}

func TestEngineStartRetriesOnHandlerError(t *testing.T) {
	e := Open(testEngineStore(t), WithClock(time.Now))
	attempts := 0
	if err := e.Define(context.Background(), "flaky", func(*Context) (any, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("transient failure")
		}
		return "recovered", nil
	}); err != nil {
		t.Fatalf("define: %v", err)
	}

	out, err := e.Start(context.Background(), "flaky", "exec-4", nil,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BackoffMs: 1, ExponentialBackoff: false}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out != "recovered" {
		t.Fatalf("expected recovered, got %#v", out)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestEngineStartFailsAfterExhaustingRetries(t *testing.T) {
	e := Open(testEngineStore(t))
	attempts := 0
	if err := e.Define(context.Background(), "alwaysfails", func(*Context) (any, error) {
		attempts++
		return nil, errors.New("permanent failure")
	}); err != nil {
		t.Fatalf("define: %v", err)
	}

	_, err := e.Start(context.Background(), "alwaysfails", "exec-5", nil,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, BackoffMs: 1, ExponentialBackoff: false}))
	if err == nil {
		t.Fatal("expected start to fail after exhausting retries")
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}

	exec, gerr := e.GetExecution(context.Background(), "exec-5")
	if gerr != nil {
		t.Fatalf("get execution: %v", gerr)
	}
	if exec.Status != ExecutionFailed {
		t.Fatalf("expected failed status, got %v", exec.Status)
	}
	if exec.Error == nil || exec.Error.Attempts != 2 {
		t.Fatalf("expected error recording 2 attempts, got %#v", exec.Error)
	}
}

func TestEngineStartAlreadyRunningFails(t *testing.T) {
	store := testEngineStore(t)
	e := Open(store)
	now := time.Now().UTC()
	if err := store.CreateExecution(context.Background(), WorkflowExecution{
		ExecutionID:  "exec-6",
		WorkflowName: "anything",
		Status:       ExecutionRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := e.Define(context.Background(), "anything", func(*Context) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("define: %v", err)
	}

	_, err := e.Start(context.Background(), "anything", "exec-6", nil)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestEngineHandlerPanicBecomesHandlerError(t *testing.T) {
	e := Open(testEngineStore(t))
	if err := e.Define(context.Background(), "boom", func(*Context) (any, error) {
		panic("unexpected")
	}); err != nil {
		t.Fatalf("define: %v", err)
	}

	_, err := e.Start(context.Background(), "boom", "exec-7", nil,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1, BackoffMs: 1}))
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
	var herr *HandlerError
	if !errors.As(err, &herr) {
		t.Fatalf("expected HandlerError, got %T: %v", err, err)
	}
	if herr.Kind != "Panic" {
		t.Fatalf("expected Panic kind, got %q", herr.Kind)
	}
}

func TestEngineCancelStopsRunningExecution(t *testing.T) {
	store := testEngineStore(t)
	e := Open(store)
	started := make(chan struct{})
	if err := e.Define(context.Background(), "longrunning", func(c *Context) (any, error) {
		close(started)
		<-c.Done()
		return nil, c.Err()
	}); err != nil {
		t.Fatalf("define: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Start(context.Background(), "longrunning", "exec-8", nil,
			WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))
		done <- err
	}()

	<-started
	// Give runWorkflow a moment to register the cancel func.
	time.Sleep(20 * time.Millisecond)

	cancelled, err := e.Cancel(context.Background(), "exec-8")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled {
		t.Fatal("expected cancel to report true for a running execution")
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected handler to observe cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelled handler to return")
	}
}

func TestEngineCancelOnTerminalExecutionIsNoop(t *testing.T) {
	e := Open(testEngineStore(t))
	if err := e.Define(context.Background(), "quick", func(*Context) (any, error) {
		return "done", nil
	}); err != nil {
		t.Fatalf("define: %v", err)
	}
	if _, err := e.Start(context.Background(), "quick", "exec-9", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	cancelled, err := e.Cancel(context.Background(), "exec-9")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled {
		t.Fatal("expected cancel on a completed execution to be a no-op")
	}
}

func TestEngineCancelUnknownExecutionFails(t *testing.T) {
	e := Open(testEngineStore(t))
	_, err := e.Cancel(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEngineResumeInterruptedRecoversRunningExecutions(t *testing.T) {
	store := testEngineStore(t)
	e := Open(store)
	if err := e.Define(context.Background(), "resumable", func(c *Context) (any, error) {
		return c.Step("finish", func(*Context) (any, error) {
			return "resumed", nil
		}).Execute()
	}); err != nil {
		t.Fatalf("define: %v", err)
	}

	now := time.Now().UTC()
	if err := store.CreateExecution(context.Background(), WorkflowExecution{
		ExecutionID:  "exec-10",
		WorkflowName: "resumable",
		Status:       ExecutionRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	n, err := e.ResumeInterrupted(context.Background())
	if err != nil {
		t.Fatalf("resume interrupted: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 execution resumed, got %d", n)
	}

	exec, err := e.GetExecution(context.Background(), "exec-10")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("expected completed status after resume, got %v", exec.Status)
	}
}

func TestEngineResumeInterruptedMarksUndefinedWorkflowFailed(t *testing.T) {
	store := testEngineStore(t)
	e := Open(store)

	now := time.Now().UTC()
	if err := store.CreateExecution(context.Background(), WorkflowExecution{
		ExecutionID:  "exec-11",
		WorkflowName: "nolongerregistered",
		Status:       ExecutionPaused,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	if _, err := e.ResumeInterrupted(context.Background()); err != nil {
		t.Fatalf("resume interrupted: %v", err)
	}

	exec, err := e.GetExecution(context.Background(), "exec-11")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != ExecutionFailed {
		t.Fatalf("expected failed status for undefined workflow, got %v", exec.Status)
	}
}
