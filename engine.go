package stepflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Engine orchestrates the lifecycle of workflow executions: start,
// resume, cancel, and crash recovery. It embeds *Registry so callers can
// call engine.Define/engine.Lookup/engine.ListDefinitions directly on
// the value returned by Open, while Registry itself remains usable
// standalone (e.g. in tests that exercise step memoization without a
// full engine).
type Engine struct {
	*Registry

	store        Store
	logger       *slog.Logger
	tracer       Tracer
	now          clock
	defaultRetry RetryPolicy

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Open constructs an Engine over store, creating the registry that backs
// it. Callers typically call store.Init(ctx) before Open, and Close the
// engine's store when the process shuts down.
func Open(store Store, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		Registry: &Registry{
			store:    store,
			logger:   o.logger,
			now:      o.now,
			handlers: make(map[string]HandlerFunc),
		},
		store:        store,
		logger:       o.logger,
		tracer:       o.tracer,
		now:          o.now,
		defaultRetry: o.defaultRetry,
		running:      make(map[string]context.CancelFunc),
	}
}

// RunOption configures a single Start or Resume call.
type RunOption func(*runConfig)

type runConfig struct {
	retry    RetryPolicy
	metadata Payload
	timeout  time.Duration
}

// WithRetryPolicy replaces the workflow-level retry policy for this
// call. A zero MaxAttempts or BackoffMs becomes 3 or 1000, not the
// engine's configured default, and ExponentialBackoff is used as given.
func WithRetryPolicy(p RetryPolicy) RunOption {
	return func(c *runConfig) { c.retry = p.withDefaults() }
}

// WithMetadata attaches metadata to a new execution. Ignored by Resume,
// since metadata is fixed at Start time.
func WithMetadata(m Payload) RunOption {
	return func(c *runConfig) { c.metadata = m }
}

// WithTimeout bounds each handler invocation (each workflow-retry
// attempt, not the whole retry loop) with a deadline.
func WithTimeout(d time.Duration) RunOption {
	return func(c *runConfig) { c.timeout = d }
}

func (e *Engine) newRunConfig(opts []RunOption) runConfig {
	c := runConfig{retry: e.defaultRetry}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Start begins or resumes execution of workflow name under executionID.
// If executionID is empty a new time-sortable id is generated.
func (e *Engine) Start(ctx context.Context, name, executionID string, input Payload, opts ...RunOption) (any, error) {
	handler, err := e.Registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if executionID == "" {
		executionID = NewExecutionID()
	}
	cfg := e.newRunConfig(opts)

	existing, err := e.store.GetExecution(ctx, executionID)
	switch {
	case err == nil:
		switch existing.Status {
		case ExecutionCompleted:
			return decodeOutput(existing.Output), nil
		case ExecutionRunning:
			return nil, newEngineError(KindAlreadyRunning, "execution %q is already running", executionID)
		default:
			return e.resume(ctx, handler, existing, cfg)
		}
	case err == ErrStoreNotFound:
		now := e.now()
		exec := WorkflowExecution{
			ExecutionID:  executionID,
			WorkflowName: name,
			Status:       ExecutionPending,
			Input:        input,
			Metadata:     cfg.metadata,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.store.CreateExecution(ctx, exec); err != nil {
			return nil, err
		}
		return e.runWorkflow(ctx, handler, exec, cfg)
	default:
		return nil, err
	}
}

// Resume re-enters the workflow retry loop for an existing execution
// using its persisted input. Step memoization ensures steps that
// already reached completed are not re-run.
func (e *Engine) Resume(ctx context.Context, executionID string, opts ...RunOption) (any, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err == ErrStoreNotFound {
		return nil, newEngineError(KindNotFound, "execution %q not found", executionID)
	}
	if err != nil {
		return nil, err
	}
	if exec.Status == ExecutionCompleted {
		return decodeOutput(exec.Output), nil
	}

	handler, err := e.Registry.Lookup(exec.WorkflowName)
	if err != nil {
		return nil, err
	}
	return e.resume(ctx, handler, exec, e.newRunConfig(opts))
}

func (e *Engine) resume(ctx context.Context, handler HandlerFunc, exec WorkflowExecution, cfg runConfig) (any, error) {
	return e.runWorkflow(ctx, handler, exec, cfg)
}

// Cancel marks executionID cancelled if it is running or paused, and
// signals cancellation cooperatively to a handler currently running in
// this process (see the cancellation decision in DESIGN.md). It does
// not forcibly terminate handler code that ignores the signal.
func (e *Engine) Cancel(ctx context.Context, executionID string) (bool, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err == ErrStoreNotFound {
		return false, newEngineError(KindNotFound, "execution %q not found", executionID)
	}
	if err != nil {
		return false, err
	}
	if exec.Status != ExecutionRunning && exec.Status != ExecutionPaused {
		return false, nil
	}

	now := e.now()
	exec.Status = ExecutionCancelled
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return false, err
	}

	e.mu.Lock()
	cancel := e.running[executionID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true, nil
}

// GetExecution returns the execution record for executionID.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (WorkflowExecution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err == ErrStoreNotFound {
		return WorkflowExecution{}, newEngineError(KindNotFound, "execution %q not found", executionID)
	}
	return exec, err
}

// ListExecutions returns executions for workflowName, optionally
// filtered by status, newest first.
func (e *Engine) ListExecutions(ctx context.Context, workflowName string, status ExecutionStatus) ([]WorkflowExecution, error) {
	return e.store.ListExecutions(ctx, workflowName, status)
}

// GetStepExecutions returns the per-step breakdown for executionID, for
// dashboards and CLIs that want step-level visibility into a run.
func (e *Engine) GetStepExecutions(ctx context.Context, executionID string) ([]StepExecution, error) {
	return e.store.ListStepExecutions(ctx, executionID)
}

// ResumeInterruptedOption configures a single ResumeInterrupted call.
type ResumeInterruptedOption func(*resumeInterruptedConfig)

type resumeInterruptedConfig struct {
	concurrency int
}

// WithConcurrency drives resumes for distinct executions concurrently,
// up to n at a time, instead of the default serial scan. n <= 1 is
// serial.
func WithConcurrency(n int) ResumeInterruptedOption {
	return func(c *resumeInterruptedConfig) { c.concurrency = n }
}

// ResumeInterrupted scans the store for executions left running or
// paused by a crashed process and resumes each. A resume that itself
// exhausts its workflow retries leaves that execution failed;
// ResumeInterrupted itself only fails if the scan (the store read)
// fails. Returns the number of executions it attempted.
func (e *Engine) ResumeInterrupted(ctx context.Context, opts ...ResumeInterruptedOption) (int, error) {
	cfg := resumeInterruptedConfig{concurrency: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	rows, err := e.store.ListInterruptedExecutions(ctx)
	if err != nil {
		return 0, err
	}

	if cfg.concurrency <= 1 {
		for _, row := range rows {
			e.recoverOne(ctx, row)
		}
		return len(rows), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for _, row := range rows {
		row := row
		g.Go(func() error {
			e.recoverOne(gctx, row)
			return nil
		})
	}
	_ = g.Wait()
	return len(rows), nil
}

func (e *Engine) recoverOne(ctx context.Context, exec WorkflowExecution) {
	handler, err := e.Registry.Lookup(exec.WorkflowName)
	if err != nil {
		now := e.now()
		exec.Status = ExecutionFailed
		exec.Error = &ExecutionError{Message: err.Error(), Attempts: 0}
		exec.CompletedAt = &now
		exec.UpdatedAt = now
		if uerr := e.store.UpdateExecution(ctx, exec); uerr != nil {
			e.logger.Error("stepflow: failed to mark undefined-workflow execution failed", "executionId", exec.ExecutionID, "error", uerr)
		}
		return
	}
	if _, err := e.resume(ctx, handler, exec, runConfig{retry: e.defaultRetry}); err != nil {
		e.logger.Warn("stepflow: recovered execution ended in error", "executionId", exec.ExecutionID, "workflow", exec.WorkflowName, "error", err)
	}
}

// WatchInterrupted runs ResumeInterrupted every interval until ctx is
// cancelled, so a long-running host process self-heals executions left
// behind by a peer crash without an operator invoking ResumeInterrupted
// by hand at startup. ResumeInterrupted itself remains a single-shot,
// synchronous operation; this is purely additive.
func (e *Engine) WatchInterrupted(ctx context.Context, interval time.Duration, opts ...ResumeInterruptedOption) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ResumeInterrupted(ctx, opts...); err != nil {
				e.logger.Error("stepflow: resumeInterrupted poll failed", "error", err)
			}
		}
	}
}

// runWorkflow is the workflow retry loop. It owns the execution row's
// transition to running, and to its terminal status.
func (e *Engine) runWorkflow(ctx context.Context, handler HandlerFunc, exec WorkflowExecution, cfg runConfig) (any, error) {
	policy := cfg.retry.withDefaults()

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[exec.ExecutionID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, exec.ExecutionID)
		e.mu.Unlock()
		cancel()
	}()

	now := e.now()
	exec.Status = ExecutionRunning
	exec.StartedAt = &now
	exec.UpdatedAt = now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}

	bo := newWorkflowBackoff(policy)
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-runCtx.Done():
			lastErr = runCtx.Err()
			return e.failExecution(ctx, exec, lastErr, attempt-1)
		default:
		}

		attemptCtx := runCtx
		var attemptCancel context.CancelFunc
		if cfg.timeout > 0 {
			attemptCtx, attemptCancel = context.WithTimeout(runCtx, cfg.timeout)
		}

		spanCtx, span := e.tracer.Start(attemptCtx, "stepflow.workflow",
			Attr("workflow", exec.WorkflowName), Attr("executionId", exec.ExecutionID), Attr("attempt", attempt))

		hctx := &Context{
			ctx:          spanCtx,
			executionID:  exec.ExecutionID,
			workflowName: exec.WorkflowName,
			input:        exec.Input,
			metadata:     exec.Metadata,
			attempt:      attempt,
			store:        e.store,
			now:          e.now,
			logger:       e.logger,
			tracer:       e.tracer,
		}

		output, err := e.invokeHandler(handler, hctx)
		span.End()
		if attemptCancel != nil {
			attemptCancel()
		}

		if err == nil {
			completedAt := e.now()
			exec.Status = ExecutionCompleted
			exec.Output = wrapOutput(output)
			exec.CompletedAt = &completedAt
			exec.UpdatedAt = completedAt
			if uerr := e.store.UpdateExecution(ctx, exec); uerr != nil {
				return nil, uerr
			}
			return output, nil
		}

		lastErr = err
		e.logger.Debug("stepflow: workflow attempt failed", "workflow", exec.WorkflowName, "executionId", exec.ExecutionID, "attempt", attempt, "error", err)

		if attempt == policy.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-runCtx.Done():
			timer.Stop()
			lastErr = runCtx.Err()
			return e.failExecution(ctx, exec, lastErr, attempt)
		}
	}

	return e.failExecution(ctx, exec, lastErr, policy.MaxAttempts)
}

func (e *Engine) failExecution(ctx context.Context, exec WorkflowExecution, cause error, attempts int) (any, error) {
	completedAt := e.now()
	exec.Status = ExecutionFailed
	exec.Error = &ExecutionError{Message: cause.Error(), Attempts: attempts}
	exec.CompletedAt = &completedAt
	exec.UpdatedAt = completedAt
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return nil, cause
}

func (e *Engine) invokeHandler(handler HandlerFunc, ctx *Context) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				Kind:      "Panic",
				Retryable: false,
				Cause:     fmtPanic(r),
			}
		}
	}()
	return handler(ctx)
}

func fmtPanic(r any) error {
	return &panicError{value: r, stack: debug.Stack()}
}

// panicError wraps a recovered panic so a handler panic surfaces as an
// ordinary HandlerError instead of crashing the host process.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}
