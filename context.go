package stepflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/text/cases"
)

// HandlerFunc is a user-supplied workflow handler. It receives a Context
// and expresses the workflow entirely as calls to Context.Step and
// Context.Sleep.
type HandlerFunc func(*Context) (any, error)

// StepFunc is the body of a single step.
type StepFunc func(*Context) (any, error)

// ErrorHandler consumes or transforms an error raised by a step. A nil
// returned error means the handler consumed the error and its output
// becomes the step's output; a non-nil returned error replaces the
// current error and dispatch continues to the next fallback.
type ErrorHandler func(err error, ctx *Context) (any, error)

var fold = cases.Fold()

// Context is the handler-facing surface durable execution is built on.
// It is not safe for concurrent use from multiple goroutines: a single
// handler invocation is expected to run single-threaded.
type Context struct {
	ctx          context.Context
	executionID  string
	workflowName string
	input        Payload
	metadata     Payload
	attempt      int
	store        Store
	now          clock
	logger       *slog.Logger
	tracer       Tracer
}

// Context returns the underlying context.Context, carrying cancellation
// from Engine.Cancel's cooperative signal.
func (c *Context) Context() context.Context { return c.ctx }

// Done mirrors context.Context.Done for cooperative cancellation checks
// between steps.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Err mirrors context.Context.Err.
func (c *Context) Err() error { return c.ctx.Err() }

// ExecutionID returns the id this handler invocation is running under.
func (c *Context) ExecutionID() string { return c.executionID }

// WorkflowName returns the registered name of the running workflow.
func (c *Context) WorkflowName() string { return c.workflowName }

// Input returns the execution's input payload, fixed for the lifetime
// of the execution regardless of which workflow-retry attempt is
// running.
func (c *Context) Input() Payload { return c.input }

// Metadata returns caller-supplied metadata for this execution.
func (c *Context) Metadata() Payload { return c.metadata }

// Attempt returns the current workflow-level retry attempt, starting at
// 1. It is distinct from a step's own attempt counter.
func (c *Context) Attempt() int { return c.attempt }

// Step begins building a named step. The name is the memoization key
// within this execution and must be stable across resumes.
func (c *Context) Step(name string, fn StepFunc) *StepBuilder {
	return &StepBuilder{ctx: c, name: name, fn: fn, maxAttempts: 3}
}

// Sleep blocks for d, persisting its own step row so the wait survives a
// crash: an interrupted sleep is re-observed as incomplete on resume and
// slept again in full.
func (c *Context) Sleep(name string, d time.Duration) error {
	existing, err := c.store.GetStepExecution(c.ctx, c.executionID, name)
	if err == nil && existing.Status == StepCompleted {
		return nil
	}
	if err != nil && err != ErrStoreNotFound {
		return err
	}

	now := c.now()
	row := StepExecution{
		ExecutionID: c.executionID,
		StepName:    name,
		Status:      StepRunning,
		Input:       Payload{"durationMs": d.Milliseconds()},
		Attempt:     1,
		MaxAttempts: 1,
		StartedAt:   &now,
	}
	if err := c.store.PutStepExecution(c.ctx, row); err != nil {
		return err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	completedAt := c.now()
	row.Status = StepCompleted
	row.Output = Payload{"sleptMs": d.Milliseconds()}
	row.CompletedAt = &completedAt
	return c.store.PutStepExecution(c.ctx, row)
}

// StepBuilder accumulates onError handlers, an optional circuit breaker,
// and an optional catch-all before Execute runs the step. There is no
// chain of type-changing builder types: every accumulator lives on this
// one value.
type StepBuilder struct {
	ctx         *Context
	name        string
	fn          StepFunc
	maxAttempts int
	onErr       map[string]ErrorHandler
	breaker     *BreakerConfig
	catchFn     ErrorHandler
	executed    bool
}

// OnError registers kind -> handler mappings. The reserved kind
// "default" catches any kind not otherwise listed. Calling OnError more
// than once composes the maps; later calls override keys they share
// with earlier ones.
func (b *StepBuilder) OnError(handlers map[string]ErrorHandler) *StepBuilder {
	if b.onErr == nil {
		b.onErr = make(map[string]ErrorHandler, len(handlers))
	}
	for k, v := range handlers {
		b.onErr[fold.String(k)] = v
	}
	return b
}

// WithCircuitBreaker attaches a breaker scoped to this step. If
// config.Name is empty it defaults to "{executionId}-{stepName}" (see
// BreakerConfig.Name's doc comment for why that default is execution-
// scoped rather than shared).
func (b *StepBuilder) WithCircuitBreaker(config BreakerConfig) *StepBuilder {
	if config.Name == "" {
		config.Name = fmt.Sprintf("%s-%s", b.ctx.executionID, b.name)
	}
	b.breaker = &config
	return b
}

// MaxAttempts overrides the default step retry budget of 3. The stored
// value is never decreased below whatever was previously persisted for
// this step.
func (b *StepBuilder) MaxAttempts(n int) *StepBuilder {
	b.maxAttempts = n
	return b
}

// Catch sets the final fallback handler, consulted only if neither a
// kind-specific nor the default onError handler consumed the error.
func (b *StepBuilder) Catch(h ErrorHandler) *StepBuilder {
	b.catchFn = h
	return b
}

// Execute runs the step. Calling Execute more than once on the same
// builder is a programmer error and panics.
func (b *StepBuilder) Execute() (any, error) {
	if b.executed {
		panic("stepflow: step builder executed twice: " + b.name)
	}
	b.executed = true
	c := b.ctx

	// 1. Memoization check.
	existing, err := c.store.GetStepExecution(c.ctx, c.executionID, b.name)
	switch {
	case err != nil && err != ErrStoreNotFound:
		return nil, err
	case err == nil && existing.Status == StepCompleted:
		return decodeOutput(existing.Output), nil
	}

	// 2. Attempt accounting.
	attempt := 1
	maxAttempts := b.maxAttempts
	if err == nil {
		attempt = existing.Attempt + 1
		if existing.MaxAttempts > maxAttempts {
			maxAttempts = existing.MaxAttempts
		}
	}

	_, span := c.tracer.Start(c.ctx, "stepflow.step",
		Attr("step", b.name), Attr("executionId", c.executionID), Attr("attempt", attempt))
	defer span.End()

	// 3. Circuit admission.
	var cb *circuitBreaker
	if b.breaker != nil {
		cb = newCircuitBreaker(c.store, *b.breaker, c.now, c.logger)
		allowed, err := cb.allow(c.ctx)
		if err != nil {
			return nil, err
		}
		if !allowed {
			if b.breaker.OnOpen != nil {
				b.breaker.OnOpen(b.breaker.Name)
			}
			return nil, ErrCircuitOpen
		}
	}

	// 4. Row update -> running.
	startedAt := c.now()
	row := StepExecution{
		ExecutionID: c.executionID,
		StepName:    b.name,
		Status:      StepRunning,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		StartedAt:   &startedAt,
	}
	if existing.Input != nil {
		row.Input = existing.Input
	}
	if err := c.store.PutStepExecution(c.ctx, row); err != nil {
		return nil, err
	}

	// 5. Invoke fn.
	output, runErr := b.invoke(c)
	if runErr == nil {
		if _, serErr := json.Marshal(output); serErr != nil {
			runErr = NewHandlerError(KindUnserializable, serErr)
		}
	}

	if runErr == nil {
		if cb != nil {
			if err := cb.recordSuccess(c.ctx); err != nil {
				return nil, err
			}
		}
		completedAt := c.now()
		row.Status = StepCompleted
		row.Output = wrapOutput(output)
		row.CompletedAt = &completedAt
		if err := c.store.PutStepExecution(c.ctx, row); err != nil {
			return nil, err
		}
		return output, nil
	}

	// 6. On throw.
	if cb != nil {
		if err := cb.recordFailure(c.ctx); err != nil {
			return nil, err
		}
	}

	finalOutput, consumed, dispatchErr := b.dispatch(runErr)
	if consumed {
		completedAt := c.now()
		row.Status = StepCompleted
		row.Output = wrapOutput(finalOutput)
		row.CompletedAt = &completedAt
		if err := c.store.PutStepExecution(c.ctx, row); err != nil {
			return nil, err
		}
		return finalOutput, nil
	}

	stepErr := &StepError{
		Message: dispatchErr.Error(),
		Attempt: attempt,
	}
	if attempt < maxAttempts {
		row.Status = StepRetrying
		row.Error = stepErr
		if err := c.store.PutStepExecution(c.ctx, row); err != nil {
			return nil, err
		}
		return nil, dispatchErr
	}

	stepErr.MaxAttemptsReached = true
	completedAt := c.now()
	row.Status = StepFailed
	row.Error = stepErr
	row.CompletedAt = &completedAt
	if err := c.store.PutStepExecution(c.ctx, row); err != nil {
		return nil, err
	}
	return nil, dispatchErr
}

func (b *StepBuilder) invoke(c *Context) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stepflow: step %q panicked: %v", b.name, r)
		}
	}()
	return b.fn(c)
}

// dispatch implements step 6.b-d: onError by kind, then default, then
// catch. It returns (output, true, nil) when an error was consumed, or
// (nil, false, finalErr) when nothing handled it.
func (b *StepBuilder) dispatch(err error) (any, bool, error) {
	current := err

	if h, ok := b.onErr[fold.String(kindOf(current))]; ok {
		out, herr := b.invokeHandler(h, current)
		if herr == nil {
			return out, true, nil
		}
		current = herr
	} else if h, ok := b.onErr[fold.String(kindDefault)]; ok {
		out, herr := b.invokeHandler(h, current)
		if herr == nil {
			return out, true, nil
		}
		current = herr
	}

	if b.catchFn != nil {
		out, herr := b.invokeHandler(b.catchFn, current)
		if herr == nil {
			return out, true, nil
		}
		current = herr
	}

	return nil, false, current
}

func (b *StepBuilder) invokeHandler(h ErrorHandler, err error) (out any, herr error) {
	defer func() {
		if r := recover(); r != nil {
			herr = fmt.Errorf("stepflow: error handler for step %q panicked: %v", b.name, r)
		}
	}()
	return h(err, b.ctx)
}

// wrapOutput stores a step's return value under a single "value" key so
// the payload shape stays a map regardless of the handler's concrete
// return type.
func wrapOutput(v any) Payload {
	return Payload{"value": v}
}

// decodeOutput is the inverse of wrapOutput for memoized reads. A round
// trip through the store's JSON codec means the returned value's
// concrete type may differ from what the step originally returned (e.g.
// an int becomes a float64) -- this reflects payloads being JSON-
// representable data, not a bug in memoization.
func decodeOutput(p Payload) any {
	if p == nil {
		return nil
	}
	return p["value"]
}
