package stepflow

import (
	"context"
	"errors"
	"time"
)

// ExecutionStatus is the lifecycle state of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether s is one of the terminal execution statuses:
// completed, failed, cancelled.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a StepExecution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepRetrying  StepStatus = "retrying"
	StepSkipped   StepStatus = "skipped"
)

// BreakerState is the state of a CircuitBreakerState row.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Payload is structured data (a JSON-representable map) attached to an
// execution or step record. nil means "not set".
type Payload map[string]any

// WorkflowDefinition is the persisted record created the first time
// Registry.Define is called for a workflow name. name is unique; the
// core never deletes a definition row.
type WorkflowDefinition struct {
	Name         string
	Version      string
	Description  string
	InputSchema  Payload
	OutputSchema Payload
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExecutionError is the error payload stored on a WorkflowExecution that
// reached a terminal failed status.
type ExecutionError struct {
	Message  string `json:"message"`
	Stack    string `json:"stack,omitempty"`
	Attempts int    `json:"attempts"`
}

// WorkflowExecution is a single attempt to run a workflow to completion,
// identified by the caller-supplied ExecutionID.
type WorkflowExecution struct {
	ExecutionID  string
	WorkflowName string
	Status       ExecutionStatus
	Input        Payload
	Output       Payload
	Error        *ExecutionError
	Metadata     Payload
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StepError is the error payload stored on a StepExecution that reached
// a terminal or retrying status.
type StepError struct {
	Message            string `json:"message"`
	Stack              string `json:"stack,omitempty"`
	Attempt            int    `json:"attempt"`
	MaxAttemptsReached bool   `json:"maxAttemptsReached"`
}

// StepExecution is a named unit of work within an execution, identified
// by (ExecutionID, StepName). At most one row exists per step name per
// execution; it reaches StepCompleted exactly once and is immutable
// thereafter.
type StepExecution struct {
	ExecutionID string
	StepName    string
	Status      StepStatus
	Input       Payload
	Output      Payload
	Error       *StepError
	Attempt     int
	MaxAttempts int
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// CircuitBreakerRecord is a named, persistent failure counter gating
// admission to a step or group of steps. Name is caller-chosen; breakers
// sharing a name share state across every execution that references it.
type CircuitBreakerRecord struct {
	Name          string
	State         BreakerState
	FailureCount  int
	SuccessCount  int
	LastFailureAt *time.Time
	NextAttemptAt *time.Time
}

// ErrNotDefined and friends are not redeclared here; see errors.go for
// the EngineError sentinels. Store implementations do not return those:
// a missing row is ErrStoreNotFound, and a repeated definition name is
// upserted rather than rejected.

// ErrStoreNotFound is returned by Store lookups that find no row, so
// callers above the store layer can translate it into the appropriate
// EngineError (NotFound for executions, a plain miss for definitions).
var ErrStoreNotFound = errors.New("stepflow: not found")

// Store is the single abstraction over durable persistence. Every
// mutating method is an atomic transaction: a concurrent reader observes
// either the pre- or post-transition state, never a partial one.
// Implementations must enforce uniqueness of WorkflowDefinition.Name,
// WorkflowExecution.ExecutionID, and the pair
// (StepExecution.ExecutionID, StepExecution.StepName).
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// --- Definitions ---

	// UpsertDefinition creates or updates the definition row for d.Name.
	UpsertDefinition(ctx context.Context, d WorkflowDefinition) error
	GetDefinition(ctx context.Context, name string) (WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]WorkflowDefinition, error)

	// --- Executions ---

	CreateExecution(ctx context.Context, e WorkflowExecution) error
	GetExecution(ctx context.Context, executionID string) (WorkflowExecution, error)
	// UpdateExecution persists the full row. The store applies no
	// optimistic concurrency control: when two callers read-modify-write
	// the same execution, the last write wins.
	UpdateExecution(ctx context.Context, e WorkflowExecution) error
	// ListExecutions filters by workflow name (required) and, if status
	// is non-empty, by status too. Results are ordered by CreatedAt
	// descending.
	ListExecutions(ctx context.Context, workflowName string, status ExecutionStatus) ([]WorkflowExecution, error)
	// ListInterruptedExecutions returns every execution whose status is
	// running or paused, across all workflow names.
	ListInterruptedExecutions(ctx context.Context) ([]WorkflowExecution, error)

	// --- Steps ---

	GetStepExecution(ctx context.Context, executionID, stepName string) (StepExecution, error)
	// PutStepExecution creates the row on first reference and overwrites
	// it on every subsequent attempt, as one atomic write.
	PutStepExecution(ctx context.Context, s StepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]StepExecution, error)

	// --- Circuit breakers ---

	// GetOrCreateBreaker returns the named breaker's row, creating it
	// with state=closed if this is the first reference.
	GetOrCreateBreaker(ctx context.Context, name string) (CircuitBreakerRecord, error)
	UpdateBreaker(ctx context.Context, b CircuitBreakerRecord) error
}
