package stepflow

import (
	"errors"
	"fmt"
)

// EngineKind identifies a structural failure raised by the engine itself,
// as opposed to an error raised by handler code (see HandlerError).
type EngineKind string

const (
	KindNotDefined     EngineKind = "NotDefined"
	KindAlreadyDefined EngineKind = "AlreadyDefined"
	KindAlreadyRunning EngineKind = "AlreadyRunning"
	KindNotFound       EngineKind = "NotFound"
	KindCircuitOpen    EngineKind = "CircuitOpen"
)

// EngineError is raised by Registry and Engine operations for the fixed
// set of structural failures in the error taxonomy. Callers match on Kind
// with errors.Is against the sentinel Err* values below, or by comparing
// EngineError.Kind directly.
type EngineError struct {
	Kind    EngineKind
	Message string
}

func (e *EngineError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports whether target is an EngineError of the same Kind, so that
// errors.Is(err, stepflow.ErrNotFound) works regardless of Message.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Kind == e.Kind
}

func newEngineError(kind EngineKind, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Sentinel EngineErrors for use with errors.Is. Their Message is ignored
// by Is; only Kind is compared.
var (
	ErrNotDefined     = &EngineError{Kind: KindNotDefined}
	ErrAlreadyDefined = &EngineError{Kind: KindAlreadyDefined}
	ErrAlreadyRunning = &EngineError{Kind: KindAlreadyRunning}
	ErrNotFound       = &EngineError{Kind: KindNotFound}
	ErrCircuitOpen    = &EngineError{Kind: KindCircuitOpen}
)

// Reserved HandlerError kinds. Callers may also register arbitrary kind
// strings of their own; onError dispatch keys off the string, not a
// closed enum, so this list is an escape-hatch-friendly convention, not
// an exhaustive set.
const (
	KindValidationFailed      = "ValidationFailed"
	KindNetworkFailed         = "NetworkFailed"
	KindTimedOut              = "TimedOut"
	KindResourceExhausted     = "ResourceExhausted"
	KindExternalServiceFailed = "ExternalServiceFailed"
	KindDatabaseFailed        = "DatabaseFailed"
	KindUnserializable        = "Unserializable"
)

// HandlerError is the error type step functions raise to participate in
// onError dispatch. Kind drives the onError/default/catch lookup in the
// step builder (see context.go); Recoverable and Retryable are advisory
// flags a handler's onError callback may inspect, the engine itself does
// not interpret them.
type HandlerError struct {
	Kind        string
	Recoverable bool
	Retryable   bool
	Cause       error
}

func (e *HandlerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// NewHandlerError wraps cause in a HandlerError of the given kind. Both
// advisory flags default to true, matching the common case of an
// external-call failure that is worth retrying.
func NewHandlerError(kind string, cause error) *HandlerError {
	return &HandlerError{Kind: kind, Recoverable: true, Retryable: true, Cause: cause}
}

// kindOf extracts the dispatch kind for err: the Kind of a *HandlerError
// if err is one (or wraps one), otherwise the reserved "default" kind so
// arbitrary errors still hit a handler's default/catch path.
func kindOf(err error) string {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Kind
	}
	return kindDefault
}

const kindDefault = "default"
