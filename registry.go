package stepflow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefineOption configures a workflow definition at registration time.
type DefineOption func(*WorkflowDefinition)

// WithVersion sets the definition's version string.
func WithVersion(v string) DefineOption {
	return func(d *WorkflowDefinition) { d.Version = v }
}

// WithDescription sets the definition's human-readable description.
func WithDescription(desc string) DefineOption {
	return func(d *WorkflowDefinition) { d.Description = desc }
}

// WithInputSchema attaches an opaque input schema, unused by the engine
// itself but surfaced through ListDefinitions for administrative tools.
func WithInputSchema(schema Payload) DefineOption {
	return func(d *WorkflowDefinition) { d.InputSchema = schema }
}

// WithOutputSchema attaches an opaque output schema.
func WithOutputSchema(schema Payload) DefineOption {
	return func(d *WorkflowDefinition) { d.OutputSchema = schema }
}

// Registry holds handler functions by workflow name. The in-memory map
// is authoritative for execution; the definition row persisted alongside
// it exists only for administrative and cross-process listing.
type Registry struct {
	store  Store
	logger *slog.Logger
	now    clock

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry constructs a Registry backed by store. Registries are
// expected to be populated during process initialisation and then
// frozen; Define is not safe to call concurrently with Start for the
// same name.
func NewRegistry(store Store, opts ...Option) *Registry {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry{
		store:    store,
		logger:   o.logger,
		now:      o.now,
		handlers: make(map[string]HandlerFunc),
	}
}

// Define registers handler under name, failing with an EngineError of
// kind AlreadyDefined if name is already registered in this process.
// The definition row upsert is best-effort: a persistence failure is
// logged, not returned, since the handler is already usable in-process
// once this call returns.
func (r *Registry) Define(ctx context.Context, name string, handler HandlerFunc, opts ...DefineOption) error {
	r.mu.Lock()
	if _, exists := r.handlers[name]; exists {
		r.mu.Unlock()
		return newEngineError(KindAlreadyDefined, "workflow %q already defined", name)
	}
	r.handlers[name] = handler
	r.mu.Unlock()

	now := r.now()
	def := WorkflowDefinition{
		Name:      name,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(&def)
	}

	if err := r.store.UpsertDefinition(ctx, def); err != nil {
		r.logger.Warn("stepflow: failed to persist workflow definition", "workflow", name, "error", err)
	}
	return nil
}

// Lookup returns the handler registered for name, or an EngineError of
// kind NotDefined.
func (r *Registry) Lookup(name string) (HandlerFunc, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, newEngineError(KindNotDefined, "workflow %q is not defined", name)
	}
	return h, nil
}

// ListDefinitions reads through to the store for every active
// definition, regardless of whether this process has the corresponding
// handler registered.
func (r *Registry) ListDefinitions(ctx context.Context) ([]WorkflowDefinition, error) {
	return r.store.ListDefinitions(ctx)
}

// Option configures a Registry or Engine constructed with NewRegistry or
// Open.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	tracer       Tracer
	now          clock
	defaultRetry RetryPolicy
}

func defaultOptions() options {
	return options{
		logger:       slog.New(discardHandler{}),
		tracer:       noopTracer{},
		now:          systemClock,
		defaultRetry: DefaultRetryPolicy(),
	}
}

// WithLogger attaches a structured logger. When unset, nothing is
// logged.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer attaches a Tracer. When unset, spans are no-ops.
func WithTracer(t Tracer) Option {
	return func(o *options) {
		if t == nil {
			t = noopTracer{}
		}
		o.tracer = t
	}
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithDefaultRetry overrides the workflow retry policy applied when
// Start/Resume are called without an explicit one.
func WithDefaultRetry(p RetryPolicy) Option {
	return func(o *options) { o.defaultRetry = p.withDefaults() }
}

// discardHandler is a slog.Handler that drops everything, used as the
// zero-value logger so WithLogger is opt-in.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
