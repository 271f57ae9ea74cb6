package stepflow

import "context"

// SpanAttr is a single key/value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

// Attr builds a SpanAttr inline: stepflow.Attr("workflow", name).
func Attr(key string, value any) SpanAttr { return SpanAttr{Key: key, Value: value} }

// Tracer is the seam the core depends on instead of an OTEL import
// directly, mirroring the split between this interface and the concrete
// wiring in package observability. A nil Tracer is valid and produces
// no-op spans.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is the handle returned by Tracer.Start.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	Event(name string, attrs ...SpanAttr)
	Error(err error)
	End()
}

// noopTracer is used when an Engine or Registry is constructed without
// WithTracer.
type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string, _ ...SpanAttr) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttr(...SpanAttr)    {}
func (noopSpan) Event(string, ...SpanAttr) {}
func (noopSpan) Error(error)             {}
func (noopSpan) End()                    {}
