package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/nevindra/stepflow"
)

// testInstruments creates Instruments against the global OTEL providers,
// which are no-ops by default. Safe for testing without a real backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments()
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestNewInstruments(t *testing.T) {
	inst := testInstruments(t)
	if inst.Tracer == nil || inst.Meter == nil {
		t.Fatal("expected non-nil Tracer and Meter")
	}

	ctx := context.Background()
	inst.ExecutionsStarted.Add(ctx, 1)
	inst.ExecutionsCompleted.Add(ctx, 1)
	inst.ExecutionsFailed.Add(ctx, 1)
	inst.StepRetries.Add(ctx, 1)
	inst.BreakerTrips.Add(ctx, 1)
	inst.StepDuration.Record(ctx, 12.5)
	inst.WorkflowDuration.Record(ctx, 120)
}

func TestNewTracerReturnsTracer(t *testing.T) {
	tracer := NewTracer()
	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}

	ctx, span := tracer.Start(context.Background(), "test.span",
		stepflow.Attr("key", "value"),
		stepflow.Attr("count", 42))
	if ctx == nil {
		t.Fatal("Start() returned nil context")
	}
	if span == nil {
		t.Fatal("Start() returned nil span")
	}

	span.SetAttr(stepflow.Attr("ok", true))
	span.Event("test.event", stepflow.Attr("score", 0.95))
	span.End()
}

func TestNewTracerErrorSpan(t *testing.T) {
	tracer := NewTracer()
	_, span := tracer.Start(context.Background(), "test.error")

	span.Error(errors.New("test error"))
	span.End()
}

func TestTracerSatisfiesStepflowInterface(t *testing.T) {
	var _ stepflow.Tracer = NewTracer()
}
