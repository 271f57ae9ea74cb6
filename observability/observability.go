// Package observability wires stepflow's Tracer/Span seam to OpenTelemetry
// and creates a set of counters and histograms for workflow telemetry.
// The engine itself does not record to these instruments; only spans
// reach OpenTelemetry through the Tracer seam.
// Configuration comes from the standard OTEL_EXPORTER_OTLP_* env vars.
package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/stepflow"

// Instruments holds the OTEL instruments created by Init. Nothing in the
// engine records to them.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	ExecutionsStarted   metric.Int64Counter
	ExecutionsCompleted metric.Int64Counter
	ExecutionsFailed    metric.Int64Counter
	StepRetries         metric.Int64Counter
	BreakerTrips        metric.Int64Counter

	StepDuration     metric.Float64Histogram
	WorkflowDuration metric.Float64Histogram
}

// Init configures OTEL trace and metric providers with OTLP HTTP exporters
// and returns the resulting Instruments along with a shutdown function
// that must be called on application exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "stepflow"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	executionsStarted, err := meter.Int64Counter("stepflow.executions.started",
		metric.WithDescription("Workflow executions started"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	executionsCompleted, err := meter.Int64Counter("stepflow.executions.completed",
		metric.WithDescription("Workflow executions completed"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	executionsFailed, err := meter.Int64Counter("stepflow.executions.failed",
		metric.WithDescription("Workflow executions failed"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	stepRetries, err := meter.Int64Counter("stepflow.step.retries",
		metric.WithDescription("Step retry attempts"),
		metric.WithUnit("{retry}"))
	if err != nil {
		return nil, err
	}

	breakerTrips, err := meter.Int64Counter("stepflow.breaker.trips",
		metric.WithDescription("Circuit breaker open transitions"),
		metric.WithUnit("{trip}"))
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram("stepflow.step.duration",
		metric.WithDescription("Step execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	workflowDuration, err := meter.Float64Histogram("stepflow.workflow.duration",
		metric.WithDescription("Workflow execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:              tracer,
		Meter:               meter,
		Logger:              logger,
		ExecutionsStarted:   executionsStarted,
		ExecutionsCompleted: executionsCompleted,
		ExecutionsFailed:    executionsFailed,
		StepRetries:         stepRetries,
		BreakerTrips:        breakerTrips,
		StepDuration:        stepDuration,
		WorkflowDuration:    workflowDuration,
	}, nil
}
