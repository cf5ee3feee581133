package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "exploit-executor"

// Tracer wraps OpenTelemetry tracing for the executor.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer on the global TracerProvider, or a no-op one
// when tracing is disabled.
func NewTracer(enabled bool) *Tracer {
	if !enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(tracerName)}
	}
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("executor.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var (
	AttrJobID       = attribute.Key("executor.job.id")
	AttrExecutionID = attribute.Key("executor.execution.id")
	AttrExploitID   = attribute.Key("executor.exploit.id")
	AttrTargetIP    = attribute.Key("executor.target.ip")
	AttrContainer   = attribute.Key("executor.container")
	AttrStatus      = attribute.Key("executor.status")
)
