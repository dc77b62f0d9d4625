package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const pipelineTracerName = "researchd-pipeline"

func pipelineTracer() trace.Tracer {
	return Tracer(pipelineTracerName)
}

// TracePipelineRun creates a span covering one child process run.
func TracePipelineRun(ctx context.Context, sessionID string, argv []string) (context.Context, trace.Span) {
	ctx, span := pipelineTracer().Start(ctx, "pipeline.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.StringSlice("argv", argv),
	)
	return ctx, span
}

// TraceStage creates a span for a single pipeline stage.
// The span is ended by the caller when the stage reaches a final status.
func TraceStage(ctx context.Context, sessionID, stage string, fanOut bool) (context.Context, trace.Span) {
	ctx, span := pipelineTracer().Start(ctx, "pipeline.stage",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("stage", stage),
		attribute.Bool("fan_out", fanOut),
	)
	return ctx, span
}

// TraceStageResult records the final status of a stage on its span and ends it.
func TraceStageResult(span trace.Span, status, message string) {
	span.SetAttributes(attribute.String("status", status))
	if status == "error" {
		span.SetStatus(codes.Error, message)
	}
	span.End()
}

// RecordError marks a span as failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
