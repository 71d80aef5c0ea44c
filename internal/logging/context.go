package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if id := IncidentIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("incident.id", id))
	}
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run.id", id))
	}
	if w := WorkerFromContext(ctx); w != "" {
		fields = append(fields, zap.String("worker", w))
	}
	return fields
}

type incidentCtxKey struct{}
type runCtxKey struct{}
type workerCtxKey struct{}
type loggerCtxKey struct{}

// WithIncidentID tags the context with the incident being processed.
func WithIncidentID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, incidentCtxKey{}, id)
}

// IncidentIDFromContext returns the incident id, or "".
func IncidentIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(incidentCtxKey{}).(string)
	return s
}

// WithRunID tags the context with a pipeline run id.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runCtxKey{}, id)
}

// RunIDFromContext returns the pipeline run id, or "".
func RunIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(runCtxKey{}).(string)
	return s
}

// WithWorker tags the context with the lifecycle worker name.
func WithWorker(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, name)
}

// WorkerFromContext returns the worker name, or "".
func WorkerFromContext(ctx context.Context) string {
	s, _ := ctx.Value(workerCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
