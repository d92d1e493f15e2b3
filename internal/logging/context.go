package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if rc := runFromContext(ctx); rc != nil {
		fields = append(fields,
			zap.String("run.id", rc.runID),
			zap.String("saga", rc.sagaType),
		)
	}

	if step := StepFromContext(ctx); step != "" {
		fields = append(fields, zap.String("step", step))
	}

	return fields
}

// Context key types
type runCtxKey struct{}
type stepCtxKey struct{}

type runContext struct {
	runID    string
	sagaType string
}

// WithRun adds run correlation to context.
func WithRun(ctx context.Context, runID, sagaType string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, &runContext{runID: runID, sagaType: sagaType})
}

func runFromContext(ctx context.Context) *runContext {
	if rc, ok := ctx.Value(runCtxKey{}).(*runContext); ok {
		return rc
	}
	return nil
}

// RunIDFromContext extracts the run ID from context, or "".
func RunIDFromContext(ctx context.Context) string {
	if rc := runFromContext(ctx); rc != nil {
		return rc.runID
	}
	return ""
}

// WithStep adds the current step name to context.
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, stepCtxKey{}, step)
}

// StepFromContext extracts the current step name from context, or "".
func StepFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(stepCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

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
