package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Field keys for correlation data.
const (
	FieldOwnerID   = "owner.id"
	FieldThreadID  = "thread.id"
	FieldEventType = "event.type"
	FieldRequestID = "request.id"
)

type ctxKey int

const (
	ownerKey ctxKey = iota
	threadKey
	eventTypeKey
	requestKey
	loggerKey
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	for _, kv := range []struct {
		key   ctxKey
		field string
	}{
		{ownerKey, FieldOwnerID},
		{threadKey, FieldThreadID},
		{eventTypeKey, FieldEventType},
		{requestKey, FieldRequestID},
	} {
		if v := stringValue(ctx, kv.key); v != "" {
			fields = append(fields, zap.String(kv.field, v))
		}
	}
	return fields
}

func stringValue(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

func withString(ctx context.Context, key ctxKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

// WithOwnerID adds the owner (talent) ID to ctx. Empty values are ignored.
func WithOwnerID(ctx context.Context, id string) context.Context {
	return withString(ctx, ownerKey, id)
}

// OwnerIDFromContext returns the owner ID, or "".
func OwnerIDFromContext(ctx context.Context) string { return stringValue(ctx, ownerKey) }

// WithThreadID adds the negotiation thread ID to ctx.
func WithThreadID(ctx context.Context, id string) context.Context {
	return withString(ctx, threadKey, id)
}

// ThreadIDFromContext returns the thread ID, or "".
func ThreadIDFromContext(ctx context.Context) string { return stringValue(ctx, threadKey) }

// WithEventType adds the pipeline event type to ctx.
func WithEventType(ctx context.Context, typ string) context.Context {
	return withString(ctx, eventTypeKey, typ)
}

// EventTypeFromContext returns the event type, or "".
func EventTypeFromContext(ctx context.Context) string { return stringValue(ctx, eventTypeKey) }

// WithRequestID adds the HTTP request or queue job ID to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestKey, id)
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string { return stringValue(ctx, requestKey) }

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return NewNop()
}
