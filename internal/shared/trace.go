package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type connectionIDKey struct{}
type identityKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithConnectionID attaches the bridge connection id to the context.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionIDKey{}, id)
}

// ConnectionID extracts the connection id. Returns "" if absent.
func ConnectionID(ctx context.Context) string {
	if v, ok := ctx.Value(connectionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewConnectionID generates a new connection id.
func NewConnectionID() string {
	return uuid.NewString()
}

// WithIdentity attaches the authenticated identity to the context.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// Identity extracts the authenticated identity. Returns "" if absent.
func Identity(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey{}).(string); ok {
		return v
	}
	return ""
}
