package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type userIDKey struct{}
type sessionIDKey struct{}
type operationIDKey struct{}

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

// WithUserID attaches the requesting user_id to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserID extracts user_id from context. Returns "" if absent.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithOperationID attaches an operation_id to the context.
func WithOperationID(ctx context.Context, operationID string) context.Context {
	return context.WithValue(ctx, operationIDKey{}, operationID)
}

// OperationID extracts operation_id from context. Returns "" if absent.
func OperationID(ctx context.Context) string {
	if v, ok := ctx.Value(operationIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewOperationID generates a new operation_id.
func NewOperationID() string {
	return uuid.NewString()
}

// LogAttrs returns the request-scoped ids carried by ctx as slog key/value
// pairs, skipping the ones that are absent.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if v := UserID(ctx); v != "" {
		attrs = append(attrs, "user_id", v)
	}
	if v := SessionID(ctx); v != "" {
		attrs = append(attrs, "session_id", v)
	}
	if v := OperationID(ctx); v != "" {
		attrs = append(attrs, "operation_id", v)
	}
	return attrs
}
