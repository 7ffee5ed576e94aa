package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type storeIDKey struct{}
type agentSlugKey struct{}
type runIDKey struct{}

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

// WithStoreID attaches the tenant store_id to the context.
func WithStoreID(ctx context.Context, storeID string) context.Context {
	return context.WithValue(ctx, storeIDKey{}, storeID)
}

// StoreID extracts store_id from context. Returns "" if absent.
func StoreID(ctx context.Context) string {
	if v, ok := ctx.Value(storeIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAgentSlug attaches the agent slug to the context.
func WithAgentSlug(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, agentSlugKey{}, slug)
}

// AgentSlug extracts the agent slug from context. Returns "" if absent.
func AgentSlug(ctx context.Context) string {
	if v, ok := ctx.Value(agentSlugKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the scoping keys present in ctx as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if v := StoreID(ctx); v != "" {
		attrs = append(attrs, "store_id", v)
	}
	if v := AgentSlug(ctx); v != "" {
		attrs = append(attrs, "agent", v)
	}
	if v := RunID(ctx); v != "" {
		attrs = append(attrs, "run_id", v)
	}
	return attrs
}
