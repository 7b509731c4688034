package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type agentIDKey struct{}
type userIDKey struct{}
type threadIDKey struct{}
type jobIDKey struct{}
type invokeDepthKey struct{}

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

// WithAgentID attaches an agent_id to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentID extracts agent_id from context. Returns "" if absent.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithUserID attaches a user_id to the context.
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

// WithThreadID attaches a thread_id to the context.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadIDKey{}, threadID)
}

// ThreadID extracts thread_id from context. Returns "" if absent.
func ThreadID(ctx context.Context) string {
	if v, ok := ctx.Value(threadIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithJobID attaches a scheduler job id to the context.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobID extracts the scheduler job id (empty if absent).
func JobID(ctx context.Context) string {
	if v, ok := ctx.Value(jobIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewJobID generates a new job id.
func NewJobID() string {
	return uuid.NewString()
}

// WithInvokeDepth attaches the tools.invoke recursion depth to the context.
func WithInvokeDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, invokeDepthKey{}, depth)
}

// InvokeDepth extracts the tools.invoke recursion depth (0 if absent).
func InvokeDepth(ctx context.Context) int {
	if v, ok := ctx.Value(invokeDepthKey{}).(int); ok {
		return v
	}
	return 0
}

const DefaultAgentID = "default"
