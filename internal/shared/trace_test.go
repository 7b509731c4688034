package shared

import (
	"context"
	"testing"
)

func TestInvokeDepth_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Default is 0.
	if got := InvokeDepth(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}

	// Set and retrieve.
	ctx = WithInvokeDepth(ctx, 4)
	if got := InvokeDepth(ctx); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}

	// Overwrite.
	ctx = WithInvokeDepth(ctx, 7)
	if got := InvokeDepth(ctx); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestTraceID_Default(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestAgentID_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := AgentID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithAgentID(ctx, "test-agent")
	if got := AgentID(ctx); got != "test-agent" {
		t.Fatalf("expected test-agent, got %q", got)
	}
}

func TestUserAndThreadIDs(t *testing.T) {
	ctx := context.Background()
	ctx = WithUserID(ctx, "u1")
	ctx = WithThreadID(ctx, "th1")
	ctx = WithJobID(ctx, "job1")
	if UserID(ctx) != "u1" || ThreadID(ctx) != "th1" || JobID(ctx) != "job1" {
		t.Fatalf("context ids did not round-trip")
	}
}
