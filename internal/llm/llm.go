// Package llm defines the model-facing contract for the runtime. Concrete
// HTTP clients live outside the core; everything here works against the
// Client interface so the engine, compactor, and tests stay
// provider-agnostic.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one turn in a thread. Assistant messages may carry tool
// calls; each call is answered by a tool message bearing the matching
// ToolCallID before the next assistant turn.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`         // tool name, for role=tool
	ToolCallID string     `json:"tool_call_id,omitempty"` // pairs a tool result with its call
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitempty"`
}

func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ToolResult builds the tool message answering a ToolCall.
func ToolResult(call ToolCall, content string) Message {
	return Message{Role: RoleTool, Content: content, Name: call.Name, ToolCallID: call.ID}
}

// ToolSpec advertises one tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// Request is one completion call.
type Request struct {
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Response is either final text or a batch of tool calls.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// IsToolCalls reports whether the model asked for tool execution instead
// of producing final text.
func (r *Response) IsToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Client is a single model provider.
type Client interface {
	// Name identifies the provider for breaker tracking and logs.
	Name() string
	// Model returns the model identifier used for context-limit lookup.
	Model() string
	Complete(ctx context.Context, req Request) (*Response, error)
}
