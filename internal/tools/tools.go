// Package tools is the registry every tool invocation resolves through.
// A tool carries its own capability set; the registry validates call
// arguments against the tool's schema and produces an invocation bundle
// the agent loop dispatches. Built-in tools shadow external ones,
// external ones shadow sandboxed ones, and the protected names cannot be
// shadowed at all.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ironclaw/ironclaw/internal/bus"
	"github.com/ironclaw/ironclaw/internal/guard"
	"github.com/ironclaw/ironclaw/internal/persistence"
	"github.com/ironclaw/ironclaw/internal/policy"
	"github.com/ironclaw/ironclaw/internal/workspace"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Source identifies where a tool implementation comes from.
type Source string

const (
	SourceBuiltIn   Source = "builtin"
	SourceExternal  Source = "external"
	SourceSandboxed Source = "sandboxed"
)

// sourceRank orders shadowing precedence; higher wins.
func sourceRank(s Source) int {
	switch s {
	case SourceBuiltIn:
		return 3
	case SourceExternal:
		return 2
	case SourceSandboxed:
		return 1
	}
	return 0
}

// protectedNames are owned by the built-in workspace memory, task, and
// learning operations. They can never be shadowed.
var protectedNames = map[string]struct{}{
	"memory_read":     {},
	"memory_write":    {},
	"memory_append":   {},
	"memory_search":   {},
	"task_create":     {},
	"task_update":     {},
	"task_list":       {},
	"task_ready":      {},
	"learning_record": {},
	"learning_list":   {},
	"learning_search": {},
}

// Protected reports whether a tool name is reserved for builtins.
func Protected(name string) bool {
	_, ok := protectedNames[name]
	return ok
}

// Handler executes one tool call with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registry record.
type Tool struct {
	Name         string
	Description  string
	RawSchema    json.RawMessage
	Capabilities policy.CapabilitySet
	Source       Source
	Limits       policy.Limits
	Policy       policy.ToolPolicy
	Handler      Handler

	schema *jsonschema.Schema
}

// Invocation is the bundle the agent loop dispatches: the resolved tool,
// validated arguments, and the policy material that gates execution.
type Invocation struct {
	Tool             *Tool
	Args             map[string]any
	Capabilities     policy.CapabilitySet
	Limits           policy.Limits
	CredentialPlan   []string // credential ids the tool may have injected
	ApprovalRequired bool
}

// Descriptor is the catalog entry handed to the LLM.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"parameters"`
}

// Deps carries what the built-in tools need. Nil fields disable the
// tools that require them.
type Deps struct {
	Workspace *workspace.Workspace
	Store     *persistence.Store
	Guard     *guard.Guard
	Executor  Executor
	Bus       *bus.Bus
	Logger    *slog.Logger
}

// Registry maps tool name to record.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: map[string]*Tool{}, logger: logger}
}

// RegisterBuiltins registers every built-in tool the deps can support.
func (r *Registry) RegisterBuiltins(deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = r.logger
	}
	var all []*Tool
	all = append(all, shellTool(deps))
	if deps.Workspace != nil {
		all = append(all, fileTools(deps)...)
		all = append(all, memoryTools(deps)...)
	}
	if deps.Store != nil {
		all = append(all, taskTools(deps)...)
		all = append(all, learningTools(deps)...)
	}
	for _, t := range all {
		if t == nil {
			continue
		}
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a tool, enforcing shadowing rules. A protected name can
// only ever be registered once, by a builtin.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool needs a name and a handler")
	}
	if len(t.RawSchema) > 0 {
		schema, err := compileSchema(t.Name, t.RawSchema)
		if err != nil {
			return fmt.Errorf("tool %s: invalid parameter schema: %w", t.Name, err)
		}
		t.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if Protected(t.Name) && t.Source != SourceBuiltIn {
		return fmt.Errorf("tool %s: protected name cannot be provided by %s source", t.Name, t.Source)
	}
	existing, ok := r.tools[t.Name]
	if !ok {
		r.tools[t.Name] = t
		return nil
	}
	if Protected(t.Name) {
		return fmt.Errorf("tool %s: duplicate registration of protected name", t.Name)
	}
	switch {
	case sourceRank(t.Source) > sourceRank(existing.Source):
		r.logger.Warn("tool shadowed", "tool", t.Name, "winner", t.Source, "loser", existing.Source)
		r.tools[t.Name] = t
	case sourceRank(t.Source) < sourceRank(existing.Source):
		r.logger.Warn("tool registration ignored, higher-precedence source present",
			"tool", t.Name, "kept", existing.Source, "ignored", t.Source)
	default:
		return fmt.Errorf("tool %s: duplicate registration from %s source", t.Name, t.Source)
	}
	return nil
}

// Unregister removes a tool by name. Used when a sandboxed module is
// unloaded; protected names stay.
func (r *Registry) Unregister(name string) {
	if Protected(name) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Resolve returns the tool currently bound to name.
func (r *Registry) Resolve(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Invocation validates raw arguments against the tool's schema and
// produces the dispatch bundle.
func (r *Registry) Invocation(name string, rawArgs json.RawMessage) (*Invocation, error) {
	t, ok := r.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	args := map[string]any{}
	if len(rawArgs) > 0 {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawArgs))
		if err != nil {
			return nil, fmt.Errorf("tool %s: arguments are not valid JSON: %w", name, err)
		}
		if t.schema != nil {
			if err := t.schema.Validate(inst); err != nil {
				return nil, fmt.Errorf("tool %s: arguments rejected by schema: %w", name, err)
			}
		}
		// Handlers get plain encoding/json types (numbers as float64),
		// not the validator's internal representation.
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("tool %s: decode arguments: %w", name, err)
		}
	}

	return &Invocation{
		Tool:             t,
		Args:             args,
		Capabilities:     t.Capabilities,
		Limits:           t.Limits,
		CredentialPlan:   append([]string(nil), t.Capabilities.SecretsRead...),
		ApprovalRequired: t.Policy.ApprovalRequired,
	}, nil
}

// Catalog lists every registered tool, sorted by name.
func (r *Registry) Catalog() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Descriptor{Name: t.Name, Description: t.Description, Schema: t.RawSchema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MemoryFlushSet is the reduced catalog used during pre-compaction
// memory flush turns: workspace memory operations only.
func (r *Registry) MemoryFlushSet() []Descriptor {
	var out []Descriptor
	for _, d := range r.Catalog() {
		switch d.Name {
		case "memory_read", "memory_write", "memory_append", "memory_search":
			out = append(out, d)
		}
	}
	return out
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}

// Argument accessors for handlers. Missing or mistyped keys yield zero
// values; required keys are enforced by the schema before dispatch.

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argFloat(args map[string]any, key string) float64 {
	v, _ := args[key].(float64)
	return v
}

func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func jsonResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}
