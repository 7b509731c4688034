package tools_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ironclaw/ironclaw/internal/policy"
	"github.com/ironclaw/ironclaw/internal/tools"
	"github.com/ironclaw/ironclaw/internal/workspace"
)

func echoTool(name string, source tools.Source) *tools.Tool {
	return &tools.Tool{
		Name:        name,
		Description: "echo",
		RawSchema:   json.RawMessage(`{"type": "object"}`),
		Source:      source,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return string(source), nil
		},
	}
}

func TestRegisterPrecedence(t *testing.T) {
	r := tools.NewRegistry(nil)
	if err := r.Register(echoTool("web_fetch", tools.SourceSandboxed)); err != nil {
		t.Fatalf("register sandboxed: %v", err)
	}
	if err := r.Register(echoTool("web_fetch", tools.SourceExternal)); err != nil {
		t.Fatalf("external must shadow sandboxed: %v", err)
	}
	tool, ok := r.Resolve("web_fetch")
	if !ok || tool.Source != tools.SourceExternal {
		t.Fatalf("resolved source = %v, want external", tool.Source)
	}

	// Lower-precedence registration is ignored, not an error.
	if err := r.Register(echoTool("web_fetch", tools.SourceSandboxed)); err != nil {
		t.Fatalf("lower-precedence register should be ignored: %v", err)
	}
	tool, _ = r.Resolve("web_fetch")
	if tool.Source != tools.SourceExternal {
		t.Fatalf("external binding lost to sandboxed")
	}

	if err := r.Register(echoTool("web_fetch", tools.SourceBuiltIn)); err != nil {
		t.Fatalf("builtin must shadow external: %v", err)
	}
	tool, _ = r.Resolve("web_fetch")
	if tool.Source != tools.SourceBuiltIn {
		t.Fatalf("builtin did not win")
	}
}

func TestRegisterEqualRankDuplicateFails(t *testing.T) {
	r := tools.NewRegistry(nil)
	if err := r.Register(echoTool("dup", tools.SourceExternal)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(echoTool("dup", tools.SourceExternal)); err == nil {
		t.Fatal("duplicate registration at equal rank must fail")
	}
}

func TestProtectedNamesCannotBeShadowed(t *testing.T) {
	r := tools.NewRegistry(nil)
	for _, source := range []tools.Source{tools.SourceExternal, tools.SourceSandboxed} {
		if err := r.Register(echoTool("memory_write", source)); err == nil {
			t.Fatalf("%s source took a protected name", source)
		}
	}

	if err := r.Register(echoTool("task_create", tools.SourceBuiltIn)); err != nil {
		t.Fatalf("builtin on protected name: %v", err)
	}
	if err := r.Register(echoTool("task_create", tools.SourceBuiltIn)); err == nil {
		t.Fatal("second builtin on a protected name must fail")
	}

	r.Unregister("task_create")
	if _, ok := r.Resolve("task_create"); !ok {
		t.Fatal("Unregister must not remove protected tools")
	}
}

func TestInvocationValidatesArguments(t *testing.T) {
	r := tools.NewRegistry(nil)
	tool := echoTool("greet", tools.SourceBuiltIn)
	tool.RawSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"name": {"type": "string"}, "count": {"type": "integer"}},
		"required": ["name"],
		"additionalProperties": false
	}`)
	if err := r.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := r.Invocation("greet", json.RawMessage(`{"count": 2}`)); err == nil {
		t.Fatal("missing required argument must be rejected")
	}
	if _, err := r.Invocation("greet", json.RawMessage(`{"name": "x", "extra": true}`)); err == nil {
		t.Fatal("unknown argument must be rejected")
	}
	if _, err := r.Invocation("greet", json.RawMessage(`{"name": 7}`)); err == nil {
		t.Fatal("mistyped argument must be rejected")
	}
	if _, err := r.Invocation("missing", nil); err == nil {
		t.Fatal("unknown tool must be rejected")
	}

	inv, err := r.Invocation("greet", json.RawMessage(`{"name": "x", "count": 2}`))
	if err != nil {
		t.Fatalf("valid arguments rejected: %v", err)
	}
	if inv.Args["name"] != "x" {
		t.Fatalf("args = %#v", inv.Args)
	}
	// Handlers see encoding/json numbers.
	if n, ok := inv.Args["count"].(float64); !ok || n != 2 {
		t.Fatalf("count = %#v, want float64(2)", inv.Args["count"])
	}
}

func TestInvocationCarriesPolicyMaterial(t *testing.T) {
	r := tools.NewRegistry(nil)
	tool := echoTool("deploy", tools.SourceBuiltIn)
	tool.Capabilities = policy.CapabilitySet{
		HTTPOutbound: []string{"api.example.com"},
		SecretsRead:  []string{"DEPLOY_KEY"},
	}
	tool.Limits = policy.Limits{TimeoutMS: 5000}
	tool.Policy = policy.ToolPolicy{ApprovalRequired: true}
	if err := r.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	inv, err := r.Invocation("deploy", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("invocation: %v", err)
	}
	if !inv.ApprovalRequired {
		t.Fatal("approval flag dropped")
	}
	if inv.Limits.TimeoutMS != 5000 {
		t.Fatalf("limits = %+v", inv.Limits)
	}
	if len(inv.CredentialPlan) != 1 || inv.CredentialPlan[0] != "DEPLOY_KEY" {
		t.Fatalf("credential plan = %v", inv.CredentialPlan)
	}
	if !inv.Capabilities.AllowURL("https://api.example.com/v1") {
		t.Fatal("capabilities not carried")
	}
}

func TestCatalogAndMemoryFlushSet(t *testing.T) {
	ws, err := workspace.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	r := tools.NewRegistry(nil)
	if err := r.RegisterBuiltins(tools.Deps{Workspace: ws, Executor: &fakeExecutor{}}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	catalog := r.Catalog()
	if len(catalog) == 0 {
		t.Fatal("empty catalog")
	}
	for i := 1; i < len(catalog); i++ {
		if catalog[i-1].Name >= catalog[i].Name {
			t.Fatalf("catalog not sorted: %s before %s", catalog[i-1].Name, catalog[i].Name)
		}
	}

	flush := r.MemoryFlushSet()
	if len(flush) != 4 {
		t.Fatalf("flush set has %d tools, want 4", len(flush))
	}
	for _, d := range flush {
		if !strings.HasPrefix(d.Name, "memory_") {
			t.Fatalf("non-memory tool %q in flush set", d.Name)
		}
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := tools.NewRegistry(nil)
	tool := echoTool("broken", tools.SourceBuiltIn)
	tool.RawSchema = json.RawMessage(`{"type": ["not", 42`)
	if err := r.Register(tool); err == nil {
		t.Fatal("invalid schema must fail registration")
	}
}
