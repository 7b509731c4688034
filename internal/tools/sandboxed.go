package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ironclaw/ironclaw/internal/policy"
	"github.com/ironclaw/ironclaw/internal/sandbox/wasm"
)

// sandboxedSchema accepts any object; sandboxed modules validate their
// own input inside the guest.
const sandboxedSchema = `{"type": "object"}`

// SandboxedTool wraps a loaded WASM module as a registry tool. The
// capability set is bound to the invocation context so the host calls
// the guest makes are gated by this tool's grants, not by anything
// host-global.
func SandboxedTool(host *wasm.Host, name string, caps policy.CapabilitySet, limits policy.Limits) *Tool {
	return &Tool{
		Name:         name,
		Description:  fmt.Sprintf("Sandboxed tool %q (WASM module).", name),
		RawSchema:    json.RawMessage(sandboxedSchema),
		Source:       SourceSandboxed,
		Capabilities: caps,
		Limits:       limits,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			input, err := json.Marshal(args)
			if err != nil {
				return "", fmt.Errorf("encode sandbox input: %w", err)
			}
			ctx = wasm.WithInvocation(ctx, wasm.Invocation{
				ToolName:     name,
				Capabilities: caps,
			})
			return host.Invoke(ctx, name, string(input))
		},
	}
}

// Invoke resolves, validates, and executes one tool call. This is the
// invoker the sandbox host dispatches tools.invoke hostcalls through,
// so guest-initiated calls pass the same validation as model calls.
func (r *Registry) Invoke(ctx context.Context, name, args string) (string, error) {
	inv, err := r.Invocation(name, json.RawMessage(args))
	if err != nil {
		return "", err
	}
	return inv.Tool.Handler(ctx, inv.Args)
}

// BindSandbox registers every module the watcher loads, and keeps
// registering on hot swaps. Capabilities per module come from the
// policy lookup; a protected or shadowed name is logged and skipped,
// never fatal, so one bad module cannot stall the watcher.
func BindSandbox(r *Registry, host *wasm.Host, w *wasm.Watcher, lookup func(module string) (policy.CapabilitySet, policy.Limits)) {
	w.OnToolLoaded(func(name string) {
		var caps policy.CapabilitySet
		var limits policy.Limits
		if lookup != nil {
			caps, limits = lookup(name)
		}
		if err := r.Register(SandboxedTool(host, name, caps, limits)); err != nil {
			r.logger.Warn("sandboxed tool not registered", "tool", name, "error", err)
		}
	})
}
