package wasm

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ironclaw/ironclaw/internal/audit"
	"github.com/ironclaw/ironclaw/internal/bus"
	"github.com/ironclaw/ironclaw/internal/policy"
	"github.com/ironclaw/ironclaw/internal/shared"
	"github.com/ironclaw/ironclaw/internal/vault"
	"github.com/tetratelabs/wazero/api"
)

const maxResponseBytes = 1 << 20 // 1 MB

const maxRandomBytes = 64 * 1024

// Invocation binds one tool invocation to the host calls it may make.
// The registry builds it; the agent loop attaches it to the context
// before Invoke.
type Invocation struct {
	ToolName     string
	Capabilities policy.CapabilitySet
}

// invocationState carries the binding plus per-invocation injection plan.
type invocationState struct {
	inv Invocation

	mu sync.Mutex
	// placeholder token -> credential id, filled by secrets.inject.
	injections map[string]string
}

type invocationKey struct{}

// WithInvocation attaches an invocation binding to the context. Host
// calls without a binding are refused.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, &invocationState{
		inv:        inv,
		injections: map[string]string{},
	})
}

func invocationFrom(ctx context.Context) (*invocationState, bool) {
	st, ok := ctx.Value(invocationKey{}).(*invocationState)
	return st, ok
}

// HTTPResponse is what a sandboxed http.request sees: status plus a body
// that has already been through the inbound leak scan.
type HTTPResponse struct {
	StatusCode   int
	Body         string
	LeakRedacted bool
}

// HTTPRequest performs an outbound call on behalf of a sandboxed tool.
// The URL must pass both the tool's allowlist and the operator policy.
// The outbound payload is leak-scanned before credential placeholders are
// resolved, so references are never flagged but values never leave. The
// response body is leak-scanned and redacted before it returns.
func (h *Host) HTTPRequest(ctx context.Context, method, rawURL string, headers map[string]string, body string) (*HTTPResponse, error) {
	st, ok := invocationFrom(ctx)
	if !ok {
		return nil, ErrNoInvocation
	}
	tool := st.inv.ToolName
	pv := h.policy.PolicyVersion()

	if !st.inv.Capabilities.AllowURL(rawURL) {
		audit.Record("deny", "http.request", "url outside tool allowlist", pv, "tool:"+tool)
		return nil, fmt.Errorf("%w: %s", ErrAllowlistViolation, rawURL)
	}
	if !h.policy.AllowHTTPURL(rawURL) {
		audit.Record("deny", "http.request", "url denied by operator policy", pv, "tool:"+tool)
		return nil, fmt.Errorf("%w: %s", ErrAllowlistViolation, rawURL)
	}

	// Outbound leak scan runs on the payload as the sandbox produced it.
	if scanner := h.scanner(); scanner != nil {
		payload := body
		for _, v := range headers {
			payload += "\n" + v
		}
		if hits := scanner.Scan([]byte(payload)); len(hits) > 0 {
			label := hits[0].CredentialID
			if label == "" {
				label = hits[0].Pattern
			}
			audit.Record("deny", "http.request", "outbound secret leak: "+label, pv, "tool:"+tool)
			if h.bus != nil {
				h.bus.Publish(bus.TopicLeakAborted, bus.LeakAbortedEvent{
					ToolName:     tool,
					CredentialID: label,
					Direction:    "outbound",
				})
			}
			return nil, fmt.Errorf("%w: %s", ErrSecretLeak, label)
		}
	}

	body, err := h.resolveSecrets(st, body)
	if err != nil {
		return nil, err
	}
	resolvedHeaders := make(map[string]string, len(headers))
	for k, v := range headers {
		rv, err := h.resolveSecrets(st, v)
		if err != nil {
			return nil, err
		}
		resolvedHeaders[k] = rv
	}

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), rawURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range resolvedHeaders {
		req.Header.Set(k, v)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	redacted := false
	if scanner := h.scanner(); scanner != nil {
		clean, hits := scanner.Redact(respBody)
		if len(hits) > 0 {
			redacted = true
			respBody = clean
			audit.Record("redact", "http.request", "inbound secret redacted", pv, "tool:"+tool)
			if h.bus != nil {
				h.bus.Publish(bus.TopicLeakAborted, bus.LeakAbortedEvent{
					ToolName:     tool,
					CredentialID: hits[0].CredentialID,
					Direction:    "inbound",
				})
			}
		}
	}

	return &HTTPResponse{StatusCode: resp.StatusCode, Body: string(respBody), LeakRedacted: redacted}, nil
}

func (h *Host) scanner() *vault.Scanner {
	if h.vaultStore == nil {
		return nil
	}
	return h.vaultStore.Scanner()
}

// resolveSecrets substitutes recorded injection placeholders and vault
// placeholder tokens with plaintext. Runs only after the outbound scan.
func (h *Host) resolveSecrets(st *invocationState, s string) (string, error) {
	if h.vaultStore == nil {
		return s, nil
	}
	st.mu.Lock()
	injections := make(map[string]string, len(st.injections))
	for placeholder, id := range st.injections {
		injections[placeholder] = id
	}
	st.mu.Unlock()

	for placeholder, id := range injections {
		if !strings.Contains(s, placeholder) {
			continue
		}
		plaintext, err := h.vaultStore.ResolveForHost(st.inv.ToolName, id)
		if err != nil {
			return "", err
		}
		s = strings.ReplaceAll(s, placeholder, plaintext)
	}
	return h.vaultStore.ResolvePlaceholders(st.inv.ToolName, s)
}

// InjectSecret records that a placeholder in a later outbound payload is
// to receive credential id at send time. The sandbox never sees the
// plaintext; it only carries the placeholder.
func (h *Host) InjectSecret(ctx context.Context, placeholder, credentialID string) error {
	st, ok := invocationFrom(ctx)
	if !ok {
		return ErrNoInvocation
	}
	pv := h.policy.PolicyVersion()
	if placeholder == "" || credentialID == "" {
		return fmt.Errorf("placeholder and credential id are required")
	}
	if !st.inv.Capabilities.AllowSecret(credentialID) {
		audit.Record("deny", "secrets.inject", "credential not in tool capability set", pv, "tool:"+st.inv.ToolName)
		return fmt.Errorf("%w: secrets_read %s", ErrCapabilityDenied, credentialID)
	}
	st.mu.Lock()
	st.injections[placeholder] = credentialID
	st.mu.Unlock()
	audit.Record("allow", "secrets.inject", "injection recorded for "+credentialID, pv, "tool:"+st.inv.ToolName)
	return nil
}

// InvokeTool resolves a nested tool call through the registry. Depth is
// tracked on the context so chains cannot recurse past the limit.
func (h *Host) InvokeTool(ctx context.Context, name, args string) (string, error) {
	st, ok := invocationFrom(ctx)
	if !ok {
		return "", ErrNoInvocation
	}
	pv := h.policy.PolicyVersion()
	if !st.inv.Capabilities.AllowInvoke(name) {
		audit.Record("deny", "tools.invoke", "target not in tool_invoke list", pv, "tool:"+st.inv.ToolName)
		return "", fmt.Errorf("%w: tool_invoke %s", ErrCapabilityDenied, name)
	}
	depth := shared.InvokeDepth(ctx)
	if depth >= h.maxInvokeDepth {
		audit.Record("deny", "tools.invoke", "invocation depth exceeded", pv, "tool:"+st.inv.ToolName)
		return "", fmt.Errorf("%w: depth %d", ErrInvokeDepth, depth)
	}
	if h.invoker == nil {
		return "", fmt.Errorf("tools.invoke: no registry attached")
	}
	audit.Record("allow", "tools.invoke", "invoking "+name, pv, "tool:"+st.inv.ToolName)
	return h.invoker(shared.WithInvokeDepth(ctx, depth+1), name, args)
}

// WorkspaceRead reads a workspace-relative path the tool holds a read
// prefix for.
func (h *Host) WorkspaceRead(ctx context.Context, path string) (string, error) {
	st, ok := invocationFrom(ctx)
	if !ok {
		return "", ErrNoInvocation
	}
	if !st.inv.Capabilities.AllowRead(path) {
		audit.Record("deny", "workspace.read", "path outside read prefixes", h.policy.PolicyVersion(), "tool:"+st.inv.ToolName)
		return "", fmt.Errorf("%w: workspace_read %s", ErrCapabilityDenied, path)
	}
	if h.ws == nil {
		return "", fmt.Errorf("workspace.read: no workspace attached")
	}
	return h.ws.Read(path)
}

// WorkspaceWrite writes a workspace-relative path the tool holds a write
// prefix for.
func (h *Host) WorkspaceWrite(ctx context.Context, path, content string) error {
	st, ok := invocationFrom(ctx)
	if !ok {
		return ErrNoInvocation
	}
	if !st.inv.Capabilities.AllowWrite(path) {
		audit.Record("deny", "workspace.write", "path outside write prefixes", h.policy.PolicyVersion(), "tool:"+st.inv.ToolName)
		return fmt.Errorf("%w: workspace_write %s", ErrCapabilityDenied, path)
	}
	if h.ws == nil {
		return fmt.Errorf("workspace.write: no workspace attached")
	}
	return h.ws.Write(path, content)
}

// RandomBytes draws n bytes from the host CSPRNG, capped at 64 KB.
func (h *Host) RandomBytes(n int) ([]byte, error) {
	if n <= 0 || n > maxRandomBytes {
		return nil, fmt.Errorf("random.bytes: n must be in (0, %d], got %d", maxRandomBytes, n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("random.bytes: %w", err)
	}
	return buf, nil
}

// Guest-facing wrappers. Strings cross the boundary as (ptr, len) pairs
// into guest linear memory; results go back through the guest's exported
// alloc as a packed (ptr<<32 | len) u64. Zero means failure.

func (h *Host) hostHTTPRequest(ctx context.Context, module api.Module,
	methodPtr, methodLen, urlPtr, urlLen, headersPtr, headersLen, bodyPtr, bodyLen uint32) uint64 {
	method, ok := readGuestString(module, methodPtr, methodLen)
	if !ok {
		return 0
	}
	rawURL, ok := readGuestString(module, urlPtr, urlLen)
	if !ok {
		return 0
	}
	headers := map[string]string{}
	if headersLen > 0 {
		raw, ok := readGuestString(module, headersPtr, headersLen)
		if !ok {
			return 0
		}
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			h.logger.Error("http.request: bad headers json", "error", err)
			return 0
		}
	}
	body := ""
	if bodyLen > 0 {
		body, ok = readGuestString(module, bodyPtr, bodyLen)
		if !ok {
			return 0
		}
	}

	resp, err := h.HTTPRequest(ctx, method, rawURL, headers, body)
	if err != nil {
		h.logger.Warn("http.request failed", "url", rawURL, "error", err)
		return 0
	}
	return h.packGuestString(ctx, module, "http.request", resp.Body)
}

func (h *Host) hostSecretsInject(ctx context.Context, module api.Module,
	placeholderPtr, placeholderLen, idPtr, idLen uint32) uint32 {
	placeholder, ok := readGuestString(module, placeholderPtr, placeholderLen)
	if !ok {
		return 0
	}
	id, ok := readGuestString(module, idPtr, idLen)
	if !ok {
		return 0
	}
	if err := h.InjectSecret(ctx, placeholder, id); err != nil {
		h.logger.Warn("secrets.inject denied", "error", err)
		return 0
	}
	return 1
}

func (h *Host) hostToolsInvoke(ctx context.Context, module api.Module,
	namePtr, nameLen, argsPtr, argsLen uint32) uint64 {
	name, ok := readGuestString(module, namePtr, nameLen)
	if !ok {
		return 0
	}
	args := ""
	if argsLen > 0 {
		args, ok = readGuestString(module, argsPtr, argsLen)
		if !ok {
			return 0
		}
	}
	result, err := h.InvokeTool(ctx, name, args)
	if err != nil {
		h.logger.Warn("tools.invoke failed", "target", name, "error", err)
		return 0
	}
	return h.packGuestString(ctx, module, "tools.invoke", result)
}

func (h *Host) hostWorkspaceRead(ctx context.Context, module api.Module, pathPtr, pathLen uint32) uint64 {
	path, ok := readGuestString(module, pathPtr, pathLen)
	if !ok {
		return 0
	}
	content, err := h.WorkspaceRead(ctx, path)
	if err != nil {
		h.logger.Warn("workspace.read failed", "path", path, "error", err)
		return 0
	}
	return h.packGuestString(ctx, module, "workspace.read", content)
}

func (h *Host) hostWorkspaceWrite(ctx context.Context, module api.Module,
	pathPtr, pathLen, dataPtr, dataLen uint32) uint32 {
	path, ok := readGuestString(module, pathPtr, pathLen)
	if !ok {
		return 0
	}
	data := ""
	if dataLen > 0 {
		data, ok = readGuestString(module, dataPtr, dataLen)
		if !ok {
			return 0
		}
	}
	if err := h.WorkspaceWrite(ctx, path, data); err != nil {
		h.logger.Warn("workspace.write failed", "path", path, "error", err)
		return 0
	}
	return 1
}

func (h *Host) hostLog(ctx context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, ok := readGuestString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readGuestString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("log: failed to read message from guest memory")
		return
	}
	switch strings.ToLower(level) {
	case "error":
		h.logger.Error("wasm guest log", "msg", msg)
	case "warn":
		h.logger.Warn("wasm guest log", "msg", msg)
	case "debug":
		h.logger.Debug("wasm guest log", "msg", msg)
	default:
		h.logger.Info("wasm guest log", "msg", msg)
	}
}

func (h *Host) hostTimeNow(ctx context.Context) int64 {
	return time.Now().UnixMilli()
}

func (h *Host) hostRandomBytes(ctx context.Context, module api.Module, destPtr, n uint32) uint32 {
	buf, err := h.RandomBytes(int(n))
	if err != nil {
		h.logger.Warn("random.bytes failed", "n", n, "error", err)
		return 0
	}
	if !module.Memory().Write(destPtr, buf) {
		h.logger.Error("random.bytes: guest memory write failed", "ptr", destPtr, "n", n)
		return 0
	}
	return n
}

func (h *Host) packGuestString(ctx context.Context, module api.Module, call, s string) uint64 {
	ptr, length, err := writeGuestBytes(ctx, module, []byte(s))
	if err != nil {
		h.logger.Warn(call+": result write to guest failed", "error", err)
		return 0
	}
	return uint64(ptr)<<32 | uint64(length)
}
