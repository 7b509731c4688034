package wasm_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ironclaw/ironclaw/internal/bus"
	"github.com/ironclaw/ironclaw/internal/policy"
	"github.com/ironclaw/ironclaw/internal/sandbox/wasm"
	"github.com/ironclaw/ironclaw/internal/vault"
	"github.com/ironclaw/ironclaw/internal/workspace"
)

const testSecret = "hunter2-super-secret-value"

// loopbackPolicy lets tests reach httptest servers on 127.0.0.1.
var loopbackPolicy = policy.Policy{
	AllowDomains:  []string{"127.0.0.1"},
	AllowLoopback: true,
}

func fetcherInvocation() wasm.Invocation {
	return wasm.Invocation{
		ToolName: "fetcher",
		Capabilities: policy.CapabilitySet{
			HTTPOutbound: []string{"127.0.0.1"},
			SecretsRead:  []string{"PROD_KEY"},
		},
	}
}

func vaultWithProdKey(t *testing.T) *vault.Vault {
	t.Helper()
	v := openTestVault(t)
	if err := v.Put("PROD_KEY", vault.KindAPIKey, testSecret, []string{"fetcher"}); err != nil {
		t.Fatalf("put credential: %v", err)
	}
	return v
}

func waitForLeakEvent(t *testing.T, sub *bus.Subscription) bus.LeakAbortedEvent {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.LeakAbortedEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("no leak event published")
		return bus.LeakAbortedEvent{}
	}
}

func TestHTTPRequest_OutboundSecretLeakAborted(t *testing.T) {
	var egress atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		egress.Add(1)
	}))
	defer srv.Close()

	b := bus.New()
	sub := b.Subscribe(bus.TopicLeakAborted)
	defer b.Unsubscribe(sub)

	h := newTestHost(t, wasm.Config{
		Vault:  vaultWithProdKey(t),
		Policy: loopbackPolicy,
		Bus:    b,
	})
	ctx := wasm.WithInvocation(context.Background(), fetcherInvocation())

	_, err := h.HTTPRequest(ctx, "POST", srv.URL+"/ingest", nil, "hi "+testSecret)
	if !errors.Is(err, wasm.ErrSecretLeak) {
		t.Fatalf("expected secret leak abort, got %v", err)
	}
	if !strings.Contains(err.Error(), "PROD_KEY") {
		t.Fatalf("error should name the credential id, got %v", err)
	}
	if got := egress.Load(); got != 0 {
		t.Fatalf("no egress expected, server saw %d requests", got)
	}

	ev := waitForLeakEvent(t, sub)
	if ev.CredentialID != "PROD_KEY" || ev.Direction != "outbound" || ev.ToolName != "fetcher" {
		t.Fatalf("unexpected leak event: %+v", ev)
	}
}

func TestHTTPRequest_HeaderLeakAborted(t *testing.T) {
	var egress atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		egress.Add(1)
	}))
	defer srv.Close()

	h := newTestHost(t, wasm.Config{
		Vault:  vaultWithProdKey(t),
		Policy: loopbackPolicy,
	})
	ctx := wasm.WithInvocation(context.Background(), fetcherInvocation())

	headers := map[string]string{"X-Api-Key": testSecret}
	if _, err := h.HTTPRequest(ctx, "GET", srv.URL, headers, ""); !errors.Is(err, wasm.ErrSecretLeak) {
		t.Fatalf("expected leak abort on header, got %v", err)
	}
	if egress.Load() != 0 {
		t.Fatal("no egress expected")
	}
}

func TestHTTPRequest_PlaceholderResolvedAfterScan(t *testing.T) {
	var received atomic.Pointer[string]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s := string(body)
		received.Store(&s)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := newTestHost(t, wasm.Config{
		Vault:  vaultWithProdKey(t),
		Policy: loopbackPolicy,
	})
	ctx := wasm.WithInvocation(context.Background(), fetcherInvocation())

	// The placeholder reference passes the scan; the value is substituted
	// only at send time.
	resp, err := h.HTTPRequest(ctx, "POST", srv.URL, nil, "key="+vault.Placeholder("PROD_KEY"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Body != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	got := received.Load()
	if got == nil || *got != "key="+testSecret {
		t.Fatalf("server should receive the resolved value, got %v", got)
	}
}

func TestHTTPRequest_InboundSecretRedacted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("leaked: " + testSecret))
	}))
	defer srv.Close()

	b := bus.New()
	sub := b.Subscribe(bus.TopicLeakAborted)
	defer b.Unsubscribe(sub)

	h := newTestHost(t, wasm.Config{
		Vault:  vaultWithProdKey(t),
		Policy: loopbackPolicy,
		Bus:    b,
	})
	ctx := wasm.WithInvocation(context.Background(), fetcherInvocation())

	resp, err := h.HTTPRequest(ctx, "GET", srv.URL, nil, "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !resp.LeakRedacted {
		t.Fatal("response should be marked redacted")
	}
	if strings.Contains(resp.Body, testSecret) {
		t.Fatal("plaintext must not reach the sandbox")
	}
	if !strings.Contains(resp.Body, "[REDACTED:PROD_KEY]") {
		t.Fatalf("body should carry the redaction marker, got %q", resp.Body)
	}

	ev := waitForLeakEvent(t, sub)
	if ev.Direction != "inbound" {
		t.Fatalf("unexpected leak event: %+v", ev)
	}
}

func TestInjectSecret_AppliedAtSendTime(t *testing.T) {
	var auth atomic.Pointer[string]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := r.Header.Get("Authorization")
		auth.Store(&s)
	}))
	defer srv.Close()

	h := newTestHost(t, wasm.Config{
		Vault:  vaultWithProdKey(t),
		Policy: loopbackPolicy,
	})
	ctx := wasm.WithInvocation(context.Background(), fetcherInvocation())

	if err := h.InjectSecret(ctx, "@@PROD@@", "PROD_KEY"); err != nil {
		t.Fatalf("inject: %v", err)
	}
	headers := map[string]string{"Authorization": "Key @@PROD@@"}
	if _, err := h.HTTPRequest(ctx, "GET", srv.URL, headers, ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	got := auth.Load()
	if got == nil || *got != "Key "+testSecret {
		t.Fatalf("injection not applied, server saw %v", got)
	}
}

func TestInjectSecret_CapabilityGate(t *testing.T) {
	h := newTestHost(t, wasm.Config{Vault: vaultWithProdKey(t)})

	ctx := wasm.WithInvocation(context.Background(), wasm.Invocation{
		ToolName:     "fetcher",
		Capabilities: policy.CapabilitySet{}, // no secrets_read
	})
	if err := h.InjectSecret(ctx, "@@PROD@@", "PROD_KEY"); !errors.Is(err, wasm.ErrCapabilityDenied) {
		t.Fatalf("expected capability denial, got %v", err)
	}

	if err := h.InjectSecret(context.Background(), "@@PROD@@", "PROD_KEY"); !errors.Is(err, wasm.ErrNoInvocation) {
		t.Fatalf("expected ErrNoInvocation, got %v", err)
	}
}

func TestInjectSecret_ScopeEnforcedByVault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	h := newTestHost(t, wasm.Config{
		Vault:  vaultWithProdKey(t),
		Policy: loopbackPolicy,
	})
	// Capability claims the credential but the vault scope says otherwise.
	ctx := wasm.WithInvocation(context.Background(), wasm.Invocation{
		ToolName: "other-tool",
		Capabilities: policy.CapabilitySet{
			HTTPOutbound: []string{"127.0.0.1"},
			SecretsRead:  []string{"PROD_KEY"},
		},
	})

	if err := h.InjectSecret(ctx, "@@PROD@@", "PROD_KEY"); err != nil {
		t.Fatalf("inject records the plan: %v", err)
	}
	_, err := h.HTTPRequest(ctx, "GET", srv.URL, nil, "@@PROD@@")
	if !errors.Is(err, vault.ErrScope) {
		t.Fatalf("expected vault scope denial at resolve time, got %v", err)
	}
}

func TestInvokeTool_DepthLimited(t *testing.T) {
	var calls atomic.Int64
	var h *wasm.Host
	h = newTestHost(t, wasm.Config{
		MaxInvokeDepth: 2,
		Invoker: func(ctx context.Context, name, args string) (string, error) {
			calls.Add(1)
			return h.InvokeTool(ctx, name, args)
		},
	})
	ctx := wasm.WithInvocation(context.Background(), wasm.Invocation{
		ToolName:     "chainer",
		Capabilities: policy.CapabilitySet{ToolInvoke: []string{"echo"}},
	})

	_, err := h.InvokeTool(ctx, "echo", "{}")
	if !errors.Is(err, wasm.ErrInvokeDepth) {
		t.Fatalf("expected depth limit, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 nested calls before the limit, got %d", got)
	}
}

func TestInvokeTool_CapabilityGate(t *testing.T) {
	h := newTestHost(t, wasm.Config{
		Invoker: func(ctx context.Context, name, args string) (string, error) {
			return "done", nil
		},
	})
	ctx := wasm.WithInvocation(context.Background(), wasm.Invocation{
		ToolName:     "chainer",
		Capabilities: policy.CapabilitySet{ToolInvoke: []string{"echo"}},
	})

	if _, err := h.InvokeTool(ctx, "shell", "{}"); !errors.Is(err, wasm.ErrCapabilityDenied) {
		t.Fatalf("expected capability denial, got %v", err)
	}
	got, err := h.InvokeTool(ctx, "echo", "{}")
	if err != nil || got != "done" {
		t.Fatalf("allowed invoke failed: %q, %v", got, err)
	}
}

func TestWorkspaceReadWrite_PrefixGated(t *testing.T) {
	ws, err := workspace.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	h := newTestHost(t, wasm.Config{Workspace: ws})
	ctx := wasm.WithInvocation(context.Background(), wasm.Invocation{
		ToolName: "noter",
		Capabilities: policy.CapabilitySet{
			WorkspaceRead:  []string{"notes"},
			WorkspaceWrite: []string{"notes"},
		},
	})

	if err := h.WorkspaceWrite(ctx, "notes/a.md", "hello"); err != nil {
		t.Fatalf("write in prefix: %v", err)
	}
	got, err := h.WorkspaceRead(ctx, "notes/a.md")
	if err != nil || got != "hello" {
		t.Fatalf("read back: %q, %v", got, err)
	}

	if err := h.WorkspaceWrite(ctx, "MEMORY.md", "x"); !errors.Is(err, wasm.ErrCapabilityDenied) {
		t.Fatalf("write outside prefix should be denied, got %v", err)
	}
	if _, err := h.WorkspaceRead(ctx, "SOUL.md"); !errors.Is(err, wasm.ErrCapabilityDenied) {
		t.Fatalf("read outside prefix should be denied, got %v", err)
	}
	if err := h.WorkspaceWrite(ctx, "notes/../MEMORY.md", "x"); !errors.Is(err, wasm.ErrCapabilityDenied) {
		t.Fatalf("traversal should be denied at the capability check, got %v", err)
	}
}
