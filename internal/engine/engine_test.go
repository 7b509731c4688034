package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ironclaw/ironclaw/internal/bus"
	"github.com/ironclaw/ironclaw/internal/compact"
	"github.com/ironclaw/ironclaw/internal/llm"
	"github.com/ironclaw/ironclaw/internal/persistence"
	"github.com/ironclaw/ironclaw/internal/policy"
	"github.com/ironclaw/ironclaw/internal/tools"
	"github.com/ironclaw/ironclaw/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedClient replays canned responses and records every request.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []llm.Request
}

func (c *scriptedClient) Complete(ctx context.Context, sessionID string, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return &llm.Response{Content: NoReplyToken}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) request(t *testing.T, i int) llm.Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.requests) {
		t.Fatalf("only %d requests recorded, wanted index %d", len(c.requests), i)
	}
	return c.requests[i]
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	return "summary of earlier conversation", nil
}

type testHarness struct {
	engine *Engine
	client *scriptedClient
	store  *persistence.Store
	ws     *workspace.Workspace
	bus    *bus.Bus
	reg    *tools.Registry
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "ironclaw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ws, err := workspace.Open(filepath.Join(dir, "workspace"))
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}

	reg := tools.NewRegistry(testLogger())
	if err := reg.RegisterBuiltins(tools.Deps{Workspace: ws, Store: store, Logger: testLogger()}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	client := &scriptedClient{}
	b := bus.New()
	if cfg.DailyResetHour == 0 {
		cfg.DailyResetHour = -1
	}
	eng := New(cfg, Deps{
		Client:    client,
		Registry:  reg,
		Store:     store,
		Workspace: ws,
		Compactor: compact.NewCompactor(fakeSummarizer{}, compact.CompactorConfig{}, testLogger()),
		Bus:       b,
		Logger:    testLogger(),
	})
	return &testHarness{engine: eng, client: client, store: store, ws: ws, bus: b, reg: reg}
}

func (h *testHarness) newThread(t *testing.T, kind string) *persistence.Thread {
	t.Helper()
	th, err := h.store.CreateThread(context.Background(), "user-1", "main", kind, "cli")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return th
}

func registerEchoTool(t *testing.T, reg *tools.Registry, name string, approval bool) {
	t.Helper()
	err := reg.Register(&tools.Tool{
		Name:        name,
		Description: "echoes its input",
		RawSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"],
			"additionalProperties": false
		}`),
		Source: tools.SourceBuiltIn,
		Policy: policy.ToolPolicy{ApprovalRequired: approval},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "echo: " + args["text"].(string), nil
		},
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func toolCallResponse(name, args string) *llm.Response {
	return &llm.Response{ToolCalls: []llm.ToolCall{
		{ID: "call-1", Name: name, Arguments: json.RawMessage(args)},
	}}
}

func TestRunTurn_ToolCallThenReply(t *testing.T) {
	h := newHarness(t, Config{})
	registerEchoTool(t, h.reg, "echo", false)
	h.client.responses = []*llm.Response{
		toolCallResponse("echo", `{"text": "ping"}`),
		{Content: "the tool said ping"},
	}
	th := h.newThread(t, persistence.SessionKindMain)

	reply, th, err := h.engine.RunTurn(context.Background(), th, "run the echo tool")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if reply != "the tool said ping" {
		t.Fatalf("reply = %q", reply)
	}

	msgs, err := h.store.ThreadMessages(context.Background(), th.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	// user, assistant tool-call envelope, tool result, assistant reply.
	if len(msgs) != 4 {
		t.Fatalf("persisted %d messages, want 4", len(msgs))
	}
	if msgs[1].Role != "assistant" || !strings.Contains(msgs[1].Content, `"echo"`) {
		t.Fatalf("tool-call envelope = %+v", msgs[1])
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "call-1" || msgs[2].Content != "echo: ping" {
		t.Fatalf("tool result = %+v", msgs[2])
	}

	// The second LLM call must see the tool result.
	second := h.client.request(t, 1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != llm.RoleTool || last.Content != "echo: ping" {
		t.Fatalf("model never saw the tool result: %+v", last)
	}
}

func TestRunTurn_ToolErrorSurfacesToModel(t *testing.T) {
	h := newHarness(t, Config{})
	registerEchoTool(t, h.reg, "echo", false)
	h.client.responses = []*llm.Response{
		toolCallResponse("echo", `{"wrong_key": true}`),
		{Content: "recovered"},
	}
	th := h.newThread(t, persistence.SessionKindMain)

	reply, _, err := h.engine.RunTurn(context.Background(), th, "go")
	if err != nil {
		t.Fatalf("RunTurn must not fail on a tool error: %v", err)
	}
	if reply != "recovered" {
		t.Fatalf("reply = %q", reply)
	}
	second := h.client.request(t, 1)
	last := second.Messages[len(second.Messages)-1]
	if !strings.HasPrefix(last.Content, "tool error:") {
		t.Fatalf("tool failure not surfaced: %q", last.Content)
	}
}

func TestRunTurn_BudgetExceeded(t *testing.T) {
	h := newHarness(t, Config{MaxToolIterations: 2})
	registerEchoTool(t, h.reg, "echo", false)
	h.client.responses = []*llm.Response{
		toolCallResponse("echo", `{"text": "a"}`),
		toolCallResponse("echo", `{"text": "b"}`),
		toolCallResponse("echo", `{"text": "c"}`),
	}
	th := h.newThread(t, persistence.SessionKindMain)

	if _, _, err := h.engine.RunTurn(context.Background(), th, "loop"); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want budget exceeded", err)
	}
}

func TestBuildSystemPrompt_GroupSessionOmitsMemory(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.ws.Write(workspace.PersonaFile, "You are Ajax."); err != nil {
		t.Fatalf("write persona: %v", err)
	}
	if err := h.ws.Write(workspace.MemoryFile, "secret plan: blue-falcon"); err != nil {
		t.Fatalf("write memory: %v", err)
	}

	main := h.newThread(t, persistence.SessionKindMain)
	prompt, err := h.engine.BuildSystemPrompt(context.Background(), main)
	if err != nil {
		t.Fatalf("main prompt: %v", err)
	}
	if !strings.Contains(prompt, "blue-falcon") || !strings.Contains(prompt, "You are Ajax.") {
		t.Fatalf("main prompt missing layers: %q", prompt)
	}

	group := h.newThread(t, persistence.SessionKindGroup)
	prompt, err = h.engine.BuildSystemPrompt(context.Background(), group)
	if err != nil {
		t.Fatalf("group prompt: %v", err)
	}
	if strings.Contains(prompt, "blue-falcon") {
		t.Fatal("group prompt leaked long-term memory")
	}
	if !strings.Contains(prompt, "You are Ajax.") {
		t.Fatal("group prompt lost the persona")
	}
}

func TestRunTurn_CompactionWithMemoryFlush(t *testing.T) {
	h := newHarness(t, Config{ContextLimit: 1000})
	th := h.newThread(t, persistence.SessionKindMain)

	ctx := context.Background()
	filler := strings.Repeat("the deploy pipeline is still red ", 8)
	for i := 0; i < 30; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := h.store.AppendMessage(ctx, th.ID, role, filler, "", 0); err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}

	compactionDone := h.bus.Subscribe(bus.TopicCompactionDone)
	defer h.bus.Unsubscribe(compactionDone)
	flushDone := h.bus.Subscribe(bus.TopicMemoryFlushDone)
	defer h.bus.Unsubscribe(flushDone)

	h.client.responses = []*llm.Response{
		{Content: NoReplyToken},         // memory flush: nothing to store
		{Content: "context is compact"}, // the user turn itself
	}
	reply, th, err := h.engine.RunTurn(ctx, th, "still there?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if reply != "context is compact" {
		t.Fatalf("reply = %q", reply)
	}

	// The flush call offers only the memory tools.
	flushReq := h.client.request(t, 0)
	for _, spec := range flushReq.Tools {
		if !strings.HasPrefix(spec.Name, "memory_") {
			t.Fatalf("flush catalog leaked tool %q", spec.Name)
		}
	}
	if len(flushReq.Tools) == 0 {
		t.Fatal("flush catalog empty")
	}

	if th.CompactionCount != 1 {
		t.Fatalf("compaction count = %d", th.CompactionCount)
	}
	if th.LastMemoryFlushAtCompaction != 1 {
		t.Fatalf("flush generation = %d", th.LastMemoryFlushAtCompaction)
	}

	msgs, err := h.store.ThreadMessages(ctx, th.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) >= 32 {
		t.Fatalf("history not compacted: %d messages", len(msgs))
	}

	select {
	case <-flushDone.Ch():
	case <-time.After(time.Second):
		t.Fatal("no memory flush event")
	}
	select {
	case ev := <-compactionDone.Ch():
		done, ok := ev.Payload.(bus.CompactionEvent)
		if !ok || done.ThreadID != th.ID {
			t.Fatalf("compaction payload = %#v", ev.Payload)
		}
		if done.TokensIn <= done.TokensOut {
			t.Fatalf("compaction saved nothing: in=%d out=%d", done.TokensIn, done.TokensOut)
		}
	case <-time.After(time.Second):
		t.Fatal("no compaction event")
	}
}

func TestRunTurn_ApprovalDenied(t *testing.T) {
	h := newHarness(t, Config{ApprovalTimeout: 5 * time.Second})
	registerEchoTool(t, h.reg, "deploy", true)
	h.client.responses = []*llm.Response{
		toolCallResponse("deploy", `{"text": "ship it"}`),
		{Content: "holding off"},
	}
	th := h.newThread(t, persistence.SessionKindMain)

	requests := h.bus.Subscribe(bus.TopicApprovalRequest)
	go func() {
		defer h.bus.Unsubscribe(requests)
		ev, ok := <-requests.Ch()
		if !ok {
			return
		}
		req := ev.Payload.(bus.ApprovalRequest)
		h.bus.Publish(bus.TopicApprovalReply, bus.ApprovalResponse{
			RequestID: req.RequestID, Action: "reject", Reason: "not during the freeze",
		})
	}()

	reply, _, err := h.engine.RunTurn(context.Background(), th, "deploy now")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if reply != "holding off" {
		t.Fatalf("reply = %q", reply)
	}
	second := h.client.request(t, 1)
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "denied") || !strings.Contains(last.Content, "freeze") {
		t.Fatalf("denial not surfaced: %q", last.Content)
	}
}

func TestRunTurn_ApprovalTimeout(t *testing.T) {
	h := newHarness(t, Config{ApprovalTimeout: 50 * time.Millisecond})
	registerEchoTool(t, h.reg, "deploy", true)
	h.client.responses = []*llm.Response{
		toolCallResponse("deploy", `{"text": "ship it"}`),
		{Content: "nobody answered"},
	}
	th := h.newThread(t, persistence.SessionKindMain)

	if _, _, err := h.engine.RunTurn(context.Background(), th, "deploy"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	second := h.client.request(t, 1)
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "timed out") {
		t.Fatalf("timeout not surfaced: %q", last.Content)
	}
}

func TestRunTurn_DailyResetRollsThread(t *testing.T) {
	h := newHarness(t, Config{DailyResetHour: 4})
	// The stored activity timestamp is real time; push the clock two
	// days ahead so the boundary has passed.
	h.engine.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	th := h.newThread(t, persistence.SessionKindMain)
	ctx := context.Background()
	if _, err := h.store.AppendMessage(ctx, th.ID, "user", "yesterday's chatter", "", 5); err != nil {
		t.Fatalf("seed: %v", err)
	}
	th, err := h.store.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	h.client.responses = []*llm.Response{{Content: "fresh start"}}
	reply, fresh, err := h.engine.RunTurn(ctx, th, "good morning")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if reply != "fresh start" {
		t.Fatalf("reply = %q", reply)
	}
	if fresh.ID == th.ID {
		t.Fatal("stale thread survived the reset")
	}

	// The old thread is snapshotted into the daily tree.
	snaps, err := filepath.Glob(filepath.Join(h.ws.Root(), "daily", "*-session-*.md"))
	if err != nil || len(snaps) == 0 {
		t.Fatalf("no session snapshot written (err=%v)", err)
	}

	// The new turn landed on the fresh thread only.
	msgs, err := h.store.ThreadMessages(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("fresh thread has %d messages, want 2", len(msgs))
	}
}

func TestRunBoot_MissingChecklistIsNoop(t *testing.T) {
	h := newHarness(t, Config{})
	th := h.newThread(t, persistence.SessionKindMain)
	if err := h.engine.RunBoot(context.Background(), th); err != nil {
		t.Fatalf("RunBoot: %v", err)
	}
	if len(h.client.requests) != 0 {
		t.Fatal("boot without BOOT.md must not call the model")
	}
}

func TestRunBoot_RunsChecklistSilently(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.ws.Write(workspace.BootFile, "- check the task queue"); err != nil {
		t.Fatalf("write boot file: %v", err)
	}
	th := h.newThread(t, persistence.SessionKindMain)

	h.client.responses = []*llm.Response{{Content: NoReplyToken}}
	if err := h.engine.RunBoot(context.Background(), th); err != nil {
		t.Fatalf("RunBoot: %v", err)
	}

	msgs, err := h.store.ThreadMessages(context.Background(), th.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("boot chain leaked %d messages into the thread", len(msgs))
	}
}
