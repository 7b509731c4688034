// Package engine orchestrates agent turns: prompt assembly, the
// integrity gate, compaction with its pre-flush, LLM calls, and tool
// dispatch. The scheduler in this package owns job ordering; the engine
// itself runs exactly one turn chain at a time per thread.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ironclaw/ironclaw/internal/bus"
	"github.com/ironclaw/ironclaw/internal/compact"
	"github.com/ironclaw/ironclaw/internal/integrity"
	"github.com/ironclaw/ironclaw/internal/llm"
	"github.com/ironclaw/ironclaw/internal/persistence"
	"github.com/ironclaw/ironclaw/internal/shared"
	"github.com/ironclaw/ironclaw/internal/tokenutil"
	"github.com/ironclaw/ironclaw/internal/tools"
	"github.com/ironclaw/ironclaw/internal/workspace"
)

// NoReplyToken ends silent turn chains (boot, memory flush, heartbeat).
const NoReplyToken = "NO_REPLY"

const (
	memoryFlushCap        = 3
	integrityCheckTimeout = 500 * time.Millisecond
)

var (
	// ErrBudgetExceeded means the tool-call loop hit its iteration cap
	// without the model producing final text.
	ErrBudgetExceeded = errors.New("turn exceeded tool iteration budget")
	// ErrApprovalDenied means the user rejected an approval-gated tool.
	ErrApprovalDenied = errors.New("tool approval denied")
	// ErrApprovalTimeout means nobody answered the approval request.
	ErrApprovalTimeout = errors.New("tool approval timed out")
)

// Completer is the model surface the engine drives. The llm.Router
// satisfies it; tests use fakes.
type Completer interface {
	Complete(ctx context.Context, sessionID string, req llm.Request) (*llm.Response, error)
}

// Config tunes the engine.
type Config struct {
	AgentID   string
	AgentName string
	// LLMTimeout bounds one completion call (default 120s).
	LLMTimeout time.Duration
	// MaxToolIterations bounds the call/dispatch loop in one turn
	// (default 20).
	MaxToolIterations int
	// DailyResetHour is the local hour at which threads roll over; -1
	// disables the reset.
	DailyResetHour int
	// ContextLimit is the model context window in tokens used by the
	// compaction gate (default 128000).
	ContextLimit int
	// TopLearnings is the number of active learnings appended to main
	// session prompts (default 5).
	TopLearnings int
	// ApprovalTimeout bounds the wait for a channel-level approval
	// (default 2m).
	ApprovalTimeout time.Duration
}

func (c *Config) fillDefaults() {
	if c.AgentID == "" {
		c.AgentID = "main"
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 120 * time.Second
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 20
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = 128000
	}
	if c.TopLearnings <= 0 {
		c.TopLearnings = 5
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 2 * time.Minute
	}
}

// Deps carries the engine's collaborators. Integrity and Compactor may
// be nil; the corresponding gates are then skipped.
type Deps struct {
	Client    Completer
	Registry  *tools.Registry
	Store     *persistence.Store
	Workspace *workspace.Workspace
	Integrity *integrity.Monitor
	Compactor *compact.Compactor
	Bus       *bus.Bus
	Logger    *slog.Logger
}

// Engine runs agent turns.
type Engine struct {
	cfg      Config
	client   Completer
	registry *tools.Registry
	store    *persistence.Store
	ws       *workspace.Workspace
	monitor  *integrity.Monitor
	compact  *compact.Compactor
	bus      *bus.Bus
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config, deps Deps) *Engine {
	cfg.fillDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}
	return &Engine{
		cfg:      cfg,
		client:   deps.Client,
		registry: deps.Registry,
		store:    deps.Store,
		ws:       deps.Workspace,
		monitor:  deps.Integrity,
		compact:  deps.Compactor,
		bus:      deps.Bus,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// RunTurn executes one user turn against a thread. The returned thread
// is the one the turn actually ran on; a daily reset swaps in a fresh
// one.
func (e *Engine) RunTurn(ctx context.Context, thread *persistence.Thread, userText string) (string, *persistence.Thread, error) {
	ctx = shared.WithUserID(ctx, thread.UserID)
	ctx = shared.WithAgentID(ctx, thread.AgentID)

	e.bus.Publish(bus.TopicTurnStarted, bus.TurnEvent{
		ThreadID: thread.ID, AgentID: thread.AgentID, UserID: thread.UserID,
	})

	thread, err := e.maybeDailyReset(ctx, thread)
	if err != nil {
		return "", thread, err
	}

	e.checkIntegrity(ctx)

	system, err := e.BuildSystemPrompt(ctx, thread)
	if err != nil {
		return "", thread, err
	}

	history, err := e.loadHistory(ctx, thread.ID)
	if err != nil {
		return "", thread, err
	}

	if e.compact != nil && e.compact.NeedsCompaction(history, e.cfg.ContextLimit) {
		if history, err = e.compactThread(ctx, thread, history); err != nil {
			return "", thread, err
		}
		if thread, err = e.store.GetThread(ctx, thread.ID); err != nil {
			return "", thread, err
		}
	}

	if err := e.appendMessage(ctx, thread.ID, llm.User(userText)); err != nil {
		return "", thread, err
	}
	history = append(history, llm.User(userText))

	reply, err := e.drive(ctx, thread, system, history, e.catalogSpecs(e.registry.Catalog()), true)
	if err != nil {
		e.bus.Publish(bus.TopicTurnFailed, bus.TurnEvent{
			ThreadID: thread.ID, AgentID: thread.AgentID, UserID: thread.UserID,
		})
		return "", thread, err
	}

	e.bus.Publish(bus.TopicTurnCompleted, bus.TurnEvent{
		ThreadID: thread.ID, AgentID: thread.AgentID, UserID: thread.UserID,
	})
	return reply, thread, nil
}

// RunBoot runs the one-off BOOT.md turn on cold start. Output is
// suppressed; tool calls execute with the full catalog. A missing
// BOOT.md is a no-op.
func (e *Engine) RunBoot(ctx context.Context, thread *persistence.Thread) error {
	if e.ws == nil {
		return nil
	}
	checklist := e.ws.ReadOrEmpty(workspace.BootFile)
	if strings.TrimSpace(checklist) == "" {
		return nil
	}
	ctx = shared.WithUserID(ctx, thread.UserID)
	ctx = shared.WithAgentID(ctx, thread.AgentID)

	system := "Execute these startup checks. Reply " + NoReplyToken + " when done."
	history := []llm.Message{llm.User(checklist)}
	_, err := e.drive(ctx, thread, system, history, e.catalogSpecs(e.registry.Catalog()), false)
	if err != nil {
		e.logger.Warn("boot turn failed", "error", err)
	}
	return err
}

// drive is the call/dispatch loop. When persist is true, assistant and
// tool messages are appended to the thread; silent chains (boot, memory
// flush) leave the thread untouched.
func (e *Engine) drive(ctx context.Context, thread *persistence.Thread, system string, history []llm.Message, specs []llm.ToolSpec, persist bool) (string, error) {
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, llm.System(system))
	msgs = append(msgs, history...)

	for step := 0; step < e.cfg.MaxToolIterations; step++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
		resp, err := e.client.Complete(callCtx, thread.ID, llm.Request{Messages: msgs, Tools: specs})
		cancel()
		if err != nil {
			return "", fmt.Errorf("llm call: %w", err)
		}

		if !resp.IsToolCalls() {
			if persist {
				if err := e.appendMessage(ctx, thread.ID, llm.Assistant(resp.Content)); err != nil {
					return "", err
				}
			}
			return resp.Content, nil
		}

		assistant := llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
		msgs = append(msgs, assistant)
		if persist {
			if err := e.appendMessage(ctx, thread.ID, assistant); err != nil {
				return "", err
			}
		}

		for _, call := range resp.ToolCalls {
			result := e.dispatchTool(ctx, call)
			toolMsg := llm.ToolResult(call, result)
			msgs = append(msgs, toolMsg)
			if persist {
				if err := e.appendMessage(ctx, thread.ID, toolMsg); err != nil {
					return "", err
				}
			}
		}
	}
	return "", ErrBudgetExceeded
}

// dispatchTool resolves, gates, and executes one tool call. Errors are
// returned as result text so the model can react; they never abort the
// turn.
func (e *Engine) dispatchTool(ctx context.Context, call llm.ToolCall) string {
	inv, err := e.registry.Invocation(call.Name, call.Arguments)
	if err != nil {
		return "tool error: " + err.Error()
	}
	if inv.ApprovalRequired {
		if err := e.requestApproval(ctx, inv); err != nil {
			return "tool error: " + err.Error()
		}
	}

	start := e.now()
	out, err := inv.Tool.Handler(ctx, inv.Args)
	elapsed := time.Since(start)
	if err != nil {
		e.logger.Warn("tool failed", "tool", call.Name, "elapsed", elapsed, "error", err)
		return "tool error: " + err.Error()
	}
	e.logger.Debug("tool ok", "tool", call.Name, "elapsed", elapsed)
	return out
}

// requestApproval publishes an approval request on the bus and waits
// for the matching response.
func (e *Engine) requestApproval(ctx context.Context, inv *tools.Invocation) error {
	sub := e.bus.Subscribe(bus.TopicApprovalReply)
	defer e.bus.Unsubscribe(sub)

	req := bus.ApprovalRequest{
		RequestID: uuid.NewString(),
		ToolName:  inv.Tool.Name,
		Summary:   summarizeArgs(inv.Args),
		TimeoutMS: int(e.cfg.ApprovalTimeout / time.Millisecond),
	}
	e.bus.Publish(bus.TopicApprovalRequest, req)

	timer := time.NewTimer(e.cfg.ApprovalTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrApprovalTimeout
		case ev, ok := <-sub.Ch():
			if !ok {
				return ErrApprovalTimeout
			}
			resp, isResp := ev.Payload.(bus.ApprovalResponse)
			if !isResp || resp.RequestID != req.RequestID {
				continue
			}
			if resp.Action != "approve" {
				return fmt.Errorf("%w: %s", ErrApprovalDenied, resp.Reason)
			}
			return nil
		}
	}
}

// compactThread runs the pre-compaction memory flush and the pipeline,
// then persists the compacted history.
func (e *Engine) compactThread(ctx context.Context, thread *persistence.Thread, history []llm.Message) ([]llm.Message, error) {
	e.runMemoryFlush(ctx, thread, history)

	result, err := e.compact.Compact(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("compact thread: %w", err)
	}
	stored := make([]persistence.StoredMessage, 0, len(result.Messages))
	for _, m := range result.Messages {
		stored = append(stored, persistence.StoredMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Tokens:     tokenutil.EstimateTokens(m.Content),
		})
	}
	if err := e.store.ReplaceThreadMessages(ctx, thread.ID, stored); err != nil {
		return nil, err
	}
	e.bus.Publish(bus.TopicCompactionDone, bus.CompactionEvent{
		ThreadID:    thread.ID,
		TokensIn:    result.TokensBefore,
		TokensOut:   result.TokensAfter,
		PinnedCount: len(result.Pinned),
	})
	e.logger.Info("thread compacted",
		"thread", thread.ID, "before", result.TokensBefore, "after", result.TokensAfter)
	return result.Messages, nil
}

const memoryFlushPrompt = "Context compaction is imminent. Write any lasting notes to memory " +
	"(e.g. the daily log or MEMORY.md). Reply " + NoReplyToken + " if there is nothing to store."

// runMemoryFlush gives the model up to three silent turns with the
// memory tools only, so durable facts survive compaction. At most one
// flush runs per compaction generation. Flush failures never block
// compaction.
func (e *Engine) runMemoryFlush(ctx context.Context, thread *persistence.Thread, history []llm.Message) {
	if thread.LastMemoryFlushAtCompaction > thread.CompactionCount {
		return
	}

	specs := e.catalogSpecs(e.registry.MemoryFlushSet())
	msgs := append([]llm.Message(nil), history...)
	msgs = append(msgs, llm.User(memoryFlushPrompt))

	for i := 0; i < memoryFlushCap; i++ {
		reply, err := e.driveOnce(ctx, thread, msgs, specs)
		if err != nil {
			e.logger.Warn("memory flush turn failed", "error", err)
			break
		}
		msgs = append(msgs, llm.Assistant(reply.text))
		if reply.done {
			break
		}
	}

	if err := e.store.MarkMemoryFlush(ctx, thread.ID, thread.CompactionCount+1); err != nil {
		e.logger.Warn("mark memory flush", "error", err)
	}
	e.bus.Publish(bus.TopicMemoryFlushDone, bus.TurnEvent{
		ThreadID: thread.ID, AgentID: thread.AgentID, UserID: thread.UserID,
	})
}

type flushStep struct {
	text string
	done bool
}

// driveOnce runs a single silent LLM call, executing any tool calls it
// requests. done is set when the model answers NO_REPLY (or plain text,
// which also ends the chain).
func (e *Engine) driveOnce(ctx context.Context, thread *persistence.Thread, msgs []llm.Message, specs []llm.ToolSpec) (flushStep, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()
	resp, err := e.client.Complete(callCtx, thread.ID, llm.Request{Messages: msgs, Tools: specs})
	if err != nil {
		return flushStep{}, err
	}
	if !resp.IsToolCalls() {
		return flushStep{text: resp.Content, done: true}, nil
	}
	var parts []string
	for _, call := range resp.ToolCalls {
		parts = append(parts, e.dispatchTool(ctx, call))
	}
	return flushStep{text: strings.Join(parts, "\n")}, nil
}

// maybeDailyReset rolls the thread over when its last activity predates
// the configured reset boundary: the old thread is snapshotted into the
// workspace (content-hash deduplicated) and a fresh thread takes over.
func (e *Engine) maybeDailyReset(ctx context.Context, thread *persistence.Thread) (*persistence.Thread, error) {
	if e.cfg.DailyResetHour < 0 || e.ws == nil {
		return thread, nil
	}
	now := e.now()
	boundary := time.Date(now.Year(), now.Month(), now.Day(), e.cfg.DailyResetHour, 0, 0, 0, now.Location())
	if now.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	if thread.LastActivityAt.IsZero() || !thread.LastActivityAt.Before(boundary) {
		return thread, nil
	}

	fresh, err := e.NewThread(ctx, thread)
	if err != nil {
		return thread, err
	}
	e.logger.Info("daily reset", "old_thread", thread.ID, "new_thread", fresh.ID)
	return fresh, nil
}

// NewThread saves the current thread to the workspace and starts a
// fresh one with the same identity.
func (e *Engine) NewThread(ctx context.Context, thread *persistence.Thread) (*persistence.Thread, error) {
	if err := e.snapshotThread(ctx, thread); err != nil {
		e.logger.Warn("thread snapshot failed", "thread", thread.ID, "error", err)
	}
	return e.store.CreateThread(ctx, thread.UserID, thread.AgentID, thread.SessionKind, thread.ChannelID)
}

// snapshotThread renders the thread history into the daily tree. The
// content-hash gate in the store makes repeated saves of identical
// content no-ops.
func (e *Engine) snapshotThread(ctx context.Context, thread *persistence.Thread) error {
	history, err := e.store.ThreadMessages(ctx, thread.ID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", thread.ID)
	for _, m := range history {
		fmt.Fprintf(&b, "**%s**: %s\n\n", m.Role, m.Content)
	}
	content := b.String()

	inserted, err := e.store.SaveMemoryDocument(ctx, thread.UserID, thread.AgentID, workspace.SnapshotPath(e.now()), content)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	if e.ws != nil {
		if _, _, err := e.ws.SaveSessionSnapshot(e.now(), content); err != nil {
			return err
		}
	}
	return nil
}

// checkIntegrity runs the monitor with its own deadline and publishes
// drift events. Restore-mode violations are already repaired by the
// monitor.
func (e *Engine) checkIntegrity(ctx context.Context) {
	if e.monitor == nil || e.ws == nil {
		return
	}
	done := make(chan []integrity.Violation, 1)
	go func() { done <- e.monitor.Check(e.ws.Root()) }()

	select {
	case <-ctx.Done():
		return
	case <-time.After(integrityCheckTimeout):
		e.logger.Warn("integrity check deadline exceeded")
		return
	case violations := <-done:
		for _, v := range violations {
			e.bus.Publish(bus.TopicIntegrityDrift, bus.IntegrityDriftEvent{
				Path: v.Path, Mode: string(v.Mode), Restored: v.Restored,
			})
		}
	}
}

func (e *Engine) loadHistory(ctx context.Context, threadID string) ([]llm.Message, error) {
	stored, err := e.store.ThreadMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, llm.Message{
			Role:       llm.Role(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Timestamp:  m.CreatedAt,
		})
	}
	return out, nil
}

// appendMessage persists one message. Assistant tool-call batches are
// stored as a JSON envelope in the content column.
func (e *Engine) appendMessage(ctx context.Context, threadID string, m llm.Message) error {
	content := m.Content
	if len(m.ToolCalls) > 0 {
		envelope, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		content = string(envelope)
	}
	_, err := e.store.AppendMessage(ctx, threadID, string(m.Role), content, m.ToolCallID, tokenutil.EstimateTokens(content))
	return err
}

func (e *Engine) catalogSpecs(descriptors []tools.Descriptor) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(descriptors))
	for _, d := range descriptors {
		specs = append(specs, llm.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Schema})
	}
	return specs
}

func summarizeArgs(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil || len(b) == 0 {
		return ""
	}
	const max = 200
	s := string(b)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
