package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ironclaw/ironclaw/internal/bus"
	"github.com/ironclaw/ironclaw/internal/integrity"
	"github.com/ironclaw/ironclaw/internal/persistence"
	"github.com/ironclaw/ironclaw/internal/sandbox/wasm"
	"github.com/ironclaw/ironclaw/internal/workspace"
)

// HeartbeatOKToken is the model's all-clear. Any other reply becomes a
// user notification.
const HeartbeatOKToken = "HEARTBEAT_OK"

// HeartbeatConfig tunes the periodic background check.
type HeartbeatConfig struct {
	// Spec is a cron expression (default every 30 minutes).
	Spec string
	// ModuleDir holds the sandboxed tool artifacts whose checksums are
	// re-verified each beat.
	ModuleDir string
	// ReplyTimeout bounds the wait for the heartbeat turn (default 5m).
	ReplyTimeout time.Duration
}

// HeartbeatDeps carries the heartbeat's collaborators. Monitor and Host
// may be nil; the corresponding checks are then skipped.
type HeartbeatDeps struct {
	Scheduler *Scheduler
	Workspace *workspace.Workspace
	Monitor   *integrity.Monitor
	Host      *wasm.Host
	Bus       *bus.Bus
	Logger    *slog.Logger
}

// Heartbeat runs periodic self-checks: integrity drift, sandboxed tool
// checksum verification, and an LLM pass over the HEARTBEAT.md
// checklist. A reply of exactly HEARTBEAT_OK stays silent; anything
// else is published as a notification. Beats are submitted at heartbeat
// priority, so a saturated scheduler drops them.
type Heartbeat struct {
	cfg    HeartbeatConfig
	sched  *Scheduler
	ws     *workspace.Workspace
	mon    *integrity.Monitor
	host   *wasm.Host
	bus    *bus.Bus
	logger *slog.Logger
	cron   *cron.Cron
	thread *persistence.Thread
}

func NewHeartbeat(cfg HeartbeatConfig, deps HeartbeatDeps) *Heartbeat {
	if cfg.Spec == "" {
		cfg.Spec = "*/30 * * * *"
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 5 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}
	return &Heartbeat{
		cfg:    cfg,
		sched:  deps.Scheduler,
		ws:     deps.Workspace,
		mon:    deps.Monitor,
		host:   deps.Host,
		bus:    deps.Bus,
		logger: deps.Logger,
	}
}

// Start schedules beats on the given thread until Stop.
func (h *Heartbeat) Start(ctx context.Context, thread *persistence.Thread) error {
	h.thread = thread
	h.cron = cron.New()
	if _, err := h.cron.AddFunc(h.cfg.Spec, func() { h.Beat(ctx) }); err != nil {
		return fmt.Errorf("heartbeat schedule %q: %w", h.cfg.Spec, err)
	}
	h.cron.Start()
	return nil
}

// Stop halts the schedule. An in-flight beat finishes on its own.
func (h *Heartbeat) Stop() {
	if h.cron != nil {
		h.cron.Stop()
	}
}

// Beat runs one heartbeat pass. Exported so callers can trigger an
// immediate check.
func (h *Heartbeat) Beat(ctx context.Context) {
	issues := h.systemChecks()

	checklist := ""
	if h.ws != nil {
		checklist = strings.TrimSpace(h.ws.ReadOrEmpty(workspace.HeartbeatFile))
	}
	if checklist == "" && len(issues) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("Heartbeat check. Work through this checklist. If everything is fine, reply with exactly ")
	b.WriteString(HeartbeatOKToken)
	b.WriteString(" and nothing else. Otherwise reply with a short notification for the user.\n")
	if checklist != "" {
		b.WriteString("\n")
		b.WriteString(checklist)
		b.WriteString("\n")
	}
	for _, issue := range issues {
		b.WriteString("\n- System check failed: ")
		b.WriteString(issue)
	}

	reply := make(chan Result, 1)
	err := h.sched.Submit(Submission{
		Kind:   KindHeartbeat,
		Thread: h.thread,
		Text:   b.String(),
		Reply:  reply,
	})
	if err != nil {
		h.logger.Warn("heartbeat not submitted", "error", err)
		return
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(h.cfg.ReplyTimeout):
			h.logger.Warn("heartbeat reply timed out")
		case res := <-reply:
			h.handleReply(res)
		}
	}()
}

func (h *Heartbeat) handleReply(res Result) {
	if res.Err != nil {
		h.logger.Warn("heartbeat turn failed", "error", res.Err)
		return
	}
	text := strings.TrimSpace(res.Reply)
	if text == "" || text == HeartbeatOKToken || text == NoReplyToken {
		return
	}
	h.bus.Publish(bus.TopicHeartbeat, bus.HeartbeatEvent{
		AgentID: h.thread.AgentID,
		Message: text,
	})
}

// systemChecks runs the non-LLM half of the beat: integrity drift and
// module checksum verification. Returns human-readable issue lines for
// anything that needs the model's attention.
func (h *Heartbeat) systemChecks() []string {
	var issues []string

	if h.mon != nil && h.ws != nil {
		for _, v := range h.mon.Check(h.ws.Root()) {
			h.bus.Publish(bus.TopicIntegrityDrift, bus.IntegrityDriftEvent{
				Path: v.Path, Mode: string(v.Mode), Restored: v.Restored,
			})
			if !v.Restored {
				issues = append(issues, fmt.Sprintf("identity file %s drifted from baseline", v.Path))
			}
		}
	}

	if h.host != nil && h.cfg.ModuleDir != "" {
		issues = append(issues, h.verifyModuleChecksums()...)
	}
	return issues
}

// verifyModuleChecksums re-hashes each module artifact on disk and
// compares it with the checksum of the loaded copy. A mismatch means
// the artifact changed underneath a running module.
func (h *Heartbeat) verifyModuleChecksums() []string {
	entries, err := os.ReadDir(h.cfg.ModuleDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []string{fmt.Sprintf("module dir unreadable: %v", err)}
	}

	var issues []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wasm") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".wasm")
		loaded := h.host.Checksum(name)
		if loaded == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(h.cfg.ModuleDir, entry.Name()))
		if err != nil {
			issues = append(issues, fmt.Sprintf("module %s unreadable: %v", name, err))
			continue
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != loaded {
			issues = append(issues, fmt.Sprintf("module %s on disk no longer matches its loaded checksum", name))
		}
	}
	return issues
}
