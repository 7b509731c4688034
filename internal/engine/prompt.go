package engine

import (
	"context"
	"strings"
	"time"

	"github.com/ironclaw/ironclaw/internal/persistence"
	"github.com/ironclaw/ironclaw/internal/workspace"
)

// BuildSystemPrompt assembles the layered system prompt for a thread:
// persona, operating instructions, user profile, then the recent daily
// logs. Long-term memory and active learnings are appended for main
// sessions only; group threads never see another context's memory.
func (e *Engine) BuildSystemPrompt(ctx context.Context, thread *persistence.Thread) (string, error) {
	var sections []string

	if persona := e.ws.ReadOrEmpty(workspace.PersonaFile); persona != "" {
		sections = append(sections, persona)
	}
	if instructions := e.ws.ReadOrEmpty(workspace.InstructionsFile); instructions != "" {
		sections = append(sections, instructions)
	}
	if profile := e.ws.ReadOrEmpty(workspace.UserProfileFile); profile != "" {
		sections = append(sections, "## User Profile\n\n"+profile)
	}

	now := e.now()
	if today := e.ws.ReadOrEmpty(workspace.DailyLogPath(now)); today != "" {
		sections = append(sections, "## Today\n\n"+today)
	}
	if yesterday := e.ws.ReadOrEmpty(workspace.DailyLogPath(now.Add(-24 * time.Hour))); yesterday != "" {
		sections = append(sections, "## Yesterday\n\n"+yesterday)
	}

	if thread.SessionKind == persistence.SessionKindMain {
		if memory := e.ws.ReadOrEmpty(workspace.MemoryFile); memory != "" {
			sections = append(sections, "## Memory\n\n"+memory)
		}
		learnings, err := e.store.FormatLearningsForPrompt(ctx, thread.UserID, thread.AgentID, e.cfg.TopLearnings)
		if err != nil {
			return "", err
		}
		if learnings != "" {
			sections = append(sections, learnings)
		}
	}

	if len(sections) == 0 {
		return "You are " + e.cfg.AgentName + ", a personal assistant.", nil
	}
	return strings.Join(sections, "\n\n"), nil
}
