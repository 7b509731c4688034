package compact

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ironclaw/ironclaw/internal/llm"
	"github.com/ironclaw/ironclaw/internal/salience"
	"github.com/ironclaw/ironclaw/internal/tokenutil"
)

// Summarizer produces an LLM summary of already-compressed history. The
// engine passes its router here; tests pass a fake.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// CompactorConfig tunes the thread compactor.
type CompactorConfig struct {
	// ThresholdRatio triggers compaction when thread tokens exceed this
	// fraction of the usable window (default 0.8).
	ThresholdRatio float64
	// ReserveTokens is held back from the context window for prompt,
	// schemas, and response (default llm.ReservedTokens).
	ReserveTokens int
	// KeepRecent messages are always preserved verbatim (default 10).
	KeepRecent int
	// SalienceThreshold pins turns scoring at or above it into Key
	// Moments (default 0.7).
	SalienceThreshold float64
	// SummaryBudget caps the token estimate of a single summarization
	// call (default 8000).
	SummaryBudget int

	Pipeline Config
}

// Compactor shrinks a thread when it approaches the model's context
// window: salient turns are pinned verbatim, the rest runs through the
// deterministic pipeline and an LLM summarization call.
type Compactor struct {
	pipeline   *Pipeline
	summarizer Summarizer
	config     CompactorConfig
	logger     *slog.Logger
}

// ThreadCompaction is the outcome of one compaction pass.
type ThreadCompaction struct {
	// Messages is the replacement history: summary, key moments, tails,
	// then the preserved recent messages.
	Messages []llm.Message
	// Summary is the accumulated summary text (without key moments).
	Summary string
	// Pinned holds the turns preserved verbatim.
	Pinned []llm.Message
	// Codebook expands dictionary codes in the summary input.
	Codebook     map[string]string
	TokensBefore int
	TokensAfter  int
	Stages       []StageSavings
}

// NewCompactor creates a Compactor, filling zero config fields with
// defaults.
func NewCompactor(summarizer Summarizer, cfg CompactorConfig, logger *slog.Logger) *Compactor {
	if cfg.ThresholdRatio <= 0 {
		cfg.ThresholdRatio = 0.8
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = llm.ReservedTokens
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 10
	}
	if cfg.SalienceThreshold <= 0 {
		cfg.SalienceThreshold = 0.7
	}
	if cfg.SummaryBudget <= 0 {
		cfg.SummaryBudget = 8000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		pipeline:   NewPipeline(cfg.Pipeline),
		summarizer: summarizer,
		config:     cfg,
		logger:     logger,
	}
}

// NeedsCompaction reports whether the thread has crossed the compaction
// threshold for the given context window.
func (c *Compactor) NeedsCompaction(messages []llm.Message, contextLimit int) bool {
	usable := contextLimit - c.config.ReserveTokens
	if usable < 1000 {
		usable = 1000
	}
	return float64(estimateBatch(messages)) > float64(usable)*c.config.ThresholdRatio
}

// Compact runs a full pass over the thread. The recent tail and salient
// turns survive verbatim; everything else is compressed deterministically
// and then summarized. Summarization failure degrades to the
// deterministic output rather than failing the turn.
func (c *Compactor) Compact(ctx context.Context, messages []llm.Message) (*ThreadCompaction, error) {
	if len(messages) == 0 {
		return &ThreadCompaction{}, nil
	}
	tokensBefore := estimateBatch(messages)

	split := len(messages) - c.config.KeepRecent
	if split <= 0 {
		// Nothing old enough to compact.
		return &ThreadCompaction{
			Messages:     append([]llm.Message(nil), messages...),
			TokensBefore: tokensBefore,
			TokensAfter:  tokensBefore,
		}, nil
	}
	old, recent := messages[:split], messages[split:]

	pinned, body := c.partition(old)

	result := c.pipeline.Compress(body)

	summary, err := c.summarize(ctx, result.Messages)
	if err != nil {
		c.logger.Warn("compaction summarization failed, using deterministic output", "error", err)
		summary = FormatObservations(ExtractObservations(body))
		if summary == "" {
			summary = "[History compacted; older messages were truncated.]"
		}
	}

	var sections []string
	sections = append(sections, "## Conversation Summary\n\n"+summary)
	if tail := harvestToolFailures(old); tail != "" {
		sections = append(sections, "## Tool Failures\n\n"+tail)
	}
	if tail := harvestFileOperations(old); tail != "" {
		sections = append(sections, "## File Operations\n\n"+tail)
	}
	if len(pinned) > 0 {
		var b strings.Builder
		b.WriteString("## Key Moments\n")
		for _, m := range pinned {
			fmt.Fprintf(&b, "\n[%s] %s\n", m.Role, m.Content)
		}
		sections = append(sections, b.String())
	}

	out := []llm.Message{llm.System(strings.Join(sections, "\n\n"))}
	out = append(out, recent...)

	return &ThreadCompaction{
		Messages:     out,
		Summary:      summary,
		Pinned:       pinned,
		Codebook:     result.Codebook,
		TokensBefore: tokensBefore,
		TokensAfter:  estimateBatch(out),
		Stages:       result.Stages,
	}, nil
}

// partition splits old messages into pinned key moments and
// summarization input using the salience scorer. System messages never
// enter either set; they are rebuilt by the prompt builder.
func (c *Compactor) partition(messages []llm.Message) (pinned, body []llm.Message) {
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			continue
		}
		score := salience.Score(m.Content, string(m.Role)).Score
		if score >= c.config.SalienceThreshold {
			pinned = append(pinned, m)
		} else {
			body = append(body, m)
		}
	}
	return pinned, body
}

// summarize chunks the compressed body adaptively and drives the LLM
// call. When even one chunk would blow the summary budget, the oldest
// chunk is summarized separately and fed forward as previous_summary
// (staged pruning).
func (c *Compactor) summarize(ctx context.Context, messages []llm.Message) (string, error) {
	if c.summarizer == nil {
		return "", fmt.Errorf("no summarizer configured")
	}
	if len(messages) == 0 {
		return "", nil
	}

	chunks := c.chunk(messages)
	previous := ""
	var summary string

	for i, chunk := range chunks {
		prompt := buildSummaryPrompt(chunk, previous)
		s, err := c.summarizer.Summarize(ctx, prompt)
		if err != nil {
			return "", fmt.Errorf("summarize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		previous = s
		summary = s
	}
	return summary, nil
}

// chunk splits messages so each chunk's token estimate stays under the
// summary budget. The chunk count adapts to the distribution of message
// sizes rather than a fixed window.
func (c *Compactor) chunk(messages []llm.Message) [][]llm.Message {
	var chunks [][]llm.Message
	var current []llm.Message
	currentTokens := 0

	for _, m := range messages {
		t := tokenutil.EstimateTokens(m.Content) + messageOverhead
		if currentTokens+t > c.config.SummaryBudget && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, m)
		currentTokens += t
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func buildSummaryPrompt(messages []llm.Message, previousSummary string) string {
	var conversation strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&conversation, "%s: %s\n", m.Role, m.Content)
	}

	var b strings.Builder
	b.WriteString(`Summarize the following conversation history into a concise summary that preserves:
- Key facts, decisions, and conclusions
- User preferences and constraints mentioned
- Any ongoing tasks or action items
- Important context needed for future turns

`)
	if previousSummary != "" {
		b.WriteString("Summary of earlier history:\n")
		b.WriteString(previousSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	b.WriteString(conversation.String())
	return b.String()
}

// harvestToolFailures collects tool error lines from the compacted
// region so failures survive compaction verbatim.
func harvestToolFailures(messages []llm.Message) string {
	var lines []string
	for _, m := range messages {
		if m.Role != llm.RoleTool {
			continue
		}
		lower := strings.ToLower(m.Content)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			name := m.Name
			if name == "" {
				name = "unknown"
			}
			lines = append(lines, fmt.Sprintf("- `%s`: %s", name, truncate(firstLine(m.Content), 150)))
		}
	}
	return strings.Join(lines, "\n")
}

// harvestFileOperations collects file writes and deletions mentioned by
// the assistant in the compacted region.
func harvestFileOperations(messages []llm.Message) string {
	markers := []string{"wrote ", "created ", "deleted ", "moved ", "renamed "}
	var lines []string
	for _, m := range messages {
		if m.Role != llm.RoleAssistant {
			continue
		}
		for _, line := range strings.Split(m.Content, "\n") {
			trimmed := strings.TrimSpace(line)
			lower := strings.ToLower(trimmed)
			for _, marker := range markers {
				if strings.HasPrefix(lower, marker) {
					lines = append(lines, "- "+truncate(trimmed, 150))
					break
				}
			}
		}
	}
	return strings.Join(lines, "\n")
}
