package compact

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ironclaw/ironclaw/internal/llm"
)

type fakeSummarizer struct {
	prompts []string
	fail    bool
}

func (f *fakeSummarizer) Summarize(_ context.Context, prompt string) (string, error) {
	if f.fail {
		return "", fmt.Errorf("model unavailable")
	}
	f.prompts = append(f.prompts, prompt)
	return "the user and agent discussed project setup", nil
}

func mundaneThread(n int) []llm.Message {
	var msgs []llm.Message
	for i := 0; i < n; i++ {
		msgs = append(msgs,
			llm.User(fmt.Sprintf("casual remark number %d about nothing in particular", i)),
			llm.Assistant(fmt.Sprintf("acknowledged remark number %d without much to say", i)),
		)
	}
	return msgs
}

func TestNeedsCompaction(t *testing.T) {
	c := NewCompactor(&fakeSummarizer{}, CompactorConfig{}, nil)

	small := []llm.Message{llm.User("hi")}
	if c.NeedsCompaction(small, 128_000) {
		t.Fatal("tiny thread must not need compaction")
	}

	big := []llm.Message{llm.User(strings.Repeat("word ", 100_000))}
	if !c.NeedsCompaction(big, 128_000) {
		t.Fatal("oversized thread must need compaction")
	}
}

func TestCompactEmptyThread(t *testing.T) {
	c := NewCompactor(&fakeSummarizer{}, CompactorConfig{}, nil)
	out, err := c.Compact(context.Background(), nil)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(out.Messages) != 0 {
		t.Fatalf("empty thread produced %d messages", len(out.Messages))
	}
}

func TestCompactKeepsRecentVerbatim(t *testing.T) {
	c := NewCompactor(&fakeSummarizer{}, CompactorConfig{KeepRecent: 2}, nil)
	msgs := append(mundaneThread(5), llm.User("latest question?"), llm.Assistant("latest answer"))

	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	n := len(out.Messages)
	if out.Messages[n-2].Content != "latest question?" || out.Messages[n-1].Content != "latest answer" {
		t.Fatalf("recent tail not preserved: %+v", out.Messages[n-2:])
	}
	if out.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("compacted history must lead with the summary, got role %s", out.Messages[0].Role)
	}
}

func TestCompactPinsKeyMomentsVerbatim(t *testing.T) {
	keyMoment := "I decided to use SQLite because the deployment failed with Postgres"
	msgs := mundaneThread(6)
	msgs[3] = llm.User(keyMoment) // error token + decision + user role pushes salience past the pin threshold
	msgs = append(msgs, llm.User("recent one"), llm.Assistant("recent two"))

	c := NewCompactor(&fakeSummarizer{}, CompactorConfig{KeepRecent: 2}, nil)
	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}

	if len(out.Pinned) == 0 {
		t.Fatal("expected pinned key moments")
	}
	summary := out.Messages[0].Content
	if !strings.Contains(summary, "## Key Moments") || !strings.Contains(summary, keyMoment) {
		t.Fatalf("key moment not preserved verbatim:\n%s", summary)
	}
}

func TestCompactPinsErrorAndDecisionTurns(t *testing.T) {
	// A decision phrased by the user scores exactly the default pin
	// threshold; it must land in Key Moments alongside the higher
	// scoring error turn, both byte-for-byte.
	errorTurn := "ERROR: database connection refused"
	decisionTurn := "we will use PostgreSQL"

	msgs := mundaneThread(24)
	msgs[9] = llm.User(errorTurn)
	msgs[31] = llm.User(decisionTurn)
	msgs = append(msgs, llm.User("recent one"), llm.Assistant("recent two"))

	c := NewCompactor(&fakeSummarizer{}, CompactorConfig{KeepRecent: 2}, nil)
	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}

	if len(out.Pinned) < 2 {
		t.Fatalf("expected both turns pinned, got %d", len(out.Pinned))
	}
	summary := out.Messages[0].Content
	if !strings.Contains(summary, "## Key Moments") {
		t.Fatalf("no Key Moments section:\n%s", summary)
	}
	if !strings.Contains(summary, errorTurn) {
		t.Fatalf("error turn missing from Key Moments:\n%s", summary)
	}
	if !strings.Contains(summary, decisionTurn) {
		t.Fatalf("decision turn missing from Key Moments:\n%s", summary)
	}
}

func TestCompactSummarizerFailureDegrades(t *testing.T) {
	c := NewCompactor(&fakeSummarizer{fail: true}, CompactorConfig{KeepRecent: 2}, nil)
	msgs := append(mundaneThread(5), llm.User("recent"), llm.Assistant("tail"))

	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("summarizer failure must not fail the pass: %v", err)
	}
	if out.Messages[0].Role != llm.RoleSystem || out.Messages[0].Content == "" {
		t.Fatal("expected deterministic fallback summary")
	}
}

func TestCompactStagedPruningFeedsPreviousSummary(t *testing.T) {
	fs := &fakeSummarizer{}
	c := NewCompactor(fs, CompactorConfig{KeepRecent: 2, SummaryBudget: 200}, nil)

	// Every word is globally unique so neither dedup nor the dictionary
	// can shrink the input below the chunk budget.
	var msgs []llm.Message
	for i := 0; i < 12; i++ {
		var sb strings.Builder
		for j := 0; j < 60; j++ {
			fmt.Fprintf(&sb, "token%02d%02d ", i, j)
		}
		msgs = append(msgs, llm.User(sb.String()))
	}

	if _, err := c.Compact(context.Background(), msgs); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(fs.prompts) < 2 {
		t.Fatalf("expected multiple chunked summarization calls, got %d", len(fs.prompts))
	}
	if !strings.Contains(fs.prompts[len(fs.prompts)-1], "Summary of earlier history:") {
		t.Fatal("later chunks must carry the previous summary forward")
	}
}

func TestCompactHarvestsToolFailures(t *testing.T) {
	msgs := mundaneThread(4)
	msgs = append(msgs,
		llm.Message{Role: llm.RoleTool, Name: "shell", Content: "error: disk full"},
		llm.User("recent"), llm.Assistant("tail"),
	)

	c := NewCompactor(&fakeSummarizer{}, CompactorConfig{KeepRecent: 2}, nil)
	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !strings.Contains(out.Messages[0].Content, "## Tool Failures") ||
		!strings.Contains(out.Messages[0].Content, "disk full") {
		t.Fatalf("tool failure tail missing:\n%s", out.Messages[0].Content)
	}
}
