// Package compact implements the deterministic compression pipeline and
// the thread compactor built on top of it. Every stage is a total
// function: empty input produces empty output and no stage ever fails.
package compact

import (
	"github.com/ironclaw/ironclaw/internal/llm"
	"github.com/ironclaw/ironclaw/internal/tokenutil"
)

// Config tunes the deterministic pipeline stages.
type Config struct {
	// DedupThreshold is the Jaccard similarity above which two messages
	// collapse into one (default 0.6).
	DedupThreshold float64
	// ShingleSize is the word-window for dedup shingles (default 3).
	ShingleSize int
	// DictMinFreq is the minimum phrase frequency for a codebook entry
	// (default 3).
	DictMinFreq int
	// DictMaxEntries caps the codebook (default 200).
	DictMaxEntries int
	// TextOptimize enables the whitespace/punctuation stage (default true).
	TextOptimize bool
	// TextOptimizeAggressive additionally strips trivial backticks and
	// merges short bullets (default false).
	TextOptimizeAggressive bool
}

// DefaultConfig returns the stock stage tuning.
func DefaultConfig() Config {
	return Config{
		DedupThreshold: 0.6,
		ShingleSize:    3,
		DictMinFreq:    3,
		DictMaxEntries: 200,
		TextOptimize:   true,
	}
}

// StageSavings reports tokens saved by one pipeline stage.
type StageSavings struct {
	Name        string
	TokensSaved int
}

// Result is the outcome of one pipeline pass.
type Result struct {
	Messages     []llm.Message
	TokensBefore int
	TokensAfter  int
	// Ratio is after/before; lower means more compressed.
	Ratio  float64
	Stages []StageSavings
	// Codebook maps dictionary codes back to phrases so compressed text
	// can be expanded if shown to the user.
	Codebook map[string]string
}

// Pipeline runs the deterministic compression stages in order:
// dedup, dictionary, patterns, text optimization.
type Pipeline struct {
	config Config
}

// NewPipeline creates a Pipeline, filling zero config fields with
// defaults.
func NewPipeline(cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = def.DedupThreshold
	}
	if cfg.ShingleSize <= 0 {
		cfg.ShingleSize = def.ShingleSize
	}
	if cfg.DictMinFreq <= 0 {
		cfg.DictMinFreq = def.DictMinFreq
	}
	if cfg.DictMaxEntries <= 0 {
		cfg.DictMaxEntries = def.DictMaxEntries
	}
	return &Pipeline{config: cfg}
}

// Compress runs every stage over the messages and reports per-stage
// savings.
func (p *Pipeline) Compress(messages []llm.Message) Result {
	tokensBefore := estimateBatch(messages)
	var stages []StageSavings
	current := append([]llm.Message(nil), messages...)

	record := func(name string, before int) int {
		after := estimateBatch(current)
		if before > after {
			stages = append(stages, StageSavings{Name: name, TokensSaved: before - after})
		}
		return after
	}

	before := tokensBefore
	current = DeduplicateMessages(current, p.config.DedupThreshold, p.config.ShingleSize)
	before = record("dedup", before)

	texts := make([]string, len(current))
	for i, m := range current {
		texts[i] = m.Content
	}
	codebook := BuildCodebook(texts, p.config.DictMinFreq, p.config.DictMaxEntries)
	if len(codebook) > 0 {
		for i := range current {
			current[i].Content = CompressText(current[i].Content, codebook)
		}
		before = record("dictionary", before)
	}

	for i := range current {
		current[i].Content = CompressPatterns(current[i].Content)
	}
	before = record("patterns", before)

	if p.config.TextOptimize {
		for i := range current {
			current[i].Content = OptimizeText(current[i].Content, p.config.TextOptimizeAggressive)
		}
		record("text_optimize", before)
	}

	tokensAfter := estimateBatch(current)
	ratio := 1.0
	if tokensBefore > 0 {
		ratio = float64(tokensAfter) / float64(tokensBefore)
	}
	return Result{
		Messages:     current,
		TokensBefore: tokensBefore,
		TokensAfter:  tokensAfter,
		Ratio:        ratio,
		Stages:       stages,
		Codebook:     codebook,
	}
}

// messageOverhead covers per-message framing the content estimate misses.
const messageOverhead = 4

func estimateBatch(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += tokenutil.EstimateTokens(m.Content) + messageOverhead
	}
	return total
}
