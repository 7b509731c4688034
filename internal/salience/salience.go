// Package salience scores conversation turns for retention during
// compaction. Scoring is a pure function over the turn text and role;
// no I/O, no model calls.
package salience

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Cue identifies why a turn scored.
type Cue string

const (
	CueQuestion    Cue = "question"
	CueError       Cue = "error"
	CueDecision    Cue = "decision"
	CueFileEffect  Cue = "file_effect"
	CueMemoryOp    Cue = "memory_op"
	CueUserRole    Cue = "user_role"
	CueLongMessage Cue = "long_message"
)

// Cue weights. Summed then clamped to [0,1].
const (
	weightQuestion    = 0.4
	weightError       = 0.6
	weightDecision    = 0.4
	weightFileEffect  = 0.5
	weightMemoryOp    = 0.3
	weightUserRole    = 0.3
	weightLongMessage = 0.2
)

// longMessageChars is the length past which a turn gets the long-message cue.
const longMessageChars = 1500

// Result is the outcome of scoring one turn.
type Result struct {
	Score float64
	Cues  []Cue
}

// Turn is the minimal view of a message the scorer needs.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

var errorTokens = []string{
	"error", "failed", "failure", "exception", "panic", "refused",
	"denied", "cannot", "traceback", "fatal",
}

var decisionPhrases = []string{
	"we will", "we'll", "decided", "let's go with", "going with",
	"the plan is", "we chose", "agreed to", "instead of", "final answer",
}

var fileEffectMarkers = []string{
	"wrote", "written", "created", "deleted", "removed file", "saved to",
	"renamed", "modified", "updated file",
}

var memoryOpMarkers = []string{
	"memory_write", "memory_read", "memory_search", "remember this",
	"added to memory", "updated memory",
}

// Score evaluates a single turn.
func Score(content, role string) Result {
	lower := strings.ToLower(content)
	var score float64
	var cues []Cue

	if strings.Contains(content, "?") {
		score += weightQuestion
		cues = append(cues, CueQuestion)
	}
	if containsAny(lower, errorTokens) {
		score += weightError
		cues = append(cues, CueError)
	}
	if containsAny(lower, decisionPhrases) {
		score += weightDecision
		cues = append(cues, CueDecision)
	}
	if containsAny(lower, fileEffectMarkers) {
		score += weightFileEffect
		cues = append(cues, CueFileEffect)
	}
	if containsAny(lower, memoryOpMarkers) {
		score += weightMemoryOp
		cues = append(cues, CueMemoryOp)
	}
	if role == "user" {
		score += weightUserRole
		cues = append(cues, CueUserRole)
	}
	if len(content) > longMessageChars {
		score += weightLongMessage
		cues = append(cues, CueLongMessage)
	}

	if score > 1 {
		score = 1
	}
	return Result{Score: score, Cues: cues}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// Partition splits turns into (keep, summarize) by threshold. Kept turns
// are preserved verbatim across compaction; the rest feed summarisation.
func Partition(turns []Turn, threshold float64) (keep, summarize []int) {
	for i, turn := range turns {
		if Score(turn.Content, turn.Role).Score >= threshold {
			keep = append(keep, i)
		} else {
			summarize = append(summarize, i)
		}
	}
	return keep, summarize
}

// Rank returns the indices of the top maxCount turns by descending score.
// Ties keep the earlier turn first.
func Rank(turns []Turn, maxCount int) []int {
	if maxCount <= 0 || len(turns) == 0 {
		return nil
	}
	type scored struct {
		idx   int
		score float64
	}
	all := make([]scored, len(turns))
	for i, turn := range turns {
		all[i] = scored{idx: i, score: Score(turn.Content, turn.Role).Score}
	}
	sort.SliceStable(all, func(a, b int) bool {
		return all[a].score > all[b].score
	})
	if maxCount > len(all) {
		maxCount = len(all)
	}
	out := make([]int, maxCount)
	for i := 0; i < maxCount; i++ {
		out[i] = all[i].idx
	}
	return out
}

// recencyHalfLife is the age at which a turn's boost halves.
const recencyHalfLife = 24 * time.Hour

// RecencyBoost returns a decay multiplier in (0,1]: 1 for a turn from just
// now, halving every 24h of age. Future timestamps clamp to 1.
func RecencyBoost(timestamp, now time.Time) float64 {
	age := now.Sub(timestamp)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-age.Hours() / recencyHalfLife.Hours())
}
