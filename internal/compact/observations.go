package compact

import (
	"fmt"
	"strings"

	"github.com/ironclaw/ironclaw/internal/llm"
)

// Category classifies an extracted observation.
type Category int

const (
	CategoryDecision Category = iota
	CategoryAction
	CategoryFact
	CategoryError
	CategoryContext
)

func (c Category) label() string {
	switch c {
	case CategoryDecision:
		return "Decisions"
	case CategoryAction:
		return "Actions"
	case CategoryFact:
		return "Facts"
	case CategoryError:
		return "Errors"
	default:
		return "Context"
	}
}

func (c Category) marker() string {
	switch c {
	case CategoryDecision:
		return "→"
	case CategoryAction:
		return "✓"
	case CategoryFact:
		return "•"
	case CategoryError:
		return "✗"
	default:
		return "◦"
	}
}

// Observation is one distilled fact from a conversation. Observation
// extraction is the highest-savings compaction stage because it replaces
// verbose tool call/response pairs with one-line statements.
type Observation struct {
	Category Category
	Text     string
	Turn     int
}

// ExtractObservations distills messages into observations using
// heuristic pattern matching. Deterministic, no model calls.
func ExtractObservations(messages []llm.Message) []Observation {
	var out []Observation
	turn := 0

	for i, msg := range messages {
		if msg.Role == llm.RoleUser {
			turn++
		}
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case llm.RoleUser:
			extractUserObservations(msg.Content, turn, &out)
		case llm.RoleAssistant:
			extractAssistantObservations(msg.Content, turn, &out)
		case llm.RoleTool:
			name := msg.Name
			if name == "" {
				name = "unknown"
			}
			extractToolObservations(msg.Content, name, turn, &out)
		case llm.RoleSystem:
			if i == 0 {
				extractContextObservations(msg.Content, turn, &out)
			}
		}
	}

	return dedupeObservations(out)
}

// FormatObservations renders observations as a compact markdown summary
// grouped by category in a stable order.
func FormatObservations(observations []Observation) string {
	if len(observations) == 0 {
		return ""
	}
	order := []Category{CategoryDecision, CategoryAction, CategoryError, CategoryFact, CategoryContext}
	var parts []string
	for _, cat := range order {
		var items []Observation
		for _, obs := range observations {
			if obs.Category == cat {
				items = append(items, obs)
			}
		}
		if len(items) == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("**%s**", cat.label()))
		for _, obs := range items {
			parts = append(parts, fmt.Sprintf("%s %s", cat.marker(), obs.Text))
		}
	}
	return strings.Join(parts, "\n")
}

// CompressToObservations replaces the bulk of a conversation with its
// observation summary, preserving system messages and the final user
// exchange for continuity. Empty or unsummarizable input passes through.
func CompressToObservations(messages []llm.Message) []llm.Message {
	if len(messages) == 0 {
		return nil
	}
	observations := ExtractObservations(messages)
	summary := FormatObservations(observations)
	if summary == "" {
		return append([]llm.Message(nil), messages...)
	}

	var result []llm.Message
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			result = append(result, msg)
		}
	}
	result = append(result, llm.System("## Session Observations\n\n"+summary))

	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser >= 0 {
		result = append(result, messages[lastUser:]...)
	}
	return result
}

func extractUserObservations(content string, turn int, out *[]Observation) {
	lower := strings.ToLower(content)

	decisionMarkers := []string{
		"let's go with", "i choose", "let's use", "we should",
		"go ahead with", "yes, let's", "i prefer",
	}
	for _, m := range decisionMarkers {
		if strings.Contains(lower, m) {
			if sentence := firstSentence(content); sentence != "" {
				*out = append(*out, Observation{CategoryDecision, truncate(sentence, 120), turn})
			}
			break
		}
	}

	actionMarkers := []string{
		"please ", "can you ", "run ", "create ", "update ",
		"fix ", "add ", "implement ",
	}
	for _, m := range actionMarkers {
		if strings.Contains(lower, m) {
			if sentence := firstSentence(content); len(sentence) > 10 {
				*out = append(*out, Observation{CategoryAction, "User requested: " + truncate(sentence, 100), turn})
			}
			break
		}
	}
}

func extractAssistantObservations(content string, turn int, out *[]Observation) {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		if strings.Contains(lower, "error:") ||
			strings.Contains(lower, "failed:") ||
			strings.Contains(lower, "failure:") ||
			strings.HasPrefix(lower, "error") ||
			strings.Contains(lower, "exception:") ||
			strings.Contains(lower, "could not") ||
			strings.Contains(lower, "unable to") {
			*out = append(*out, Observation{CategoryError, truncate(trimmed, 150), turn})
			continue
		}

		completions := []string{
			"created ", "updated ", "deleted ", "installed ", "deployed ",
			"fixed ", "added ", "removed ", "configured ", "wrote ", "ran ",
		}
		for _, prefix := range completions {
			if strings.HasPrefix(lower, prefix) {
				*out = append(*out, Observation{CategoryAction, truncate(trimmed, 120), turn})
				break
			}
		}

		if strings.Contains(lower, "i'll use ") ||
			strings.Contains(lower, "i recommend ") ||
			strings.Contains(lower, "the best approach") ||
			strings.Contains(lower, "decided to") {
			*out = append(*out, Observation{CategoryDecision, truncate(trimmed, 120), turn})
		}
	}
}

func extractToolObservations(content, toolName string, turn int, out *[]Observation) {
	lower := strings.ToLower(content)

	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") || strings.Contains(lower, "not found") {
		*out = append(*out, Observation{
			CategoryError,
			fmt.Sprintf("Tool `%s`: %s", toolName, truncate(firstLine(content), 120)),
			turn,
		})
		return
	}

	switch toolName {
	case "shell":
		line := firstLine(content)
		if line != "" && len(line) < 200 {
			*out = append(*out, Observation{CategoryFact, "Shell: " + truncate(line, 100), turn})
		}
	case "file_read", "memory_read":
		*out = append(*out, Observation{CategoryAction, fmt.Sprintf("Read file via `%s`", toolName), turn})
	case "file_write", "memory_write":
		*out = append(*out, Observation{CategoryAction, fmt.Sprintf("Wrote file via `%s`", toolName), turn})
	case "memory_search":
		count := strings.Count(content, "score:")
		*out = append(*out, Observation{CategoryFact, fmt.Sprintf("Memory search returned %d results", count), turn})
	default:
		if len(content) < 100 {
			*out = append(*out, Observation{CategoryFact, fmt.Sprintf("Tool `%s`: %s", toolName, truncate(content, 80)), turn})
		} else {
			*out = append(*out, Observation{CategoryAction, fmt.Sprintf("Used tool `%s`", toolName), turn})
		}
	}
}

func extractContextObservations(content string, turn int, out *[]Observation) {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		if strings.Contains(lower, "working directory") || strings.Contains(lower, "workspace:") {
			*out = append(*out, Observation{CategoryContext, truncate(trimmed, 100), turn})
		}
		if strings.Contains(lower, "you are ") && len(trimmed) < 100 {
			*out = append(*out, Observation{CategoryContext, truncate(trimmed, 100), turn})
		}
	}
}

// dedupeObservations drops exact repeats on lowercased text, keeping the
// first occurrence.
func dedupeObservations(observations []Observation) []Observation {
	seen := make(map[string]struct{})
	var result []Observation
	for _, obs := range observations {
		key := strings.ToLower(obs.Text)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, obs)
	}
	return result
}

// firstSentence returns the first line up to a sentence boundary.
func firstSentence(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ""
	}
	for i, ch := range trimmed {
		if (ch == '.' || ch == '!' || ch == '?') && i > 5 {
			return trimmed[:i+1]
		}
	}
	return trimmed
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
