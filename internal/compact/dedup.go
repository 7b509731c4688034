package compact

import (
	"strings"

	"github.com/ironclaw/ironclaw/internal/llm"
)

// shingles generates k-word shingle hashes from text. Texts shorter than
// k words hash as a single shingle.
func shingles(text string, k int) map[uint64]struct{} {
	words := strings.Fields(text)
	set := make(map[uint64]struct{})
	if len(words) < k {
		set[fnv1a(strings.Join(words, " "))] = struct{}{}
		return set
	}
	for i := 0; i+k <= len(words); i++ {
		set[fnv1a(strings.Join(words[i:i+k], " "))] = struct{}{}
	}
	return set
}

// fnv1a is a stable string hash; stability across runs matters because
// shingle sets may be persisted alongside compaction state.
func fnv1a(s string) uint64 {
	hash := uint64(0xcbf29ce484222325)
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= 0x100000001b3
	}
	return hash
}

// jaccard returns set similarity in [0,1]; identical sets score 1.
func jaccard(a, b map[uint64]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	intersection := 0
	for h := range a {
		if _, ok := b[h]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// DeduplicateMessages removes near-duplicate messages, keeping the longer
// of each similar pair. Messages with different roles are never compared,
// and system messages are never deduplicated.
func DeduplicateMessages(messages []llm.Message, threshold float64, shingleSize int) []llm.Message {
	if len(messages) <= 1 {
		return append([]llm.Message(nil), messages...)
	}

	sets := make([]map[uint64]struct{}, len(messages))
	for i, m := range messages {
		sets[i] = shingles(m.Content, shingleSize)
	}

	keep := make([]bool, len(messages))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(messages); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(messages); j++ {
			if !keep[j] {
				continue
			}
			if messages[i].Role != messages[j].Role || messages[i].Role == llm.RoleSystem {
				continue
			}
			if jaccard(sets[i], sets[j]) >= threshold {
				if len(messages[i].Content) >= len(messages[j].Content) {
					keep[j] = false
				} else {
					keep[i] = false
					break
				}
			}
		}
	}

	out := make([]llm.Message, 0, len(messages))
	for i, m := range messages {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}
