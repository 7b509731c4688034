// Package tokenutil estimates token counts without shipping a real
// tokenizer. The estimates feed compaction thresholds and budget checks,
// where being within ~15% is good enough and speed matters.
package tokenutil

import (
	"strings"
	"unicode"
)

// tokensPerWord approximates BPE behaviour on English prose.
const tokensPerWord = 1.33

// EstimateTokens approximates the token count of content. Prose is
// estimated from word count, dense text and code from byte length, and
// CJK runes are counted one token each since they rarely merge.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}

	cjk := 0
	var rest strings.Builder
	rest.Grow(len(content))
	for _, r := range content {
		if cjkRune(r) {
			cjk++
			continue
		}
		rest.WriteRune(r)
	}

	latin := rest.String()
	byWords := int(float64(len(strings.Fields(latin))) * tokensPerWord)
	byBytes := len(latin) / 4
	if byBytes > byWords {
		byWords = byBytes
	}
	return byWords + cjk
}

func cjkRune(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
