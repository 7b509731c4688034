package compact

import (
	"sort"
	"strings"
)

// dollarEscape guards literal dollar signs in the input so they cannot
// collide with generated codes.
const dollarEscape = "\x00DLR\x00"

// minPhraseLen filters out phrases too short to be worth a code.
const minPhraseLen = 6

// BuildCodebook extracts word n-gram phrases appearing at least minFreq
// times across the texts, ranks them by savings potential (frequency
// times length), and assigns short codes. Overlapping phrases are skipped
// so substitution order cannot corrupt output. Returns code -> phrase.
func BuildCodebook(texts []string, minFreq, maxEntries int) map[string]string {
	freq := make(map[string]int)
	for _, text := range texts {
		for _, ngram := range extractNgrams(text, 2, 5) {
			freq[ngram]++
		}
	}

	type candidate struct {
		phrase string
		count  int
	}
	var candidates []candidate
	for phrase, count := range freq {
		if count >= minFreq && len(phrase) >= minPhraseLen {
			candidates = append(candidates, candidate{phrase, count})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		si := candidates[i].count * len(candidates[i].phrase)
		sj := candidates[j].count * len(candidates[j].phrase)
		if si != sj {
			return si > sj
		}
		return candidates[i].phrase < candidates[j].phrase
	})

	codebook := make(map[string]string)
	var used []string
	gen := codeGenerator{}

	for _, c := range candidates {
		if len(codebook) >= maxEntries {
			break
		}
		overlaps := false
		for _, existing := range used {
			if strings.Contains(existing, c.phrase) || strings.Contains(c.phrase, existing) {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		codebook[gen.next()] = c.phrase
		used = append(used, c.phrase)
	}
	return codebook
}

// CompressText replaces codebook phrases with their codes. Existing
// dollar signs are escaped first so decompression can restore them.
func CompressText(text string, codebook map[string]string) string {
	if len(codebook) == 0 {
		return text
	}
	result := strings.ReplaceAll(text, "$", dollarEscape)

	// Longest phrases first to avoid partial matches.
	entries := sortedEntries(codebook)
	sort.Slice(entries, func(i, j int) bool { return len(entries[i].phrase) > len(entries[j].phrase) })
	for _, e := range entries {
		result = strings.ReplaceAll(result, e.phrase, e.code)
	}
	return result
}

// DecompressText expands codes back to phrases and restores escaped
// dollar signs. CompressText followed by DecompressText is the identity.
func DecompressText(text string, codebook map[string]string) string {
	result := text
	// Longer codes first ($AAA before $AA).
	entries := sortedEntries(codebook)
	sort.Slice(entries, func(i, j int) bool { return len(entries[i].code) > len(entries[j].code) })
	for _, e := range entries {
		result = strings.ReplaceAll(result, e.code, e.phrase)
	}
	return strings.ReplaceAll(result, dollarEscape, "$")
}

type codebookEntry struct {
	code   string
	phrase string
}

func sortedEntries(codebook map[string]string) []codebookEntry {
	entries := make([]codebookEntry, 0, len(codebook))
	for code, phrase := range codebook {
		entries = append(entries, codebookEntry{code, phrase})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].code < entries[j].code })
	return entries
}

func extractNgrams(text string, minN, maxN int) []string {
	words := strings.Fields(text)
	var ngrams []string
	for n := minN; n <= maxN; n++ {
		if len(words) < n {
			continue
		}
		for i := 0; i+n <= len(words); i++ {
			phrase := strings.Join(words[i:i+n], " ")
			if len(phrase) >= minPhraseLen {
				ngrams = append(ngrams, phrase)
			}
		}
	}
	return ngrams
}

// codeGenerator yields $AA..$ZZ, overflowing into three-letter codes.
type codeGenerator struct {
	index int
}

func (g *codeGenerator) next() string {
	first := byte('A' + g.index/26)
	second := byte('A' + g.index%26)
	g.index++
	if g.index <= 676 {
		return "$" + string(first) + string(second)
	}
	i := g.index - 676
	a := byte('A' + i/676)
	b := byte('A' + (i/26)%26)
	c := byte('A' + i%26)
	return "$" + string(a) + string(b) + string(c)
}
