package compact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	enumRe     = regexp.MustCompile(`((?:[A-Z][A-Z0-9]{1,6})(?:\s*,\s*(?:[A-Z][A-Z0-9]{1,6})){3,})`)
	headerRe   = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	ipFamilyRe = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3})\.(\d{1,3})\b`)
)

// CompressPatterns applies the structural compressions that need no
// external state: header merging, enumeration compaction, duplicate line
// removal.
func CompressPatterns(text string) string {
	result := compressRepeatedHeaders(text)
	result = compressEnumerations(result)
	result = removeDuplicateLines(result)
	return result
}

// removeDuplicateLines keeps the first occurrence of each non-blank line.
func removeDuplicateLines(text string) string {
	seen := make(map[string]struct{})
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			lines = append(lines, line)
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// compressEnumerations compacts comma-separated ALL-CAPS runs of 4+
// items: "BTC, ETH, SOL, BNB, AVAX" becomes "[BTC,ETH,SOL,BNB,AVAX]".
func compressEnumerations(text string) string {
	return enumRe.ReplaceAllStringFunc(text, func(match string) string {
		items := strings.Split(match, ",")
		for i := range items {
			items[i] = strings.TrimSpace(items[i])
		}
		return "[" + strings.Join(items, ",") + "]"
	})
}

// compressRepeatedHeaders keeps only the first occurrence of a markdown
// header and merges content from later duplicates beneath it.
func compressRepeatedHeaders(text string) string {
	seenHeaders := make(map[string]int)
	var resultLines []string
	skipUntilNextHeader := false
	var pendingContent []string
	mergeTarget := -1

	flush := func() {
		if mergeTarget >= 0 {
			insertAt := mergeTarget + 1
			if insertAt > len(resultLines) {
				insertAt = len(resultLines)
			}
			for i, pc := range pendingContent {
				resultLines = append(resultLines[:insertAt+i], append([]string{pc}, resultLines[insertAt+i:]...)...)
			}
		}
		skipUntilNextHeader = false
		mergeTarget = -1
		pendingContent = nil
	}

	for _, line := range strings.Split(text, "\n") {
		if m := headerRe.FindStringSubmatch(line); m != nil {
			key := strings.ToLower(strings.TrimSpace(m[2]))
			if firstIdx, ok := seenHeaders[key]; ok {
				skipUntilNextHeader = true
				mergeTarget = firstIdx
				pendingContent = nil
				continue
			}
			if skipUntilNextHeader {
				flush()
			}
			seenHeaders[key] = len(resultLines)
			resultLines = append(resultLines, line)
		} else if skipUntilNextHeader {
			pendingContent = append(pendingContent, line)
		} else {
			resultLines = append(resultLines, line)
		}
	}
	flush()

	return strings.Join(resultLines, "\n")
}

// CompressPaths replaces known workspace path prefixes with $WS
// variables, longest prefix first.
func CompressPaths(text string, workspacePaths []string) string {
	sorted := append([]string(nil), workspacePaths...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	result := text
	for i, path := range sorted {
		if !strings.Contains(result, path) {
			continue
		}
		v := "$WS"
		if i > 0 {
			v = fmt.Sprintf("$WS%d", i)
		}
		result = strings.ReplaceAll(result, path, v)
	}
	return result
}

// CompressIPFamilies groups IPv4 addresses by their first three octets;
// families with 2+ members are rewritten as $IPn.last. Returns the
// rewritten text and the variable -> prefix table needed to expand it.
func CompressIPFamilies(text string) (string, map[string]string) {
	prefixCounts := make(map[string]int)
	for _, m := range ipFamilyRe.FindAllStringSubmatch(text, -1) {
		prefixCounts[m[1]]++
	}

	var families []string
	for prefix, count := range prefixCounts {
		if count >= 2 {
			families = append(families, prefix)
		}
	}
	if len(families) == 0 {
		return text, map[string]string{}
	}
	sort.Strings(families)

	result := text
	prefixMap := make(map[string]string, len(families))
	for i, prefix := range families {
		v := "$IP"
		if i > 0 {
			v = fmt.Sprintf("$IP%d", i)
		}
		re := regexp.MustCompile(regexp.QuoteMeta(prefix) + `\.`)
		result = re.ReplaceAllString(result, v+".")
		prefixMap[v] = prefix
	}
	return result, prefixMap
}
