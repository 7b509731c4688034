package compact

import (
	"regexp"
	"strings"
)

var (
	multiSpaceRe      = regexp.MustCompile(` {2,}`)
	multiNewlineRe    = regexp.MustCompile(`\n{3,}`)
	trivialBacktickRe = regexp.MustCompile("`([a-zA-Z0-9_.-]+)`")
	bulletRe          = regexp.MustCompile(`^(\s*[-*+]\s+)(.+)$`)
)

// OptimizeText applies tokenizer-facing cleanups. Aggressive mode also
// strips backticks around bare words and merges short bullet runs, which
// changes formatting visibly and is kept off by default.
func OptimizeText(text string, aggressive bool) string {
	result := normalizeCJKPunctuation(text)
	result = minimizeWhitespace(result)
	result = compactTables(result)
	if aggressive {
		result = stripTrivialBackticks(result)
		result = compactBullets(result)
	}
	return result
}

// normalizeCJKPunctuation maps fullwidth punctuation to ASCII; each
// substitution saves roughly one token.
func normalizeCJKPunctuation(text string) string {
	replacer := strings.NewReplacer(
		"，", ",", "。", ".", "；", ";", "：", ":",
		"？", "?", "！", "!", "（", "(", "）", ")",
		"【", "[", "】", "]",
		"「", `"`, "」", `"`, "『", `"`, "』", `"`,
		"　", " ",
	)
	return replacer.Replace(text)
}

// minimizeWhitespace collapses runs of spaces, caps indentation at 4
// spaces, trims trailing whitespace, and collapses 3+ blank lines to one.
func minimizeWhitespace(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimLeft(line, " ")
		indent := len(line) - len(trimmed)
		if indent > 4 {
			indent = 4
		}
		collapsed := multiSpaceRe.ReplaceAllString(strings.Repeat(" ", indent)+trimmed, " ")
		b.WriteString(strings.TrimRight(collapsed, " \t"))
		b.WriteByte('\n')
	}
	result := multiNewlineRe.ReplaceAllString(b.String(), "\n\n")
	result = strings.TrimRight(result, "\n")
	if strings.HasSuffix(text, "\n") {
		result += "\n"
	}
	return result
}

// stripTrivialBackticks removes backticks around simple words, keeping
// them around anything with spaces or shell metacharacters.
func stripTrivialBackticks(text string) string {
	return trivialBacktickRe.ReplaceAllString(text, "$1")
}

// compactBullets joins runs of 3+ short bullets (3 words or fewer) into
// a single comma-separated line.
func compactBullets(text string) string {
	var result []string
	var run []string

	flush := func() {
		if len(run) >= 3 {
			result = append(result, strings.Join(run, ", "))
		} else {
			for _, b := range run {
				result = append(result, "- "+b)
			}
		}
		run = nil
	}

	for _, line := range strings.Split(text, "\n") {
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			content := strings.TrimSpace(m[2])
			if len(strings.Fields(content)) <= 3 {
				run = append(run, content)
				continue
			}
			flush()
			result = append(result, line)
			continue
		}
		flush()
		result = append(result, line)
	}
	flush()

	return strings.Join(result, "\n")
}

// compactTables rewrites markdown tables: 2-column tables become
// "Key: Value" lines, wider tables lose the separator row.
func compactTables(text string) string {
	lines := strings.Split(text, "\n")
	var result []string
	i := 0

	for i < len(lines) {
		if strings.Contains(lines[i], "|") && i+1 < len(lines) && isTableSeparator(lines[i+1]) {
			header := parseTableRow(lines[i])
			i += 2

			var rows [][]string
			for i < len(lines) && strings.Contains(lines[i], "|") && !isTableSeparator(lines[i]) {
				rows = append(rows, parseTableRow(lines[i]))
				i++
			}

			if len(header) == 2 {
				for _, row := range rows {
					if len(row) >= 2 {
						result = append(result, row[0]+": "+row[1])
					}
				}
			} else {
				result = append(result, strings.Join(header, " | "))
				for _, row := range rows {
					result = append(result, strings.Join(row, " | "))
				}
			}
			continue
		}
		result = append(result, lines[i])
		i++
	}
	return strings.Join(result, "\n")
}

func isTableSeparator(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.Contains(trimmed, "|") {
		return false
	}
	for _, c := range trimmed {
		if c != '|' && c != '-' && c != ':' && c != ' ' {
			return false
		}
	}
	return true
}

func parseTableRow(line string) []string {
	var cells []string
	for _, cell := range strings.Split(line, "|") {
		trimmed := strings.TrimSpace(cell)
		if trimmed != "" {
			cells = append(cells, trimmed)
		}
	}
	return cells
}
