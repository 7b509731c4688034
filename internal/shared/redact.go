package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPattern pairs a regexp with whether its first capture group is a
// key-ish prefix that should survive redaction.
type secretPattern struct {
	re         *regexp.Regexp
	keepPrefix bool
}

var secretPatterns = []secretPattern{
	// key = <long opaque value> assignments.
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), keepPrefix: true},
	// Authorization header values.
	{re: regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), keepPrefix: true},
	// sk- prefixed provider keys.
	{re: regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}`)},
	// Google API keys.
	{re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	// UUIDs assigned to token/secret keys.
	{re: regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`), keepPrefix: true},
}

// Redact scrubs secret-bearing shapes from a string. Every log record,
// audit entry, and event payload passes through here before it leaves
// the process.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		pat := p
		out = pat.re.ReplaceAllStringFunc(out, func(match string) string {
			if pat.keepPrefix {
				if groups := pat.re.FindStringSubmatch(match); len(groups) >= 3 {
					return groups[1] + redactedPlaceholder
				}
			}
			return redactedPlaceholder
		})
	}
	return out
}

// sensitiveKeyTokens flag an env or attr key as secret-bearing by name.
var sensitiveKeyTokens = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue hides the value outright when the key name looks
// secret-bearing; the value itself is never inspected.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, tok := range sensitiveKeyTokens {
		if strings.Contains(lower, tok) {
			return redactedPlaceholder
		}
	}
	return value
}
