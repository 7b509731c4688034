package vault

import (
	"regexp"
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// minScanLength keeps trivial values out of the corpus; scanning for very
// short literals would flood the scanner with false hits.
const minScanLength = 8

// Hit is one leak-scanner finding. It names the credential, never its
// value.
type Hit struct {
	CredentialID string
	Pattern      string // "exact" for literal matches, signature name otherwise
}

// signaturePatterns catches secret-shaped strings that are not in the
// vault: rotated keys, keys pasted by the user, private key blocks.
var signaturePatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), "prefixed API key"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "Google API key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "private key block"},
	{regexp.MustCompile(`(?i)aws_secret_access_key\s*[:=]\s*"?[A-Za-z0-9/+=]{30,}`), "AWS secret key"},
}

// Scanner checks byte slices for credential values. The literal corpus is
// compiled into an Aho-Corasick automaton once per vault change, so the
// per-scan cost is a single pass.
type Scanner struct {
	matcher  *ahocorasick.Matcher
	literals []string // ordinal -> literal
	ids      []string // ordinal -> credential id
}

// NewScanner builds a scanner over value -> credential-id literals.
func NewScanner(literals map[string]string) *Scanner {
	s := &Scanner{}
	var dict [][]byte
	for value, id := range literals {
		dict = append(dict, []byte(value))
		s.literals = append(s.literals, value)
		s.ids = append(s.ids, id)
	}
	s.matcher = ahocorasick.NewMatcher(dict)
	return s
}

// Scan reports every credential found in data. Exact vault values are
// found via the automaton; signature patterns catch secret-shaped strings
// the vault does not know.
func (s *Scanner) Scan(data []byte) []Hit {
	if len(data) == 0 {
		return nil
	}

	var hits []Hit
	if len(s.literals) > 0 {
		for _, ord := range s.matcher.Match(data) {
			hits = append(hits, Hit{CredentialID: s.ids[ord], Pattern: "exact"})
		}
	}
	for _, sig := range signaturePatterns {
		if sig.re.Match(data) {
			hits = append(hits, Hit{CredentialID: "", Pattern: sig.desc})
		}
	}
	return hits
}

// Redact replaces every occurrence of a known literal with a stable
// placeholder naming the credential, and blanks signature matches.
// Returns the redacted bytes and the hits.
func (s *Scanner) Redact(data []byte) ([]byte, []Hit) {
	hits := s.Scan(data)
	if len(hits) == 0 {
		return data, nil
	}
	out := string(data)
	if len(s.literals) > 0 {
		for _, ord := range s.matcher.Match(data) {
			out = strings.ReplaceAll(out, s.literals[ord], "[REDACTED:"+s.ids[ord]+"]")
		}
	}
	for _, sig := range signaturePatterns {
		out = sig.re.ReplaceAllString(out, "[REDACTED]")
	}
	return []byte(out), hits
}
