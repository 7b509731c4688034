// Package guard evaluates shell commands against a pack library of
// destructive patterns before anything is spawned. It is a pure function
// over the command string: no I/O, sub-millisecond in the common case.
//
// Evaluation is two-phase. A single Aho-Corasick pass over the lowercased
// command selects the packs whose keywords appear at all; commands that
// trip no keyword are allowed immediately. Surviving packs are then
// evaluated in declared order: safe patterns (allowlist) first, then
// destructive patterns, first match wins.
package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cloudflare/ahocorasick"

	"github.com/ironclaw/ironclaw/internal/audit"
)

// FailMode controls behaviour on internal error or deadline overrun.
type FailMode string

const (
	// FailOpen allows the command on timeout, with an audit record.
	// A slow guard must not stop the user's legitimate work.
	FailOpen FailMode = "open"
	// FailClosed blocks the command on timeout.
	FailClosed FailMode = "closed"
)

// Action is what a matching rule asks for.
type Action string

const (
	ActionBlock    Action = "block"
	ActionWarn     Action = "warn"
	ActionReview   Action = "review"
	ActionSanitize Action = "sanitize"
)

// Decision is the verdict kind.
type Decision string

const (
	DecisionAllow     Decision = "allow"
	DecisionBlock     Decision = "block"
	DecisionAllowOnce Decision = "allow_once"
)

// Verdict is the result of evaluating one command.
type Verdict struct {
	Decision   Decision
	Pack       string
	Rule       string
	Reason     string
	Suggestion string
	// ShortCode is set on AllowOnce verdicts; the caller may re-run the
	// command with this code to confirm.
	ShortCode string
	// Warning is set when a warn-level rule matched but the command is
	// still allowed.
	Warning string
}

// Blocked reports whether the command must not execute as-is.
func (v Verdict) Blocked() bool {
	return v.Decision == DecisionBlock
}

// DefaultDeadline bounds a single evaluation. Pathological inputs fall
// back to the configured fail mode when it is exceeded.
const DefaultDeadline = 25 * time.Millisecond

// Guard evaluates shell commands. Create once at startup, call on every
// shell-tool argument.
type Guard struct {
	enabled  bool
	failMode FailMode
	deadline time.Duration
	packs    []*pack

	// One automaton over all pack keywords; matched ordinals map back to
	// packs through keywordPack.
	matcher     *ahocorasick.Matcher
	keywordPack []*pack
}

// Option configures a Guard.
type Option func(*Guard)

// WithDeadline overrides the evaluation deadline.
func WithDeadline(d time.Duration) Option {
	return func(g *Guard) { g.deadline = d }
}

// WithPacks replaces the default pack set.
func WithPacks(packs []*pack) Option {
	return func(g *Guard) { g.packs = packs }
}

// New creates a guard over the built-in pack library.
func New(enabled bool, failMode FailMode, opts ...Option) *Guard {
	g := &Guard{
		enabled:  enabled,
		failMode: failMode,
		deadline: DefaultDeadline,
		packs:    allPacks,
	}
	for _, opt := range opts {
		opt(g)
	}

	var keywords [][]byte
	for _, p := range g.packs {
		for _, kw := range p.keywords {
			keywords = append(keywords, []byte(kw))
			g.keywordPack = append(g.keywordPack, p)
		}
	}
	g.matcher = ahocorasick.NewMatcher(keywords)
	return g
}

// Default returns an enabled fail-open guard.
func Default() *Guard {
	return New(true, FailOpen)
}

// Check evaluates a shell command.
func (g *Guard) Check(command string) Verdict {
	if !g.enabled {
		return Verdict{Decision: DecisionAllow}
	}

	start := time.Now()

	// Phase 1: one substring pass selects candidate packs.
	lower := strings.ToLower(command)
	hits := g.matcher.Match([]byte(lower))
	if len(hits) == 0 {
		return Verdict{Decision: DecisionAllow}
	}
	candidates := make([]*pack, 0, len(hits))
	seen := map[*pack]bool{}
	for _, p := range g.packs {
		for _, ord := range hits {
			if g.keywordPack[ord] == p && !seen[p] {
				seen[p] = true
				candidates = append(candidates, p)
			}
		}
	}

	// The scanner looks at the whole command plus each sub-segment so
	// anchored patterns still catch `echo ok && rm -rf /` and heredoc
	// bodies.
	segments := splitSegments(command)

	var warning Verdict
	warned := false

	// Phase 2: per-pack pattern match, declared order, first match wins.
	// Safe patterns are scoped to the segment they match: `rm foo.txt &&
	// rm -rf /` must not ride on the safe first half.
	for _, p := range candidates {
		if time.Since(start) > g.deadline {
			return g.onTimeout(command)
		}

		for _, rule := range p.rules {
			matched := false
			for _, seg := range segments {
				if p.safeMatch(seg) {
					continue
				}
				if rule.pattern.matchString(seg) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
			switch rule.action {
			case ActionBlock:
				audit.Record("deny", "guard.check", rule.reason, "", truncate(command, 120))
				return Verdict{
					Decision:   DecisionBlock,
					Pack:       p.id,
					Rule:       rule.name,
					Reason:     rule.reason,
					Suggestion: rule.suggestion,
				}
			case ActionReview:
				audit.Record("review", "guard.check", rule.reason, "", truncate(command, 120))
				return Verdict{
					Decision:   DecisionAllowOnce,
					Pack:       p.id,
					Rule:       rule.name,
					Reason:     rule.reason,
					Suggestion: rule.suggestion,
					ShortCode:  shortCode(command),
				}
			case ActionWarn, ActionSanitize:
				if !warned {
					warned = true
					warning = Verdict{
						Decision:   DecisionAllow,
						Pack:       p.id,
						Rule:       rule.name,
						Warning:    rule.reason,
						Suggestion: rule.suggestion,
					}
				}
				// Keep scanning: a later rule may still block.
			}
			break // first matching rule decides for this pack
		}
	}

	if warned {
		audit.Record("warn", "guard.check", warning.Warning, "", truncate(command, 120))
		return warning
	}
	return Verdict{Decision: DecisionAllow}
}

// Confirm reports whether code is the AllowOnce confirmation code for
// command.
func (g *Guard) Confirm(command, code string) bool {
	return code != "" && shortCode(command) == code
}

func (g *Guard) onTimeout(command string) Verdict {
	audit.Record("timeout", "guard.check", "evaluation deadline exceeded", "", truncate(command, 120))
	if g.failMode == FailClosed {
		return Verdict{
			Decision: DecisionBlock,
			Pack:     "timeout",
			Reason:   "evaluation timed out",
		}
	}
	return Verdict{Decision: DecisionAllow}
}

// shortCode derives a stable confirmation code from the command text.
func shortCode(command string) string {
	sum := sha256.Sum256([]byte(command))
	return hex.EncodeToString(sum[:])[:6]
}

// splitSegments returns the full command plus sub-commands split on shell
// separators and heredoc bodies, so anchored patterns see each piece.
func splitSegments(command string) []string {
	segments := []string{command}

	// Heredoc bodies: everything between <<MARKER and the marker line.
	if idx := strings.Index(command, "<<"); idx >= 0 {
		rest := command[idx+2:]
		rest = strings.TrimLeft(rest, "-~ '\"")
		if nl := strings.IndexByte(rest, '\n'); nl > 0 {
			marker := strings.Trim(rest[:nl], "'\" ")
			body := rest[nl+1:]
			if end := strings.Index(body, "\n"+marker); end >= 0 {
				body = body[:end]
			}
			if marker != "" && body != "" {
				segments = append(segments, body)
				segments = append(segments, strings.Split(body, "\n")...)
			}
		}
	}

	replacer := strings.NewReplacer("&&", "\x00", "||", "\x00", ";", "\x00", "|", "\x00", "\n", "\x00")
	for _, part := range strings.Split(replacer.Replace(command), "\x00") {
		part = strings.TrimSpace(part)
		if part != "" && part != command {
			segments = append(segments, part)
		}
	}
	return segments
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// String renders a verdict for surfacing to the model.
func (v Verdict) String() string {
	switch v.Decision {
	case DecisionBlock:
		if v.Suggestion != "" {
			return fmt.Sprintf("blocked by %s: %s (hint: %s)", v.Pack, v.Reason, v.Suggestion)
		}
		return fmt.Sprintf("blocked by %s: %s", v.Pack, v.Reason)
	case DecisionAllowOnce:
		return fmt.Sprintf("needs confirmation (%s): %s [code %s]", v.Pack, v.Reason, v.ShortCode)
	default:
		if v.Warning != "" {
			return fmt.Sprintf("allowed with warning (%s): %s", v.Pack, v.Warning)
		}
		return "allowed"
	}
}
