// Package policy holds the capability model and the runtime policy file.
// Tools carry a CapabilitySet; the registry intersects it with the
// operator policy before an invocation bundle is produced.
package policy

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the read-side interface consumers use at runtime.
type Checker interface {
	AllowHTTPURL(raw string) bool
	AllowPath(path string) bool
	PolicyVersion() string
}

// Policy is the serializable operator policy. It constrains what any
// tool may do regardless of its own capability set.
type Policy struct {
	// AllowDomains is the global outbound domain allowlist. A tool's
	// HttpOutbound allowlist is intersected with it.
	AllowDomains []string `yaml:"allow_domains"`
	// AllowPaths restricts workspace access to these prefixes. Empty
	// means the workspace root decides.
	AllowPaths []string `yaml:"allow_paths"`
	// AllowLoopback permits requests to localhost, for development.
	AllowLoopback bool `yaml:"allow_loopback"`
	// GuardFailMode is "open" or "closed" (see the command guard).
	GuardFailMode string `yaml:"guard_fail_mode"`
	// ApprovalTimeoutSeconds bounds how long a tool approval request may
	// wait for the channel (default 120).
	ApprovalTimeoutSeconds int `yaml:"approval_timeout_seconds"`
}

func Default() Policy {
	return Policy{
		GuardFailMode:          "open",
		ApprovalTimeoutSeconds: 120,
	}
}

// Load reads a policy file, returning defaults when the path is empty or
// absent.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	switch strings.ToLower(strings.TrimSpace(p.GuardFailMode)) {
	case "", "open", "closed":
	default:
		return fmt.Errorf("guard_fail_mode must be open or closed, got %q", p.GuardFailMode)
	}
	return nil
}

// AllowHTTPURL checks the global domain allowlist plus the SSRF guard:
// loopback, private, and link-local targets are refused unless loopback
// is explicitly enabled.
func (p Policy) AllowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http", "https":
	default:
		return false
	}
	host := strings.ToLower(u.Hostname())
	if blockedTarget(host, p.AllowLoopback) {
		return false
	}
	return p.domainAllowed(host)
}

// domainAllowed matches host against the allowlist, including
// subdomains of each allowed domain.
func (p Policy) domainAllowed(host string) bool {
	for _, domain := range p.AllowDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// blockedTarget implements the SSRF refusals for IP literals and
// localhost. Plain hostnames pass; they still have to clear the
// allowlist.
func blockedTarget(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	if ip.IsLoopback() {
		return !allowLoopback
	}
	return ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// AllowPath checks whether a filesystem path is within an allowed prefix.
// An empty AllowPaths list defers to per-tool workspace prefixes.
func (p Policy) AllowPath(path string) bool {
	if len(p.AllowPaths) == 0 {
		return true
	}
	resolved, ok := resolveReal(path)
	if !ok {
		return false
	}
	for _, allowed := range p.AllowPaths {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		prefix, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(prefix); err == nil {
			prefix = real
		}
		if resolved == prefix || strings.HasPrefix(resolved, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// resolveReal resolves symlinks to defeat link-through escapes. A path
// that does not exist yet is resolved via its parent so new files can
// still be checked.
func resolveReal(path string) (string, bool) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		parent, perr := filepath.EvalSymlinks(filepath.Dir(path))
		if perr != nil {
			return "", false
		}
		resolved = filepath.Join(parent, filepath.Base(path))
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", false
	}
	return abs, true
}

// PolicyVersion is a stable hash of the policy content, recorded with
// every audit entry so decisions can be traced to the policy that made
// them.
func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, v := range p.AllowDomains {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.AllowPaths {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	if p.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	_, _ = h.Write([]byte("guard=" + strings.ToLower(strings.TrimSpace(p.GuardFailMode)) + "|"))
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // file path for persistence; empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) AllowHTTPURL(raw string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowHTTPURL(raw)
}

func (lp *LivePolicy) AllowPath(path string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowPath(path)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// AllowDomain adds a domain at runtime and persists the change. Adding
// a domain already on the list is a no-op.
func (lp *LivePolicy) AllowDomain(domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return fmt.Errorf("empty domain")
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()

	if lp.data.domainAllowed(domain) {
		return nil
	}
	lp.data.AllowDomains = append(lp.data.AllowDomains, domain)
	return lp.persist()
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.AllowDomains = append([]string(nil), lp.data.AllowDomains...)
	cp.AllowPaths = append([]string(nil), lp.data.AllowPaths...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file
// parses and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
