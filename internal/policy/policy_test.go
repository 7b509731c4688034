package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ironclaw/ironclaw/internal/policy"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.AllowHTTPURL("https://example.com") {
		t.Fatal("default policy must deny all outbound")
	}
	if p.GuardFailMode != "open" {
		t.Fatalf("default guard fail mode = %q", p.GuardFailMode)
	}
	if p.ApprovalTimeoutSeconds != 120 {
		t.Fatalf("default approval timeout = %d", p.ApprovalTimeoutSeconds)
	}
}

func TestLoadDomainAllowlist(t *testing.T) {
	path := writePolicy(t, "allow_domains:\n  - api.weather.com\n")
	p, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !p.AllowHTTPURL("https://api.weather.com/v3/wx/conditions/current") {
		t.Fatal("allowlisted domain denied")
	}
	if p.AllowHTTPURL("https://evil.example.com") {
		t.Fatal("unlisted domain allowed")
	}
}

func TestLoadRejectsBadGuardFailMode(t *testing.T) {
	path := writePolicy(t, "guard_fail_mode: sideways\n")
	if _, err := policy.Load(path); err == nil {
		t.Fatal("invalid guard_fail_mode accepted")
	}
}

func TestReloadKeepsPreviousOnInvalidFile(t *testing.T) {
	path := writePolicy(t, "allow_domains:\n  - api.weather.com\n")
	initial, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	live := policy.NewLivePolicy(initial, path)
	if !live.AllowHTTPURL("https://api.weather.com/v3") {
		t.Fatal("initial allowlist not active")
	}

	if err := os.WriteFile(path, []byte("guard_fail_mode: sideways\n"), 0o644); err != nil {
		t.Fatalf("overwrite policy: %v", err)
	}
	if err := policy.ReloadFromFile(live, path); err == nil {
		t.Fatal("invalid reload reported success")
	}
	if !live.AllowHTTPURL("https://api.weather.com/v3") {
		t.Fatal("valid snapshot lost after failed reload")
	}
}

func TestAllowHTTPURLDeniesUnsafeTargets(t *testing.T) {
	p := policy.Policy{AllowDomains: []string{"api.safe.com"}}

	// Allowlisting an IP or localhost does not override the SSRF guard.
	p.AllowDomains = append(p.AllowDomains, "127.0.0.1", "localhost")

	denied := map[string]string{
		"loopback_v4":       "http://127.0.0.1:8080/admin",
		"loopback_name":     "http://localhost/admin",
		"loopback_v6":       "http://[::1]/admin",
		"private_10":        "http://10.0.0.1/metadata",
		"private_172":       "http://172.16.0.1/internal",
		"private_192":       "http://192.168.1.1/config",
		"link_local":        "http://169.254.169.254/latest/meta-data/",
		"link_local_v6":     "http://[fe80::1]/data",
		"unspecified_v4":    "http://0.0.0.0/admin",
		"unspecified_v6":    "http://[::]/admin",
		"scheme_ftp":        "ftp://api.safe.com/file",
		"scheme_file":       "file:///etc/passwd",
		"scheme_gopher":     "gopher://api.safe.com:70/",
		"scheme_data":       "data:text/html,<script>alert(1)</script>",
		"scheme_javascript": "javascript:alert(1)",
		"encoded_loopback":  "http://127%2e0%2e0%2e1/admin",
		"encoded_localhost": "http://%6c%6f%63%61%6c%68%6f%73%74/admin",
		"empty_host":        "http:///path",
		"no_host":           "http://",
		"unlisted_domain":   "https://evil.example.com/steal",
		"suffix_spoof":      "https://api.safe.com.evil.com/steal",
	}
	for name, raw := range denied {
		t.Run(name, func(t *testing.T) {
			if p.AllowHTTPURL(raw) {
				t.Fatalf("%q was not denied", raw)
			}
		})
	}

	if !p.AllowHTTPURL("https://api.safe.com/v1/data") {
		t.Fatal("allowlisted domain denied")
	}
	if !p.AllowHTTPURL("https://sub.api.safe.com/v1/data") {
		t.Fatal("subdomain of allowlisted domain denied")
	}
}

func TestAllowHTTPURLLoopbackOptIn(t *testing.T) {
	p := policy.Policy{
		AllowDomains:  []string{"127.0.0.1", "localhost"},
		AllowLoopback: true,
	}
	if !p.AllowHTTPURL("http://127.0.0.1:8080/ok") {
		t.Fatal("loopback denied despite allow_loopback")
	}
	if !p.AllowHTTPURL("http://localhost:3000/dev") {
		t.Fatal("localhost denied despite allow_loopback")
	}
	if p.AllowHTTPURL("http://10.0.0.5/data") {
		t.Fatal("allow_loopback must not open private ranges")
	}
}

func TestAllowPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	p := policy.Policy{AllowPaths: []string{dir}}

	if !p.AllowPath(dir) {
		t.Fatal("exact prefix denied")
	}
	if !p.AllowPath(filepath.Join(dir, "sub", "file.txt")) {
		t.Fatal("path under prefix denied")
	}
	if p.AllowPath(filepath.Join(os.TempDir(), "elsewhere", "file.txt")) {
		t.Fatal("path outside prefix allowed")
	}
	if p.AllowPath(filepath.Join(dir, "..", "escape")) {
		t.Fatal("dot-dot traversal allowed")
	}

	open := policy.Policy{}
	if !open.AllowPath("/any/path/at/all") {
		t.Fatal("empty AllowPaths must defer to workspace prefixes")
	}
}

func TestPolicyVersionTracksContent(t *testing.T) {
	a := policy.Policy{AllowDomains: []string{"one.com"}}
	b := policy.Policy{AllowDomains: []string{"two.com"}}
	if a.PolicyVersion() == b.PolicyVersion() {
		t.Fatal("distinct policies share a version")
	}
	if a.PolicyVersion() != a.PolicyVersion() {
		t.Fatal("version not stable")
	}
}

func TestAllowDomainPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	live := policy.NewLivePolicy(policy.Default(), path)

	if err := live.AllowDomain("api.github.com"); err != nil {
		t.Fatalf("allow domain: %v", err)
	}
	if !live.AllowHTTPURL("https://api.github.com/repos") {
		t.Fatal("granted domain not live")
	}

	reloaded, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load persisted policy: %v", err)
	}
	if !reloaded.AllowHTTPURL("https://api.github.com/repos") {
		t.Fatal("granted domain not persisted")
	}
}
