package policy

import (
	"net/url"
	"path"
	"strings"
)

// CapabilitySet is what one tool is allowed to do. Zero value grants
// nothing.
type CapabilitySet struct {
	// HTTPOutbound lists host or host/path-prefix entries the tool may
	// reach. Empty means no outbound HTTP at all.
	HTTPOutbound []string `yaml:"http_outbound,omitempty" json:"http_outbound,omitempty"`
	// SecretsRead lists credential ids the tool may have injected.
	SecretsRead []string `yaml:"secrets_read,omitempty" json:"secrets_read,omitempty"`
	// ToolInvoke lists tool names this tool may call through the registry.
	ToolInvoke []string `yaml:"tool_invoke,omitempty" json:"tool_invoke,omitempty"`
	// WorkspaceRead and WorkspaceWrite are workspace-relative path
	// prefixes.
	WorkspaceRead  []string `yaml:"workspace_read,omitempty" json:"workspace_read,omitempty"`
	WorkspaceWrite []string `yaml:"workspace_write,omitempty" json:"workspace_write,omitempty"`
	// ProcessExec permits spawning host processes (shell builtin only).
	ProcessExec bool `yaml:"process_exec,omitempty" json:"process_exec,omitempty"`
	// Network permits raw network access beyond HTTPOutbound.
	Network bool `yaml:"network,omitempty" json:"network,omitempty"`
}

// AllowURL checks the tool's own outbound allowlist. Entries are
// "host" (any path) or "host/prefix". A leading "*." on the host matches
// subdomains.
func (c CapabilitySet) AllowURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	reqPath := u.EscapedPath()
	if reqPath == "" {
		reqPath = "/"
	}

	for _, entry := range c.HTTPOutbound {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		entryHost, entryPath, _ := strings.Cut(entry, "/")
		if !hostMatches(host, entryHost) {
			continue
		}
		if entryPath == "" {
			return true
		}
		if pathHasPrefix(reqPath, "/"+entryPath) {
			return true
		}
	}
	return false
}

func hostMatches(host, pattern string) bool {
	if sub, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == sub || strings.HasSuffix(host, "."+sub)
	}
	return host == pattern
}

// AllowSecret reports whether the tool may reference credential id.
func (c CapabilitySet) AllowSecret(id string) bool {
	return containsFold(c.SecretsRead, id)
}

// AllowInvoke reports whether the tool may call another tool by name.
func (c CapabilitySet) AllowInvoke(name string) bool {
	return containsFold(c.ToolInvoke, name)
}

// AllowRead reports whether the tool may read the workspace-relative path.
func (c CapabilitySet) AllowRead(p string) bool {
	return prefixMatch(c.WorkspaceRead, p)
}

// AllowWrite reports whether the tool may write the workspace-relative path.
func (c CapabilitySet) AllowWrite(p string) bool {
	return prefixMatch(c.WorkspaceWrite, p)
}

// prefixMatch cleans the candidate path and rejects traversal outside
// the workspace before prefix-checking.
func prefixMatch(prefixes []string, candidate string) bool {
	cleaned := path.Clean("/" + strings.ReplaceAll(candidate, "\\", "/"))
	if strings.HasPrefix(cleaned, "/..") {
		return false
	}
	for _, prefix := range prefixes {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		p := path.Clean("/" + prefix)
		if p == "/" || cleaned == p || strings.HasPrefix(cleaned, p+"/") {
			return true
		}
	}
	return false
}

func pathHasPrefix(reqPath, prefix string) bool {
	reqPath = path.Clean(reqPath)
	prefix = path.Clean(prefix)
	return reqPath == prefix || strings.HasPrefix(reqPath, prefix+"/")
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

// ToolPolicy carries the per-tool policy flags from the registry's tool
// record.
type ToolPolicy struct {
	// ApprovalRequired makes the agent loop request channel-level
	// confirmation before dispatch.
	ApprovalRequired bool `yaml:"approval_required,omitempty" json:"approval_required,omitempty"`
	// ProtectedFromOverride marks the tool name as unshadowable.
	ProtectedFromOverride bool `yaml:"protected,omitempty" json:"protected,omitempty"`
}

// Limits bounds one invocation.
type Limits struct {
	MemoryBytes   int64 `yaml:"memory_bytes,omitempty" json:"memory_bytes,omitempty"`
	TimeoutMS     int64 `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	RatePerMinute int   `yaml:"rate_per_minute,omitempty" json:"rate_per_minute,omitempty"`
}
