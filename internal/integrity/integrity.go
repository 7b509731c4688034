// Package integrity detects unauthorized modification of workspace
// identity files via SHA-256 baseline comparison. Baselines, approved
// snapshots, and a hash-chained audit log live in a state directory
// beside the workspace.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Mode is the per-file protection mode.
type Mode string

const (
	// ModeRestore auto-restores from the approved snapshot on drift.
	ModeRestore Mode = "restore"
	// ModeAlert surfaces drift to the caller without touching the file.
	ModeAlert Mode = "alert"
	// ModeIgnore logs only.
	ModeIgnore Mode = "ignore"
)

// Baseline is one monitored file and its approved hash.
type Baseline struct {
	Path       string `json:"path"`
	SHA256     string `json:"sha256"`
	Mode       Mode   `json:"mode"`
	ApprovedAt string `json:"approved_at"`
}

// Target pairs a workspace-relative path with its protection mode.
type Target struct {
	Path string
	Mode Mode
}

// DefaultTargets covers the identity files every workspace carries.
var DefaultTargets = []Target{
	{Path: "SOUL.md", Mode: ModeRestore},
	{Path: "AGENT.md", Mode: ModeRestore},
	{Path: "IDENTITY.md", Mode: ModeAlert},
	{Path: "USER.md", Mode: ModeAlert},
	{Path: "HEARTBEAT.md", Mode: ModeAlert},
	{Path: "MEMORY.md", Mode: ModeIgnore},
}

// Violation is one detected drift.
type Violation struct {
	Path         string
	ExpectedHash string
	ActualHash   string
	Mode         Mode
	Restored     bool
}

// actualHashDeleted marks a monitored file that vanished.
const actualHashDeleted = "FILE_DELETED"

func (v Violation) String() string {
	action := "DRIFT DETECTED"
	switch {
	case v.Mode == ModeRestore && v.Restored:
		action = "auto-restored"
	case v.Mode == ModeRestore:
		action = "restore failed"
	case v.Mode == ModeIgnore:
		action = "ignored"
	}
	return fmt.Sprintf("[%s] %s expected %s, got %s",
		action, v.Path, short(v.ExpectedHash), short(v.ActualHash))
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// genesisHash seeds the audit chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditChain links one audit entry to its predecessor.
type AuditChain struct {
	Prev string `json:"prev"`
	Hash string `json:"hash"`
}

// AuditEntry is one line of the hash-chained audit log.
type AuditEntry struct {
	Timestamp string     `json:"timestamp"`
	Event     string     `json:"event"`
	File      string     `json:"file"`
	OldHash   string     `json:"old_hash,omitempty"`
	NewHash   string     `json:"new_hash,omitempty"`
	Action    string     `json:"action,omitempty"`
	Chain     AuditChain `json:"chain"`
}

// chainPayload is the canonical form hashed into the chain. Field order is
// fixed by the struct; changing it invalidates existing logs.
type chainPayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	File      string `json:"file"`
	OldHash   string `json:"old_hash,omitempty"`
	NewHash   string `json:"new_hash,omitempty"`
	Action    string `json:"action,omitempty"`
}

// Monitor keeps SHA-256 baselines for identity files and a tamper-evident
// audit trail. Not safe for concurrent use; the engine serialises calls.
type Monitor struct {
	logger    *slog.Logger
	targets   []Target
	baselines map[string]Baseline
	// Approved file contents for restore mode.
	snapshots map[string][]byte
	stateDir  string
	lastHash  string
}

// New creates a monitor storing its state under stateDir.
func New(stateDir string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:    logger,
		targets:   DefaultTargets,
		baselines: make(map[string]Baseline),
		snapshots: make(map[string][]byte),
		stateDir:  stateDir,
		lastHash:  genesisHash,
	}
}

// SetTargets overrides the monitored file set.
func (m *Monitor) SetTargets(targets []Target) {
	m.targets = targets
}

// Init snapshots the current content of each monitored file as the
// approved baseline. Missing files are skipped. Returns the number of
// baselines captured.
func (m *Monitor) Init(workspaceDir string) (int, error) {
	count := 0
	for _, target := range m.targets {
		if target.Mode == ModeIgnore {
			continue
		}
		content, err := readNoSymlink(filepath.Join(workspaceDir, target.Path))
		if err != nil {
			m.logger.Debug("integrity: file not found, skipping", "path", target.Path)
			continue
		}
		hash := SHA256Hex(content)
		m.baselines[target.Path] = Baseline{
			Path:       target.Path,
			SHA256:     hash,
			Mode:       target.Mode,
			ApprovedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if target.Mode == ModeRestore {
			m.snapshots[target.Path] = content
		}
		m.appendAudit("baseline_set", target.Path, "", hash, "init")
		count++
	}
	if err := m.saveBaselines(); err != nil {
		return count, err
	}
	if err := m.saveSnapshots(); err != nil {
		return count, err
	}
	m.logger.Info("integrity monitor initialized", "baselines", count)
	return count, nil
}

// Check recomputes every baseline and returns the violations. Files in
// restore mode are rewritten from the approved snapshot; the caller
// decides what to do with alert-mode drift.
func (m *Monitor) Check(workspaceDir string) []Violation {
	var violations []Violation

	for _, path := range m.sortedPaths() {
		baseline := m.baselines[path]
		if baseline.Mode == ModeIgnore {
			continue
		}

		content, err := readNoSymlink(filepath.Join(workspaceDir, path))
		if err != nil {
			violations = append(violations, Violation{
				Path:         path,
				ExpectedHash: baseline.SHA256,
				ActualHash:   actualHashDeleted,
				Mode:         baseline.Mode,
			})
			m.appendAudit("drift_detected", path, baseline.SHA256, actualHashDeleted, "alert")
			continue
		}

		currentHash := SHA256Hex(content)
		if currentHash == baseline.SHA256 {
			continue
		}

		m.logger.Warn("integrity drift",
			"path", path, "expected", short(baseline.SHA256), "actual", short(currentHash))

		restored := false
		if baseline.Mode == ModeRestore {
			if approved, ok := m.snapshots[path]; ok {
				if err := atomicWrite(filepath.Join(workspaceDir, path), approved); err != nil {
					m.logger.Error("integrity restore failed", "path", path, "error", err)
				} else {
					restored = true
					m.logger.Info("integrity auto-restored", "path", path)
				}
			}
		}

		action := "alert"
		if restored {
			action = "auto_restored"
		}
		m.appendAudit("drift_detected", path, baseline.SHA256, currentHash, action)

		violations = append(violations, Violation{
			Path:         path,
			ExpectedHash: baseline.SHA256,
			ActualHash:   currentHash,
			Mode:         baseline.Mode,
			Restored:     restored,
		})
	}

	return violations
}

// Approve accepts the current content of path as the new baseline.
func (m *Monitor) Approve(workspaceDir, path string) error {
	content, err := readNoSymlink(filepath.Join(workspaceDir, path))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	hash := SHA256Hex(content)

	mode := ModeAlert
	if existing, ok := m.baselines[path]; ok {
		mode = existing.Mode
	}

	m.baselines[path] = Baseline{
		Path:       path,
		SHA256:     hash,
		Mode:       mode,
		ApprovedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if mode == ModeRestore {
		m.snapshots[path] = content
	}

	m.appendAudit("baseline_approved", path, "", hash, "approve")
	if err := m.saveBaselines(); err != nil {
		return err
	}
	return m.saveSnapshots()
}

// Status returns (path, short hash, mode) for every baseline.
func (m *Monitor) Status() []Baseline {
	out := make([]Baseline, 0, len(m.baselines))
	for _, path := range m.sortedPaths() {
		out = append(out, m.baselines[path])
	}
	return out
}

// Load restores baselines, snapshots, and the chain tip from stateDir.
func (m *Monitor) Load() error {
	data, err := os.ReadFile(filepath.Join(m.stateDir, "baselines.json"))
	if err == nil {
		var baselines map[string]Baseline
		if err := json.Unmarshal(data, &baselines); err != nil {
			return fmt.Errorf("parse baselines: %w", err)
		}
		m.baselines = baselines
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read baselines: %w", err)
	}

	approvedDir := filepath.Join(m.stateDir, "approved")
	for path, baseline := range m.baselines {
		if baseline.Mode != ModeRestore {
			continue
		}
		if data, err := os.ReadFile(filepath.Join(approvedDir, path)); err == nil {
			m.snapshots[path] = data
		}
	}

	// Resume the chain from the last entry.
	if data, err := os.ReadFile(filepath.Join(m.stateDir, "audit.jsonl")); err == nil {
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			if strings.TrimSpace(lines[i]) == "" {
				continue
			}
			var entry AuditEntry
			if err := json.Unmarshal([]byte(lines[i]), &entry); err == nil {
				m.lastHash = entry.Chain.Hash
			}
			break
		}
	}
	return nil
}

// VerifyChain replays the audit log and reports the first break in the
// hash chain, or nil when the log is intact.
func (m *Monitor) VerifyChain() error {
	data, err := os.ReadFile(filepath.Join(m.stateDir, "audit.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	prev := genesisHash
	for i, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return fmt.Errorf("audit line %d: %w", i+1, err)
		}
		if entry.Chain.Prev != prev {
			return fmt.Errorf("audit line %d: chain break, prev %s want %s", i+1, short(entry.Chain.Prev), short(prev))
		}
		expect := chainHash(prev, chainPayload{
			Timestamp: entry.Timestamp,
			Event:     entry.Event,
			File:      entry.File,
			OldHash:   entry.OldHash,
			NewHash:   entry.NewHash,
			Action:    entry.Action,
		})
		if entry.Chain.Hash != expect {
			return fmt.Errorf("audit line %d: hash mismatch", i+1)
		}
		prev = entry.Chain.Hash
	}
	return nil
}

func (m *Monitor) sortedPaths() []string {
	paths := make([]string, 0, len(m.baselines))
	for path := range m.baselines {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (m *Monitor) appendAudit(event, file, oldHash, newHash, action string) {
	payload := chainPayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		File:      file,
		OldHash:   oldHash,
		NewHash:   newHash,
		Action:    action,
	}
	hash := chainHash(m.lastHash, payload)

	entry := AuditEntry{
		Timestamp: payload.Timestamp,
		Event:     event,
		File:      file,
		OldHash:   oldHash,
		NewHash:   newHash,
		Action:    action,
		Chain:     AuditChain{Prev: m.lastHash, Hash: hash},
	}
	m.lastHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(m.stateDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}

// chainHash is sha256(prev + "\n" + canonical JSON of the entry).
func chainHash(prev string, payload chainPayload) string {
	canonical, _ := json.Marshal(payload)
	return SHA256Hex([]byte(prev + "\n" + string(canonical)))
}

func (m *Monitor) saveBaselines() error {
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	data, err := json.MarshalIndent(m.baselines, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize baselines: %w", err)
	}
	return atomicWrite(filepath.Join(m.stateDir, "baselines.json"), data)
}

func (m *Monitor) saveSnapshots() error {
	dir := filepath.Join(m.stateDir, "approved")
	for path, content := range m.snapshots {
		full := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("mkdir approved dir: %w", err)
		}
		if err := atomicWrite(full, content); err != nil {
			return err
		}
	}
	return nil
}

// readNoSymlink reads a file, rejecting symlinks. A symlinked identity
// file is itself an integrity signal.
func readNoSymlink(path string) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("%s is a symlink", path)
	}
	return os.ReadFile(path)
}

// SHA256Hex returns the hex digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// atomicWrite writes to a temp file then renames over the target.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
