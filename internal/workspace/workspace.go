// Package workspace is the agent's persistent file surface: identity
// files, daily logs, and free-form notes, all confined to a root
// directory with traversal protection. Writes go through a content-hash
// dedup gate so concurrent agents never stack identical snapshots.
package workspace

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	maxReadBytes   = 1 * 1024 * 1024 // 1 MB
	maxListEntries = 500
	maxSearchDepth = 3
	maxSearchHits  = 100
)

// Identity files composed into the system prompt, in prompt order.
const (
	PersonaFile      = "SOUL.md"
	InstructionsFile = "AGENT.md"
	UserProfileFile  = "USER.md"
	MemoryFile       = "MEMORY.md" // main sessions only
	IdentityFile     = "IDENTITY.md"
	HeartbeatFile    = "HEARTBEAT.md"
	BootFile         = "BOOT.md"

	ActiveTasksFile = "active-tasks.md"
	LessonsFile     = "lessons.md"
)

// FileInfo describes a single directory entry.
type FileInfo struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// SearchHit describes a single search match.
type SearchHit struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// Workspace is rooted at one directory. Writes are serialised through
// the dedup gate's mutex.
type Workspace struct {
	root string

	mu sync.Mutex
	// Last written content hash per relative path, consulted before
	// touching the filesystem again.
	written map[string]string
}

// Open roots a workspace at dir, creating it if needed.
func Open(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	// Resolve symlinks in the root so containment checks compare real paths.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: eval symlinks on root: %w", err)
	}
	return &Workspace{root: resolved, written: make(map[string]string)}, nil
}

// Root returns the resolved workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// resolve confines path to the workspace root, following symlinks on
// the deepest existing ancestor for not-yet-created files.
func (w *Workspace) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace: empty path")
	}
	cleaned := filepath.Clean(path)
	full := cleaned
	if !filepath.IsAbs(cleaned) {
		full = filepath.Join(w.root, cleaned)
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved, err = evalSymlinksPartial(abs)
		if err != nil {
			return "", fmt.Errorf("workspace: resolve symlinks: %w", err)
		}
	}
	if resolved != w.root && !strings.HasPrefix(resolved, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace: path traversal blocked: %s", path)
	}
	return resolved, nil
}

// evalSymlinksPartial walks up from path until it finds an existing
// ancestor, resolves symlinks there, then re-appends the rest.
func evalSymlinksPartial(abs string) (string, error) {
	current := abs
	var trailing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(trailing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, trailing[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", abs)
		}
		trailing = append(trailing, filepath.Base(current))
		current = parent
	}
}

// Read returns a file's contents, capped at 1 MB.
func (w *Workspace) Read(path string) (string, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("workspace: stat: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("workspace: path is a directory")
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("workspace: file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("workspace: read: %w", err)
	}
	return string(data), nil
}

// ReadOrEmpty reads a file, treating a missing file as empty content.
func (w *Workspace) ReadOrEmpty(path string) string {
	content, err := w.Read(path)
	if err != nil {
		return ""
	}
	return content
}

// Write stores content atomically (temp file + rename), bypassing the
// dedup gate. Parent directories are created as needed.
func (w *Workspace) Write(path, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(path, content)
}

// WriteDedup stores content unless the file already holds byte-identical
// content. Reports whether a write happened.
func (w *Workspace) WriteDedup(path, content string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	hash := hashContent(content)
	if w.written[path] == hash {
		return false, nil
	}
	if existing, err := w.Read(path); err == nil && hashContent(existing) == hash {
		w.written[path] = hash
		return false, nil
	}
	if err := w.writeLocked(path, content); err != nil {
		return false, err
	}
	w.written[path] = hash
	return true, nil
}

func (w *Workspace) writeLocked(path, content string) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ws-*.tmp")
	if err != nil {
		return fmt.Errorf("workspace: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("workspace: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("workspace: close temp: %w", err)
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("workspace: rename: %w", err)
	}
	return nil
}

// Append adds content to the end of a file, creating it if missing.
func (w *Workspace) Append(path, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir: %w", err)
	}
	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("workspace: open append: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("workspace: append: %w", err)
	}
	// Appends invalidate the dedup gate's memory of this path.
	delete(w.written, path)
	return nil
}

// List returns directory entries (max 500).
func (w *Workspace) List(dir string) ([]FileInfo, error) {
	resolved, err := w.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace: read dir: %w", err)
	}
	var result []FileInfo
	for i, entry := range entries {
		if i >= maxListEntries {
			break
		}
		info, err := entry.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		result = append(result, FileInfo{Name: entry.Name(), IsDir: entry.IsDir(), Size: size})
	}
	return result, nil
}

// Delete removes a single file. Directories cannot be deleted.
func (w *Workspace) Delete(path string) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("workspace: stat: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("workspace: cannot delete directory")
	}
	if err := os.Remove(resolved); err != nil {
		return fmt.Errorf("workspace: remove: %w", err)
	}
	w.mu.Lock()
	delete(w.written, path)
	w.mu.Unlock()
	return nil
}

// Search scans text files for a case-insensitive substring, up to three
// directory levels deep, at most 100 hits.
func (w *Workspace) Search(query string) ([]SearchHit, error) {
	if query == "" {
		return nil, fmt.Errorf("workspace: empty search query")
	}
	lowerQuery := strings.ToLower(query)
	var hits []SearchHit

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible entries
		}
		if len(hits) >= maxSearchHits {
			return fs.SkipAll
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		depth := 0
		if rel != "." {
			depth = strings.Count(rel, string(filepath.Separator)) + 1
		}
		if d.IsDir() {
			if depth > maxSearchDepth {
				return fs.SkipDir
			}
			return nil
		}
		if depth > maxSearchDepth {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > maxReadBytes {
			return nil
		}

		f, fErr := os.Open(path)
		if fErr != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Text()
			if !utf8.ValidString(line) {
				return nil // binary-looking file, skip entirely
			}
			if strings.Contains(strings.ToLower(line), lowerQuery) {
				hits = append(hits, SearchHit{Path: rel, Line: lineNum, Content: truncate(line, 200)})
				if len(hits) >= maxSearchHits {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: search walk: %w", err)
	}
	return hits, nil
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
