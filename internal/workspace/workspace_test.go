package workspace_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ironclaw/ironclaw/internal/workspace"
)

func openTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	w, err := workspace.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	return w
}

func TestWriteReadRoundTrip(t *testing.T) {
	w := openTestWorkspace(t)
	if err := w.Write("notes/today.md", "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := w.Read("notes/today.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "hello" {
		t.Fatalf("read back %q", got)
	}
}

func TestTraversalBlocked(t *testing.T) {
	w := openTestWorkspace(t)
	for _, p := range []string{
		"../outside.txt",
		"notes/../../escape.md",
		"/etc/passwd",
	} {
		if err := w.Write(p, "x"); err == nil {
			t.Errorf("write to %q should be blocked", p)
		}
		if _, err := w.Read(p); err == nil {
			t.Errorf("read of %q should be blocked", p)
		}
	}
}

func TestSymlinkEscapeBlocked(t *testing.T) {
	w := openTestWorkspace(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(w.Root(), "link")); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	if err := w.Write("link/escape.md", "x"); err == nil {
		t.Fatal("write through symlink escaping the root must be blocked")
	}
}

func TestWriteDedup(t *testing.T) {
	w := openTestWorkspace(t)

	wrote, err := w.WriteDedup("MEMORY.md", "remember this")
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if !wrote {
		t.Fatal("first write must happen")
	}
	wrote, err = w.WriteDedup("MEMORY.md", "remember this")
	if err != nil {
		t.Fatalf("duplicate write: %v", err)
	}
	if wrote {
		t.Fatal("identical content must dedup to a no-op")
	}
	wrote, err = w.WriteDedup("MEMORY.md", "remember this too")
	if err != nil {
		t.Fatalf("changed write: %v", err)
	}
	if !wrote {
		t.Fatal("changed content must write")
	}

	// Appends invalidate the gate so the next identical write goes through.
	if err := w.Append("MEMORY.md", "\nextra"); err != nil {
		t.Fatalf("append: %v", err)
	}
	wrote, err = w.WriteDedup("MEMORY.md", "remember this too")
	if err != nil {
		t.Fatalf("write after append: %v", err)
	}
	if !wrote {
		t.Fatal("write after append must not be deduped")
	}
}

func TestAppendDailyAndSearch(t *testing.T) {
	w := openTestWorkspace(t)
	now := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)

	if err := w.AppendDaily(now, "reviewed the deploy plan"); err != nil {
		t.Fatalf("append daily: %v", err)
	}
	if err := w.AppendDaily(now.Add(time.Hour), "shipped the fix"); err != nil {
		t.Fatalf("append daily 2: %v", err)
	}

	content, err := w.Read("daily/2026-08-24.md")
	if err != nil {
		t.Fatalf("read daily: %v", err)
	}
	if !strings.Contains(content, "- 09:30 reviewed the deploy plan") {
		t.Fatalf("daily log missing stamped entry: %q", content)
	}

	hits, err := w.Search("deploy plan")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Path != filepath.Join("daily", "2026-08-24.md") {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestSaveSessionSnapshot_Dedups(t *testing.T) {
	w := openTestWorkspace(t)
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	p1, wrote, err := w.SaveSessionSnapshot(at, "user: hi\nassistant: hello")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !wrote {
		t.Fatal("first snapshot must write")
	}
	if p1 != filepath.Join("daily", "2026-08-24-session-100000.md") {
		t.Fatalf("snapshot path %q", p1)
	}

	// Same content later the same day resolves to the existing snapshot.
	p2, wrote, err := w.SaveSessionSnapshot(at.Add(time.Hour), "user: hi\nassistant: hello")
	if err != nil {
		t.Fatalf("duplicate snapshot: %v", err)
	}
	if wrote {
		t.Fatal("identical snapshot must dedup")
	}
	if p2 != p1 {
		t.Fatalf("dedup should return existing path, got %q", p2)
	}

	// Different content writes a second file.
	_, wrote, err = w.SaveSessionSnapshot(at.Add(2*time.Hour), "user: bye")
	if err != nil {
		t.Fatalf("new snapshot: %v", err)
	}
	if !wrote {
		t.Fatal("new content must write a snapshot")
	}
}

func TestDeleteFileOnly(t *testing.T) {
	w := openTestWorkspace(t)
	if err := w.Write("docs/a.md", "x"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Delete("docs"); err == nil {
		t.Fatal("directory delete must be refused")
	}
	if err := w.Delete("docs/a.md"); err != nil {
		t.Fatalf("delete file: %v", err)
	}
	if _, err := w.Read("docs/a.md"); err == nil {
		t.Fatal("file should be gone")
	}
}
