package persistence_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/ironclaw/ironclaw/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ironclaw.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{
		"threads", "messages", "agent_tasks", "agent_task_deps", "agent_task_events",
		"agent_learnings", "agent_learning_evidence", "memory_documents", "audit_log",
	} {
		var count int
		if err := db.QueryRow(
			`SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&count); err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("table %s missing after migration", table)
		}
	}

	var viewCount int
	if err := db.QueryRow(
		`SELECT COUNT(1) FROM sqlite_master WHERE type='view' AND name='agent_tasks_ready';`).Scan(&viewCount); err != nil {
		t.Fatalf("check view: %v", err)
	}
	if viewCount != 1 {
		t.Fatal("agent_tasks_ready view missing")
	}
}

func TestStore_ReopenValidatesChecksum(t *testing.T) {
	store, dbPath := openTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// A clean reopen at the same version must succeed.
	store2, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	_ = store2.Close()

	// A tampered ledger checksum must refuse to open.
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("raw open: %v", err)
	}
	if _, err := db.Exec(`UPDATE schema_migrations SET checksum = 'tampered';`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = db.Close()

	if _, err := persistence.Open(dbPath, nil); err == nil {
		t.Fatal("expected checksum mismatch to fail open")
	}
}
