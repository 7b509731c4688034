// Package persistence is the SQLite store for threads, the task graph,
// learnings, and memory documents. One writer connection, WAL journal,
// and a checksum-gated schema ledger.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ironclaw/ironclaw/internal/audit"
	"github.com/ironclaw/ironclaw/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "ic-v1-2026-08-24-core-schema"
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ironclaw", "ironclaw.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT 'default',
			session_kind TEXT NOT NULL DEFAULT 'main' CHECK(session_kind IN ('main', 'group')),
			channel_id TEXT NOT NULL DEFAULT '',
			compaction_count INTEGER NOT NULL DEFAULT 0,
			last_memory_flush_at_compaction INTEGER NOT NULL DEFAULT 0,
			last_activity_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			role TEXT NOT NULL CHECK(role IN ('system', 'user', 'assistant', 'tool')),
			content TEXT NOT NULL,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS agent_tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_by TEXT NOT NULL,
			assigned_to TEXT,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL CHECK(status IN ('pending', 'ready', 'in_progress', 'blocked', 'completed', 'failed', 'cancelled')),
			priority TEXT NOT NULL DEFAULT 'medium' CHECK(priority IN ('critical', 'high', 'medium', 'low')),
			labels JSON NOT NULL DEFAULT '[]',
			metadata JSON NOT NULL DEFAULT '{}',
			result TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME,
			due_at DATETIME,
			content_hash TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS agent_task_deps (
			task_id TEXT NOT NULL REFERENCES agent_tasks(id) ON DELETE CASCADE,
			depends_on TEXT NOT NULL REFERENCES agent_tasks(id) ON DELETE CASCADE,
			dep_type TEXT NOT NULL DEFAULT 'blocks' CHECK(dep_type IN ('blocks', 'relates')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(task_id, depends_on),
			CHECK(task_id <> depends_on)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES agent_tasks(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			old_value TEXT,
			new_value TEXT,
			comment TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// Ready means no unmet blocks predecessor. relates edges never gate.
		`CREATE VIEW IF NOT EXISTS agent_tasks_ready AS
			SELECT t.* FROM agent_tasks t
			WHERE t.status IN ('pending', 'ready')
			AND NOT EXISTS (
				SELECT 1 FROM agent_task_deps d
				JOIN agent_tasks dep ON dep.id = d.depends_on
				WHERE d.task_id = t.id AND d.dep_type = 'blocks'
				AND dep.status NOT IN ('completed', 'cancelled')
			);`,
		`CREATE TABLE IF NOT EXISTS agent_learnings (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			rule TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT 'global' CHECK(scope IN ('global', 'repo', 'tool')),
			scope_context TEXT,
			status TEXT NOT NULL DEFAULT 'candidate' CHECK(status IN ('candidate', 'active', 'deprecated')),
			confidence REAL NOT NULL DEFAULT 0.5 CHECK(confidence >= 0.0 AND confidence <= 1.0),
			observation_count INTEGER NOT NULL DEFAULT 1,
			tags JSON NOT NULL DEFAULT '[]',
			metadata JSON NOT NULL DEFAULT '{}',
			rule_hash TEXT NOT NULL,
			first_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, agent_id, rule_hash)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_learning_evidence (
			id TEXT PRIMARY KEY,
			learning_id TEXT NOT NULL REFERENCES agent_learnings(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			reference TEXT NOT NULL,
			context TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS memory_documents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT 'default',
			path TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_threads_user_agent ON threads(user_id, agent_id, last_activity_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_status ON agent_tasks(user_id, status, priority);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON agent_tasks(assigned_to, status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_deps_depends_on ON agent_task_deps(depends_on);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON agent_task_events(task_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_learnings_user_agent ON agent_learnings(user_id, agent_id, status, confidence DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_learning_evidence ON agent_learning_evidence(learning_id, created_at);`,
		// Duplicate content from a second agent of the same user is a no-op.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_memory_documents_hash
			ON memory_documents(user_id, content_hash) WHERE content_hash IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_memory_documents_path ON memory_documents(user_id, agent_id, path);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record("allow", "data.migration", "migration_applied", "",
		fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest))
	return nil
}
