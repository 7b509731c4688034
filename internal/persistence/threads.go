package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session kinds. Group threads never see long-term memory in their
// system prompt; the prompt builder keys off this field.
const (
	SessionKindMain  = "main"
	SessionKindGroup = "group"
)

type Thread struct {
	ID                          string    `json:"id"`
	UserID                      string    `json:"user_id"`
	AgentID                     string    `json:"agent_id"`
	SessionKind                 string    `json:"session_kind"`
	ChannelID                   string    `json:"channel_id,omitempty"`
	CompactionCount             int       `json:"compaction_count"`
	LastMemoryFlushAtCompaction int       `json:"last_memory_flush_at_compaction"`
	LastActivityAt              time.Time `json:"last_activity_at"`
	CreatedAt                   time.Time `json:"created_at"`
}

// StoredMessage is one row of a thread's append-only history.
type StoredMessage struct {
	ID         int64     `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Tokens     int       `json:"tokens"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) CreateThread(ctx context.Context, userID, agentID, sessionKind, channelID string) (*Thread, error) {
	if sessionKind == "" {
		sessionKind = SessionKindMain
	}
	if sessionKind != SessionKindMain && sessionKind != SessionKindGroup {
		return nil, fmt.Errorf("invalid session kind %q", sessionKind)
	}
	if agentID == "" {
		agentID = "default"
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO threads (id, user_id, agent_id, session_kind, channel_id) VALUES (?, ?, ?, ?, ?);
		`, id, userID, agentID, sessionKind, channelID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return s.GetThread(ctx, id)
}

// LatestThread returns the most recently active thread for the
// identity, or nil when none exists yet.
func (s *Store) LatestThread(ctx context.Context, userID, agentID, sessionKind string) (*Thread, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM threads
		WHERE user_id = ? AND agent_id = ? AND session_kind = ?
		ORDER BY last_activity_at DESC, created_at DESC
		LIMIT 1;
	`, userID, agentID, sessionKind).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest thread: %w", err)
	}
	return s.GetThread(ctx, id)
}

func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, agent_id, session_kind, channel_id,
			compaction_count, last_memory_flush_at_compaction, last_activity_at, created_at
		FROM threads WHERE id = ?;
	`, id).Scan(&t.ID, &t.UserID, &t.AgentID, &t.SessionKind, &t.ChannelID,
		&t.CompactionCount, &t.LastMemoryFlushAtCompaction, &t.LastActivityAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thread %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &t, nil
}

// AppendMessage adds one message to a thread and bumps its activity
// time. Append order is the serialisation order of the owning job.
func (s *Store) AppendMessage(ctx context.Context, threadID, role, content, toolCallID string, tokens int) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (thread_id, role, content, tool_call_id, tokens) VALUES (?, ?, ?, ?, ?);
		`, threadID, role, content, toolCallID, tokens)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE threads SET last_activity_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, threadID); err != nil {
			return fmt.Errorf("touch thread: %w", err)
		}
		return tx.Commit()
	})
	return id, err
}

// ThreadMessages returns a thread's history in append order.
func (s *Store) ThreadMessages(ctx context.Context, threadID string) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, role, content, tool_call_id, tokens, created_at
		FROM messages WHERE thread_id = ? ORDER BY id;
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.ToolCallID, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplaceThreadMessages swaps a thread's history for its compacted form
// in one transaction and bumps the compaction counter.
func (s *Store) ReplaceThreadMessages(ctx context.Context, threadID string, msgs []StoredMessage) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin replace tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?;`, threadID); err != nil {
			return fmt.Errorf("clear thread messages: %w", err)
		}
		for _, m := range msgs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (thread_id, role, content, tool_call_id, tokens) VALUES (?, ?, ?, ?, ?);
			`, threadID, m.Role, m.Content, m.ToolCallID, m.Tokens); err != nil {
				return fmt.Errorf("insert compacted message: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE threads SET compaction_count = compaction_count + 1, last_activity_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, threadID); err != nil {
			return fmt.Errorf("bump compaction count: %w", err)
		}
		return tx.Commit()
	})
}

// MarkMemoryFlush records the compaction generation at which the last
// pre-compaction memory flush ran, so the flush happens at most once
// per compaction.
func (s *Store) MarkMemoryFlush(ctx context.Context, threadID string, atCompaction int) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE threads SET last_memory_flush_at_compaction = ? WHERE id = ?;
		`, atCompaction, threadID)
		return err
	})
}

// ContentHash is the dedup key for memory documents and thread
// snapshots: SHA-256 of the content, hex encoded.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// SaveMemoryDocument stores a document keyed by content hash. A second
// write of identical content for the same user is a no-op, regardless
// of which agent wrote it; attribution stays with the first writer.
// Returns whether a row was actually inserted.
func (s *Store) SaveMemoryDocument(ctx context.Context, userID, agentID, path, content string) (bool, error) {
	if agentID == "" {
		agentID = "default"
	}
	hash := ContentHash(content)
	var inserted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_documents (id, user_id, agent_id, path, content, content_hash)
			VALUES (?, ?, ?, ?, ?, ?);
		`, uuid.NewString(), userID, agentID, path, content, hash)
		if err != nil {
			return fmt.Errorf("save memory document: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// MemoryDocuments lists a user's documents, newest first, optionally
// filtered by path.
func (s *Store) MemoryDocuments(ctx context.Context, userID, path string, limit int) ([]MemoryDocument, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, agent_id, path, content, COALESCE(content_hash, ''), created_at
		FROM memory_documents WHERE user_id = ?`
	args := []any{userID}
	if path != "" {
		query += ` AND path = ?`
		args = append(args, path)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memory documents: %w", err)
	}
	defer rows.Close()
	var out []MemoryDocument
	for rows.Next() {
		var d MemoryDocument
		if err := rows.Scan(&d.ID, &d.UserID, &d.AgentID, &d.Path, &d.Content, &d.ContentHash, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type MemoryDocument struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	AgentID     string    `json:"agent_id"`
	Path        string    `json:"path"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
