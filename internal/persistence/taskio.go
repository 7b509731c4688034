package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// taskExportRecord is the JSONL interchange row. Key set is stable
// across releases; do not rename fields.
type taskExportRecord struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      string            `json:"status"`
	Priority    string            `json:"priority"`
	Labels      []string          `json:"labels,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DependsOn   []string          `json:"depends_on"`
	Events      []taskExportEvent `json:"events"`
}

type taskExportEvent struct {
	AgentID   string    `json:"agent_id"`
	EventType string    `json:"event_type"`
	OldValue  string    `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ExportTasksJSONL serialises every task for a user, one JSON object per
// line, each carrying its blocks edges and full event log.
func (s *Store) ExportTasksJSONL(ctx context.Context, userID string) (string, error) {
	tasks, err := s.ListTasks(ctx, ListTasksParams{UserID: userID, IncludeCompleted: true, Limit: 10000})
	if err != nil {
		return "", err
	}
	// Oldest first so import replays creation order.
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	var b strings.Builder
	for _, t := range tasks {
		deps, err := s.taskDependencyIDs(ctx, t.ID)
		if err != nil {
			return "", err
		}
		events, err := s.TaskEvents(ctx, t.ID)
		if err != nil {
			return "", err
		}
		rec := taskExportRecord{
			ID:          t.ID,
			UserID:      t.UserID,
			Title:       t.Title,
			Description: t.Description,
			Status:      string(t.Status),
			Priority:    string(t.Priority),
			Labels:      t.Labels,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
			DependsOn:   deps,
			Events:      make([]taskExportEvent, 0, len(events)),
		}
		for _, e := range events {
			rec.Events = append(rec.Events, taskExportEvent{
				AgentID:   e.AgentID,
				EventType: e.EventType,
				OldValue:  e.OldValue,
				NewValue:  e.NewValue,
				Comment:   e.Comment,
				CreatedAt: e.CreatedAt,
			})
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("marshal task %s: %w", t.ID, err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// ImportTasksJSONL upserts tasks from an export. New tasks arrive with
// their edges and event history; tasks already present get status and
// completion refreshed only, so local history is never duplicated.
func (s *Store) ImportTasksJSONL(ctx context.Context, createdBy, jsonl string) (int, error) {
	count := 0
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin import tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		count = 0
		for _, line := range strings.Split(jsonl, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var rec taskExportRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return fmt.Errorf("parse task line: %w", err)
			}
			inserted, err := importTaskTx(ctx, tx, createdBy, rec)
			if err != nil {
				return err
			}
			if inserted {
				count++
			}
		}
		return tx.Commit()
	})
	return count, err
}

func importTaskTx(ctx context.Context, tx *sql.Tx, createdBy string, rec taskExportRecord) (bool, error) {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM agent_tasks WHERE id = ?;`, rec.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check imported task: %w", err)
	}
	if exists == 1 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_tasks SET status = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, rec.Status, rec.CompletedAt, rec.ID); err != nil {
			return false, fmt.Errorf("refresh imported task: %w", err)
		}
		return false, nil
	}

	labelsJSON, err := json.Marshal(append([]string{}, rec.Labels...))
	if err != nil {
		return false, fmt.Errorf("marshal labels: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_tasks (id, user_id, created_by, title, description, status, priority,
			labels, created_at, completed_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?);
	`, rec.ID, rec.UserID, createdBy, rec.Title, rec.Description, rec.Status, rec.Priority,
		string(labelsJSON), rec.CreatedAt, rec.CompletedAt); err != nil {
		return false, fmt.Errorf("insert imported task: %w", err)
	}
	for _, dep := range rec.DependsOn {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO agent_task_deps (task_id, depends_on, dep_type) VALUES (?, ?, 'blocks');
		`, rec.ID, dep); err != nil {
			return false, fmt.Errorf("insert imported dep: %w", err)
		}
	}
	for _, e := range rec.Events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_task_events (task_id, agent_id, event_type, old_value, new_value, comment, created_at)
			VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?);
		`, rec.ID, e.AgentID, e.EventType, e.OldValue, e.NewValue, e.Comment, e.CreatedAt); err != nil {
			return false, fmt.Errorf("insert imported event: %w", err)
		}
	}
	return true, nil
}

func (s *Store) taskDependencyIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on FROM agent_task_deps WHERE task_id = ? AND dep_type = 'blocks' ORDER BY depends_on;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()
	deps := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, id)
	}
	return deps, rows.Err()
}

// ArchiveCompletedTasks deletes terminal tasks completed before the
// horizon and returns a markdown digest of what was removed. Edges and
// events go with their tasks via cascade. The empty string means
// nothing was old enough to archive.
func (s *Store) ArchiveCompletedTasks(ctx context.Context, userID string, olderThan time.Time) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, priority, COALESCE(result, ''), completed_at
		FROM agent_tasks
		WHERE user_id = ? AND status IN ('completed', 'failed', 'cancelled')
		AND completed_at IS NOT NULL AND completed_at < ?
		ORDER BY completed_at;
	`, userID, olderThan.UTC())
	if err != nil {
		return "", fmt.Errorf("select archivable tasks: %w", err)
	}
	type archived struct {
		id, title, status, priority, result string
		completedAt                         time.Time
	}
	var old []archived
	for rows.Next() {
		var a archived
		if err := rows.Scan(&a.id, &a.title, &a.status, &a.priority, &a.result, &a.completedAt); err != nil {
			rows.Close()
			return "", fmt.Errorf("scan archivable task: %w", err)
		}
		old = append(old, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate archivable tasks: %w", err)
	}
	if len(old) == 0 {
		return "", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Archived tasks (%s)\n\n", time.Now().UTC().Format("2006-01-02"))
	for _, a := range old {
		fmt.Fprintf(&b, "- [%s] %s (%s, finished %s)", a.status, a.title, a.priority, a.completedAt.Format("2006-01-02"))
		if a.result != "" {
			fmt.Fprintf(&b, ": %s", a.result)
		}
		b.WriteByte('\n')
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin archive tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		for _, a := range old {
			if _, err := tx.ExecContext(ctx, `DELETE FROM agent_tasks WHERE id = ? AND user_id = ?;`, a.id, userID); err != nil {
				return fmt.Errorf("delete archived task: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
