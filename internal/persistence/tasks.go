package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ironclaw/ironclaw/internal/bus"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (ts TaskStatus) IsTerminal() bool {
	switch ts {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// blocked is reachable only from pending and ready. Terminal states have
// no exits.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusReady:     {},
		TaskStatusBlocked:   {},
		TaskStatusCancelled: {},
	},
	TaskStatusReady: {
		TaskStatusInProgress: {},
		TaskStatusBlocked:    {},
		TaskStatusPending:    {}, // Demoted by a new blocks edge.
		TaskStatusCancelled:  {},
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
	TaskStatusBlocked: {
		TaskStatusPending:   {},
		TaskStatusReady:     {},
		TaskStatusCancelled: {},
	},
}

type TaskPriority string

const (
	TaskPriorityCritical TaskPriority = "critical"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityLow      TaskPriority = "low"
)

// priorityOrder is the CASE expression used everywhere tasks are sorted.
const priorityOrder = `CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END`

const (
	DepTypeBlocks  = "blocks"
	DepTypeRelates = "relates"
)

type Task struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	CreatedBy   string       `json:"created_by"`
	AssignedTo  string       `json:"assigned_to,omitempty"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	Labels      []string     `json:"labels,omitempty"`
	Metadata    string       `json:"metadata,omitempty"` // JSON object
	Result      string       `json:"result,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	DueAt       *time.Time   `json:"due_at,omitempty"`
	ContentHash string       `json:"content_hash,omitempty"`
}

type TaskDependency struct {
	TaskID    string    `json:"task_id"`
	DependsOn string    `json:"depends_on"`
	DepType   string    `json:"dep_type"`
	CreatedAt time.Time `json:"created_at"`
}

type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	EventType string    `json:"event_type"`
	OldValue  string    `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateTaskParams struct {
	UserID      string
	AgentID     string
	Title       string
	Description string
	Priority    TaskPriority
	Labels      []string
	AssignedTo  string
	DependsOn   []string
	DueAt       *time.Time
	Metadata    string // JSON object, "" means {}
}

type ListTasksParams struct {
	UserID           string
	Status           TaskStatus
	AssignedTo       string
	Priority         TaskPriority
	Limit            int
	IncludeCompleted bool
}

// CreateTask inserts a task with its blocks edges. A task with no
// dependencies starts ready; with dependencies it starts pending.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("task title is required")
	}
	if p.Priority == "" {
		p.Priority = TaskPriorityMedium
	}
	if p.Metadata == "" {
		p.Metadata = "{}"
	}

	id := uuid.NewString()
	for _, dep := range p.DependsOn {
		if dep == id {
			return nil, fmt.Errorf("task cannot depend on itself")
		}
	}

	status := TaskStatusReady
	if len(p.DependsOn) > 0 {
		status = TaskStatusPending
	}

	labelsJSON, err := json.Marshal(append([]string{}, p.Labels...))
	if err != nil {
		return nil, fmt.Errorf("marshal labels: %w", err)
	}
	now := time.Now().UTC()

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_tasks (id, user_id, created_by, assigned_to, title, description,
				status, priority, labels, metadata, created_at, updated_at, due_at)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?);
		`, id, p.UserID, p.AgentID, p.AssignedTo, p.Title, p.Description,
			string(status), string(p.Priority), string(labelsJSON), p.Metadata, now, now, p.DueAt); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		for _, dep := range p.DependsOn {
			var exists int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM agent_tasks WHERE id = ? AND user_id = ?;`, dep, p.UserID).Scan(&exists); err != nil {
				return fmt.Errorf("check dependency: %w", err)
			}
			if exists == 0 {
				return fmt.Errorf("dependency %s not found", dep)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO agent_task_deps (task_id, depends_on, dep_type) VALUES (?, ?, 'blocks');
			`, id, dep); err != nil {
				return fmt.Errorf("insert dependency: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_task_events (task_id, agent_id, event_type, new_value) VALUES (?, ?, 'created', ?);
		`, id, p.AgentID, p.Title); err != nil {
			return fmt.Errorf("insert created event: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, p.UserID, id)
}

// GetTask fetches a task scoped to its owning user.
func (s *Store) GetTask(ctx context.Context, userID, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_by, COALESCE(assigned_to, ''), title, COALESCE(description, ''),
			status, priority, labels, metadata, COALESCE(result, ''),
			created_at, updated_at, started_at, completed_at, due_at, COALESCE(content_hash, '')
		FROM agent_tasks WHERE id = ? AND user_id = ?;
	`, taskID, userID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return t, err
}

// ListTasks returns tasks matching the filter, highest priority first.
// Terminal tasks are excluded unless IncludeCompleted or an explicit
// Status filter asks for them.
func (s *Store) ListTasks(ctx context.Context, p ListTasksParams) ([]*Task, error) {
	conds := []string{"user_id = ?"}
	args := []any{p.UserID}

	if p.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(p.Status))
	} else if !p.IncludeCompleted {
		conds = append(conds, "status NOT IN ('completed', 'failed', 'cancelled')")
	}
	if p.AssignedTo != "" {
		conds = append(conds, "assigned_to = ?")
		args = append(args, p.AssignedTo)
	}
	if p.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, string(p.Priority))
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	query := `
		SELECT id, user_id, created_by, COALESCE(assigned_to, ''), title, COALESCE(description, ''),
			status, priority, labels, metadata, COALESCE(result, ''),
			created_at, updated_at, started_at, completed_at, due_at, COALESCE(content_hash, '')
		FROM agent_tasks WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY ` + priorityOrder + `, created_at DESC LIMIT ?;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskStatus moves a task through the state machine and records a
// status_change event. Completing or cancelling a task promotes any
// dependents whose blocks predecessors are all settled.
func (s *Store) UpdateTaskStatus(ctx context.Context, userID, taskID, agentID string, newStatus TaskStatus, result string) error {
	var oldStatus TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var cur string
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM agent_tasks WHERE id = ? AND user_id = ?;`, taskID, userID).Scan(&cur); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("task %s not found", taskID)
			}
			return fmt.Errorf("read task status: %w", err)
		}
		oldStatus = TaskStatus(cur)
		if oldStatus == newStatus {
			return nil
		}
		if _, ok := allowedTransitions[oldStatus][newStatus]; !ok {
			return fmt.Errorf("invalid task transition %s -> %s", oldStatus, newStatus)
		}

		now := time.Now().UTC()
		set := []string{"status = ?", "updated_at = ?"}
		args := []any{string(newStatus), now}
		switch newStatus {
		case TaskStatusInProgress:
			set = append(set, "started_at = COALESCE(started_at, ?)")
			args = append(args, now)
		case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
			set = append(set, "completed_at = ?")
			args = append(args, now)
		}
		if result != "" {
			set = append(set, "result = ?")
			args = append(args, result)
		}
		args = append(args, taskID, userID)
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_tasks SET `+strings.Join(set, ", ")+` WHERE id = ? AND user_id = ?;`, args...); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_task_events (task_id, agent_id, event_type, old_value, new_value, comment)
			VALUES (?, ?, 'status_change', ?, ?, NULLIF(?, ''));
		`, taskID, agentID, string(oldStatus), string(newStatus), result); err != nil {
			return fmt.Errorf("insert status event: %w", err)
		}

		if newStatus == TaskStatusCompleted || newStatus == TaskStatusCancelled {
			if err := promoteDependentsTx(ctx, tx, taskID, agentID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil && oldStatus != newStatus {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			OldStatus: string(oldStatus),
			NewStatus: string(newStatus),
		})
	}
	return nil
}

// promoteDependentsTx flips pending dependents to ready once every blocks
// predecessor is completed or cancelled.
func promoteDependentsTx(ctx context.Context, tx *sql.Tx, settledTaskID, agentID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT d.task_id FROM agent_task_deps d
		JOIN agent_tasks t ON t.id = d.task_id
		WHERE d.depends_on = ? AND t.status = 'pending';
	`, settledTaskID)
	if err != nil {
		return fmt.Errorf("find dependents: %w", err)
	}
	candidates := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan dependent: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate dependents: %w", err)
	}

	for _, id := range candidates {
		var stillBlocked int
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM agent_task_deps d
				JOIN agent_tasks dep ON dep.id = d.depends_on
				WHERE d.task_id = ? AND d.dep_type = 'blocks'
				AND dep.status NOT IN ('completed', 'cancelled')
			);
		`, id).Scan(&stillBlocked); err != nil {
			return fmt.Errorf("check remaining deps: %w", err)
		}
		if stillBlocked == 1 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_tasks SET status = 'ready', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'pending';
		`, id); err != nil {
			return fmt.Errorf("promote dependent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_task_events (task_id, agent_id, event_type, old_value, new_value)
			VALUES (?, ?, 'status_change', 'pending', 'ready');
		`, id, agentID); err != nil {
			return fmt.Errorf("insert promote event: %w", err)
		}
	}
	return nil
}

// AddTaskDependency adds an edge, rejecting self-edges and blocks cycles.
// A ready task gaining an unmet blocks predecessor drops back to pending.
func (s *Store) AddTaskDependency(ctx context.Context, userID, taskID, dependsOn, depType, agentID string) error {
	if taskID == dependsOn {
		return fmt.Errorf("task cannot depend on itself")
	}
	if depType == "" {
		depType = DepTypeBlocks
	}
	if depType != DepTypeBlocks && depType != DepTypeRelates {
		return fmt.Errorf("invalid dep_type %q", depType)
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin add dependency tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, id := range []string{taskID, dependsOn} {
			var exists int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM agent_tasks WHERE id = ? AND user_id = ?;`, id, userID).Scan(&exists); err != nil {
				return fmt.Errorf("check task: %w", err)
			}
			if exists == 0 {
				return fmt.Errorf("task %s not found", id)
			}
		}

		if depType == DepTypeBlocks {
			cyclic, err := hasBlocksPathTx(ctx, tx, dependsOn, taskID)
			if err != nil {
				return err
			}
			if cyclic {
				return fmt.Errorf("dependency %s -> %s would create a cycle", taskID, dependsOn)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO agent_task_deps (task_id, depends_on, dep_type) VALUES (?, ?, ?);
		`, taskID, dependsOn, depType); err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_task_events (task_id, agent_id, event_type, new_value) VALUES (?, ?, 'dep_added', ?);
		`, taskID, agentID, dependsOn); err != nil {
			return fmt.Errorf("insert dep event: %w", err)
		}

		if depType == DepTypeBlocks {
			var unmet int
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM agent_tasks WHERE id = ? AND status NOT IN ('completed', 'cancelled'));`,
				dependsOn).Scan(&unmet); err != nil {
				return fmt.Errorf("check new dep status: %w", err)
			}
			if unmet == 1 {
				if _, err := tx.ExecContext(ctx, `
					UPDATE agent_tasks SET status = 'pending', updated_at = CURRENT_TIMESTAMP
					WHERE id = ? AND status = 'ready';
				`, taskID); err != nil {
					return fmt.Errorf("demote ready task: %w", err)
				}
			}
		}
		return tx.Commit()
	})
}

// hasBlocksPathTx walks the blocks adjacency with a recursive CTE,
// reporting whether `to` is reachable from `from`.
func hasBlocksPathTx(ctx context.Context, tx *sql.Tx, from, to string) (bool, error) {
	var found int
	err := tx.QueryRowContext(ctx, `
		WITH RECURSIVE dep_chain(id) AS (
			SELECT depends_on FROM agent_task_deps WHERE task_id = ? AND dep_type = 'blocks'
			UNION
			SELECT d.depends_on FROM agent_task_deps d
			JOIN dep_chain c ON d.task_id = c.id
			WHERE d.dep_type = 'blocks'
		)
		SELECT EXISTS(SELECT 1 FROM dep_chain WHERE id = ?);
	`, from, to).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("cycle check: %w", err)
	}
	return found == 1, nil
}

// ReadySet lists tasks whose blocks predecessors are all settled. An
// empty agentID is the cross-agent shared scope; otherwise unassigned
// tasks and tasks assigned to the agent are returned.
func (s *Store) ReadySet(ctx context.Context, userID, agentID string) ([]*Task, error) {
	query := `
		SELECT id, user_id, created_by, COALESCE(assigned_to, ''), title, COALESCE(description, ''),
			status, priority, labels, metadata, COALESCE(result, ''),
			created_at, updated_at, started_at, completed_at, due_at, COALESCE(content_hash, '')
		FROM agent_tasks_ready WHERE user_id = ?`
	args := []any{userID}
	if agentID != "" {
		query += ` AND (assigned_to IS NULL OR assigned_to = ?)`
		args = append(args, agentID)
	}
	query += ` ORDER BY ` + priorityOrder + `, created_at LIMIT 50;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ready set: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TaskEvents returns the append-only event log for one task, oldest first.
func (s *Store) TaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, event_type, COALESCE(old_value, ''), COALESCE(new_value, ''),
			COALESCE(comment, ''), created_at
		FROM agent_task_events WHERE task_id = ? ORDER BY id;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var e TaskEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.AgentID, &e.EventType, &e.OldValue, &e.NewValue, &e.Comment, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var labels, metadata string
	var startedAt, completedAt, dueAt sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.CreatedBy, &t.AssignedTo, &t.Title, &t.Description,
		&t.Status, &t.Priority, &labels, &metadata, &t.Result,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt, &dueAt, &t.ContentHash)
	if err != nil {
		return nil, err
	}
	fillTask(&t, labels, metadata, startedAt, completedAt, dueAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		var t Task
		var labels, metadata string
		var startedAt, completedAt, dueAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.UserID, &t.CreatedBy, &t.AssignedTo, &t.Title, &t.Description,
			&t.Status, &t.Priority, &labels, &metadata, &t.Result,
			&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt, &dueAt, &t.ContentHash); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		fillTask(&t, labels, metadata, startedAt, completedAt, dueAt)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func fillTask(t *Task, labels, metadata string, startedAt, completedAt, dueAt sql.NullTime) {
	_ = json.Unmarshal([]byte(labels), &t.Labels)
	t.Metadata = metadata
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if dueAt.Valid {
		v := dueAt.Time
		t.DueAt = &v
	}
}
