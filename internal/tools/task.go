package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ironclaw/ironclaw/internal/persistence"
	"github.com/ironclaw/ironclaw/internal/policy"
	"github.com/ironclaw/ironclaw/internal/shared"
)

const taskCreateSchema = `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"description": {"type": "string"},
		"priority": {"type": "string", "enum": ["critical", "high", "medium", "low"]},
		"labels": {"type": "array", "items": {"type": "string"}},
		"assigned_to": {"type": "string", "description": "Agent the task is for, default any"},
		"depends_on": {"type": "array", "items": {"type": "string"}, "description": "Task ids that must finish first"},
		"due_at": {"type": "string", "description": "RFC 3339 timestamp"}
	},
	"required": ["title"],
	"additionalProperties": false
}`

const taskUpdateSchema = `{
	"type": "object",
	"properties": {
		"task_id": {"type": "string"},
		"status": {"type": "string", "enum": ["pending", "ready", "in_progress", "blocked", "completed", "failed", "cancelled"]},
		"result": {"type": "string", "description": "Outcome note for terminal states"}
	},
	"required": ["task_id", "status"],
	"additionalProperties": false
}`

const taskListSchema = `{
	"type": "object",
	"properties": {
		"status": {"type": "string", "enum": ["pending", "ready", "in_progress", "blocked", "completed", "failed", "cancelled"]},
		"assigned_to": {"type": "string"},
		"priority": {"type": "string", "enum": ["critical", "high", "medium", "low"]},
		"include_completed": {"type": "boolean"},
		"limit": {"type": "integer", "minimum": 1, "maximum": 200}
	},
	"additionalProperties": false
}`

const taskReadySchema = `{
	"type": "object",
	"properties": {},
	"additionalProperties": false
}`

// taskTools expose the task DAG. User and agent identity comes from the
// request context, never from arguments.
func taskTools(deps Deps) []*Tool {
	store := deps.Store

	return []*Tool{
		{
			Name:         "task_create",
			Description:  "Create a task. Tasks with unmet depends_on start pending; others start ready.",
			RawSchema:    json.RawMessage(taskCreateSchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{},
			Policy:       policy.ToolPolicy{ProtectedFromOverride: true},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				p := persistence.CreateTaskParams{
					UserID:      shared.UserID(ctx),
					AgentID:     shared.AgentID(ctx),
					Title:       argString(args, "title"),
					Description: argString(args, "description"),
					Priority:    persistence.TaskPriority(argString(args, "priority")),
					Labels:      argStrings(args, "labels"),
					AssignedTo:  argString(args, "assigned_to"),
					DependsOn:   argStrings(args, "depends_on"),
				}
				if due := argString(args, "due_at"); due != "" {
					t, err := time.Parse(time.RFC3339, due)
					if err != nil {
						return "", fmt.Errorf("due_at: %w", err)
					}
					p.DueAt = &t
				}
				task, err := store.CreateTask(ctx, p)
				if err != nil {
					return "", err
				}
				return jsonResult(task)
			},
		},
		{
			Name:         "task_update",
			Description:  "Move a task to a new status. Illegal transitions are rejected; completing a task promotes dependents that became unblocked.",
			RawSchema:    json.RawMessage(taskUpdateSchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{},
			Policy:       policy.ToolPolicy{ProtectedFromOverride: true},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				taskID := argString(args, "task_id")
				status := persistence.TaskStatus(argString(args, "status"))
				err := store.UpdateTaskStatus(ctx, shared.UserID(ctx), taskID,
					shared.AgentID(ctx), status, argString(args, "result"))
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("task %s is now %s", taskID, status), nil
			},
		},
		{
			Name:         "task_list",
			Description:  "List tasks, open ones by default, ordered by priority.",
			RawSchema:    json.RawMessage(taskListSchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{},
			Policy:       policy.ToolPolicy{ProtectedFromOverride: true},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				tasks, err := store.ListTasks(ctx, persistence.ListTasksParams{
					UserID:           shared.UserID(ctx),
					Status:           persistence.TaskStatus(argString(args, "status")),
					AssignedTo:       argString(args, "assigned_to"),
					Priority:         persistence.TaskPriority(argString(args, "priority")),
					Limit:            int(argFloat(args, "limit")),
					IncludeCompleted: argBool(args, "include_completed"),
				})
				if err != nil {
					return "", err
				}
				return jsonResult(tasks)
			},
		},
		{
			Name:         "task_ready",
			Description:  "List tasks whose dependencies are all satisfied, assigned to this agent or unassigned.",
			RawSchema:    json.RawMessage(taskReadySchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{},
			Policy:       policy.ToolPolicy{ProtectedFromOverride: true},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				tasks, err := store.ReadySet(ctx, shared.UserID(ctx), shared.AgentID(ctx))
				if err != nil {
					return "", err
				}
				return jsonResult(tasks)
			},
		},
	}
}
