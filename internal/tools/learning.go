package tools

import (
	"context"
	"encoding/json"

	"github.com/ironclaw/ironclaw/internal/persistence"
	"github.com/ironclaw/ironclaw/internal/policy"
	"github.com/ironclaw/ironclaw/internal/shared"
)

const learningRecordSchema = `{
	"type": "object",
	"properties": {
		"rule": {"type": "string", "description": "The lesson, one sentence"},
		"scope": {"type": "string", "enum": ["global", "user", "project", "tool"]},
		"scope_context": {"type": "string", "description": "What the scope binds to, e.g. a project name"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"tags": {"type": "array", "items": {"type": "string"}},
		"evidence": {"type": "string", "description": "What happened that taught this"}
	},
	"required": ["rule"],
	"additionalProperties": false
}`

const learningListSchema = `{
	"type": "object",
	"properties": {
		"limit": {"type": "integer", "minimum": 1, "maximum": 100}
	},
	"additionalProperties": false
}`

const learningSearchSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string"},
		"limit": {"type": "integer", "minimum": 1, "maximum": 100}
	},
	"required": ["query"],
	"additionalProperties": false
}`

// learningTools record and recall durable lessons. Recording the same
// rule again merges into the existing row and bumps its observation
// count.
func learningTools(deps Deps) []*Tool {
	store := deps.Store

	return []*Tool{
		{
			Name:         "learning_record",
			Description:  "Record a lesson learned. Repeating a rule strengthens it instead of duplicating it.",
			RawSchema:    json.RawMessage(learningRecordSchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{},
			Policy:       policy.ToolPolicy{ProtectedFromOverride: true},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				confidence := argFloat(args, "confidence")
				if _, ok := args["confidence"]; !ok {
					confidence = 0.5
				}
				p := persistence.CreateLearningParams{
					UserID:       shared.UserID(ctx),
					AgentID:      shared.AgentID(ctx),
					Rule:         argString(args, "rule"),
					Scope:        argString(args, "scope"),
					ScopeContext: argString(args, "scope_context"),
					Confidence:   confidence,
					Tags:         argStrings(args, "tags"),
				}
				if evidence := argString(args, "evidence"); evidence != "" {
					p.EvidenceKind = "observation"
					p.EvidenceRef = evidence
				}
				learning, err := store.CreateOrMergeLearning(ctx, p)
				if err != nil {
					return "", err
				}
				return jsonResult(learning)
			},
		},
		{
			Name:         "learning_list",
			Description:  "List active learnings, most confident first.",
			RawSchema:    json.RawMessage(learningListSchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{},
			Policy:       policy.ToolPolicy{ProtectedFromOverride: true},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				learnings, err := store.ListActiveLearnings(ctx,
					shared.UserID(ctx), shared.AgentID(ctx), int(argFloat(args, "limit")))
				if err != nil {
					return "", err
				}
				return jsonResult(learnings)
			},
		},
		{
			Name:         "learning_search",
			Description:  "Search learnings by rule text.",
			RawSchema:    json.RawMessage(learningSearchSchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{},
			Policy:       policy.ToolPolicy{ProtectedFromOverride: true},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				learnings, err := store.SearchLearnings(ctx, shared.UserID(ctx),
					shared.AgentID(ctx), argString(args, "query"), int(argFloat(args, "limit")))
				if err != nil {
					return "", err
				}
				return jsonResult(learnings)
			},
		},
	}
}
