package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ironclaw/ironclaw/internal/policy"
	"github.com/ironclaw/ironclaw/internal/workspace"
)

const memoryReadSchema = `{
	"type": "object",
	"properties": {
		"file": {"type": "string", "description": "Memory file to read, default MEMORY.md"}
	},
	"additionalProperties": false
}`

const memoryWriteSchema = `{
	"type": "object",
	"properties": {
		"file": {"type": "string", "description": "Memory file to replace, default MEMORY.md"},
		"content": {"type": "string"}
	},
	"required": ["content"],
	"additionalProperties": false
}`

const memoryAppendSchema = `{
	"type": "object",
	"properties": {
		"entry": {"type": "string", "description": "Entry for today's daily log"}
	},
	"required": ["entry"],
	"additionalProperties": false
}`

const memorySearchSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string"}
	},
	"required": ["query"],
	"additionalProperties": false
}`

// memoryTools are the protected workspace memory operations. They are
// also the whole tool surface during pre-compaction memory flush turns.
func memoryTools(deps Deps) []*Tool {
	ws := deps.Workspace

	return []*Tool{
		{
			Name:         "memory_read",
			Description:  "Read a long-term memory file (MEMORY.md by default).",
			RawSchema:    json.RawMessage(memoryReadSchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{WorkspaceRead: []string{"/"}},
			Policy:       policy.ToolPolicy{ProtectedFromOverride: true},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				file := argString(args, "file")
				if file == "" {
					file = workspace.MemoryFile
				}
				return ws.ReadOrEmpty(file), nil
			},
		},
		{
			Name:         "memory_write",
			Description:  "Replace a long-term memory file (MEMORY.md by default). Identical content is a no-op.",
			RawSchema:    json.RawMessage(memoryWriteSchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{WorkspaceWrite: []string{"/"}},
			Policy:       policy.ToolPolicy{ProtectedFromOverride: true},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				file := argString(args, "file")
				if file == "" {
					file = workspace.MemoryFile
				}
				wrote, err := ws.WriteDedup(file, argString(args, "content"))
				if err != nil {
					return "", err
				}
				if !wrote {
					return file + " unchanged", nil
				}
				return "updated " + file, nil
			},
		},
		{
			Name:         "memory_append",
			Description:  "Append a timestamped entry to today's daily log.",
			RawSchema:    json.RawMessage(memoryAppendSchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{WorkspaceWrite: []string{"daily"}},
			Policy:       policy.ToolPolicy{ProtectedFromOverride: true},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				now := time.Now()
				if err := ws.AppendDaily(now, argString(args, "entry")); err != nil {
					return "", err
				}
				return "logged to " + workspace.DailyLogPath(now), nil
			},
		},
		{
			Name:         "memory_search",
			Description:  "Search memory and daily logs for a substring.",
			RawSchema:    json.RawMessage(memorySearchSchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{WorkspaceRead: []string{"/"}},
			Policy:       policy.ToolPolicy{ProtectedFromOverride: true},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				hits, err := ws.Search(argString(args, "query"))
				if err != nil {
					return "", err
				}
				return jsonResult(hits)
			},
		},
	}
}
