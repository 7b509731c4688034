package tools

import (
	"context"
	"encoding/json"

	"github.com/ironclaw/ironclaw/internal/policy"
)

const fileReadSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "Workspace-relative path"}
	},
	"required": ["path"],
	"additionalProperties": false
}`

const fileWriteSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "Workspace-relative path"},
		"content": {"type": "string"},
		"append": {"type": "boolean", "description": "Append instead of overwrite"}
	},
	"required": ["path", "content"],
	"additionalProperties": false
}`

const fileListSchema = `{
	"type": "object",
	"properties": {
		"dir": {"type": "string", "description": "Workspace-relative directory, default root"}
	},
	"additionalProperties": false
}`

const fileSearchSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "Case-insensitive substring"}
	},
	"required": ["query"],
	"additionalProperties": false
}`

// fileTools expose the workspace. Containment and size caps live in the
// workspace itself; these handlers only shape arguments and results.
func fileTools(deps Deps) []*Tool {
	ws := deps.Workspace
	fullAccess := policy.CapabilitySet{
		WorkspaceRead:  []string{"/"},
		WorkspaceWrite: []string{"/"},
	}

	return []*Tool{
		{
			Name:         "file_read",
			Description:  "Read a file from the agent workspace.",
			RawSchema:    json.RawMessage(fileReadSchema),
			Source:       SourceBuiltIn,
			Capabilities: fullAccess,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return ws.Read(argString(args, "path"))
			},
		},
		{
			Name:         "file_write",
			Description:  "Write or append a file in the agent workspace.",
			RawSchema:    json.RawMessage(fileWriteSchema),
			Source:       SourceBuiltIn,
			Capabilities: fullAccess,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				path := argString(args, "path")
				content := argString(args, "content")
				if argBool(args, "append") {
					if err := ws.Append(path, content); err != nil {
						return "", err
					}
					return "appended " + path, nil
				}
				wrote, err := ws.WriteDedup(path, content)
				if err != nil {
					return "", err
				}
				if !wrote {
					return path + " already holds this content", nil
				}
				return "wrote " + path, nil
			},
		},
		{
			Name:         "file_list",
			Description:  "List entries in a workspace directory.",
			RawSchema:    json.RawMessage(fileListSchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{WorkspaceRead: []string{"/"}},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				dir := argString(args, "dir")
				if dir == "" {
					dir = "."
				}
				entries, err := ws.List(dir)
				if err != nil {
					return "", err
				}
				return jsonResult(entries)
			},
		},
		{
			Name:         "file_delete",
			Description:  "Delete a single file from the workspace. Directories are refused.",
			RawSchema:    json.RawMessage(fileReadSchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{WorkspaceWrite: []string{"/"}},
			Policy:       policy.ToolPolicy{ApprovalRequired: true},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				path := argString(args, "path")
				if err := ws.Delete(path); err != nil {
					return "", err
				}
				return "deleted " + path, nil
			},
		},
		{
			Name:         "file_search",
			Description:  "Search workspace files for a substring.",
			RawSchema:    json.RawMessage(fileSearchSchema),
			Source:       SourceBuiltIn,
			Capabilities: policy.CapabilitySet{WorkspaceRead: []string{"/"}},
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
