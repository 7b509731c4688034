package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/ironclaw/ironclaw/internal/audit"
	"github.com/ironclaw/ironclaw/internal/bus"
	"github.com/ironclaw/ironclaw/internal/guard"
	"github.com/ironclaw/ironclaw/internal/policy"
	"github.com/ironclaw/ironclaw/internal/shared"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 120 * time.Second
	maxShellOutput      = 8 * 1024 // 8KB
)

// Executor runs shell commands. Swappable so tests and remote runners
// can intercept execution.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands locally through sh -c.
type HostExecutor struct{}

func (h *HostExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	execCmd := exec.CommandContext(ctx, "sh", "-c", cmd)
	if workDir != "" {
		execCmd.Dir = workDir
	}

	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf

	runErr := execCmd.Run()
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// ShellOutput is the shell tool's result payload.
type ShellOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Warning  string `json:"warning,omitempty"`
}

const shellSchema = `{
	"type": "object",
	"properties": {
		"command": {"type": "string", "description": "Shell command to execute"},
		"working_dir": {"type": "string", "description": "Working directory"},
		"timeout_sec": {"type": "integer", "minimum": 1, "maximum": 120},
		"confirm_code": {"type": "string", "description": "Short code confirming a reviewed command"}
	},
	"required": ["command"],
	"additionalProperties": false
}`

// shellTool wraps every command in the guard before execution. Output is
// truncated to 8KB and redacted.
func shellTool(deps Deps) *Tool {
	g := deps.Guard
	if g == nil {
		g = guard.Default()
	}
	executor := deps.Executor
	if executor == nil {
		executor = &HostExecutor{}
	}

	return &Tool{
		Name:        "shell",
		Description: "Execute a shell command and return its output. Destructive commands are blocked or require a confirmation code. Output is truncated to 8KB and secrets are redacted.",
		RawSchema:   json.RawMessage(shellSchema),
		Source:      SourceBuiltIn,
		Capabilities: policy.CapabilitySet{
			ProcessExec: true,
		},
		Limits: policy.Limits{TimeoutMS: int64(maxShellTimeout / time.Millisecond)},
		Policy: policy.ToolPolicy{ProtectedFromOverride: true},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command := argString(args, "command")

			verdict := g.Check(command)
			switch verdict.Decision {
			case guard.DecisionBlock:
				audit.Record("deny", "shell.exec", verdict.Reason, "", "rule:"+verdict.Pack+"/"+verdict.Rule)
				if deps.Bus != nil {
					deps.Bus.Publish(bus.TopicGuardBlocked, bus.GuardBlockedEvent{
						Command: shared.Redact(command),
						Pack:    verdict.Pack,
						Rule:    verdict.Rule,
						Reason:  verdict.Reason,
					})
				}
				msg := fmt.Sprintf("command blocked by %s/%s: %s", verdict.Pack, verdict.Rule, verdict.Reason)
				if verdict.Suggestion != "" {
					msg += " (try: " + verdict.Suggestion + ")"
				}
				return "", fmt.Errorf("%s", msg)
			case guard.DecisionAllowOnce:
				code := argString(args, "confirm_code")
				if code == "" || !g.Confirm(command, code) {
					audit.Record("deny", "shell.exec", "review required", "", "rule:"+verdict.Pack+"/"+verdict.Rule)
					return "", fmt.Errorf("command requires review; re-run with confirm_code %q to proceed", verdict.ShortCode)
				}
				audit.Record("allow", "shell.exec", "review confirmed", "", "rule:"+verdict.Pack+"/"+verdict.Rule)
			}

			timeout := defaultShellTimeout
			if sec := argFloat(args, "timeout_sec"); sec > 0 {
				timeout = time.Duration(sec) * time.Second
				if timeout > maxShellTimeout {
					timeout = maxShellTimeout
				}
			}
			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			stdout, stderr, exitCode, err := executor.Exec(execCtx, command, argString(args, "working_dir"))
			if err != nil {
				return "", fmt.Errorf("exec: %w", err)
			}
			return jsonResult(ShellOutput{
				Stdout:   shared.Redact(truncateOutput(stdout, maxShellOutput)),
				Stderr:   shared.Redact(truncateOutput(stderr, maxShellOutput)),
				ExitCode: exitCode,
				Warning:  verdict.Warning,
			})
		},
	}
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}
