package tools_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ironclaw/ironclaw/internal/bus"
	"github.com/ironclaw/ironclaw/internal/guard"
	"github.com/ironclaw/ironclaw/internal/tools"
)

// fakeExecutor records the command instead of running it.
type fakeExecutor struct {
	lastCmd     string
	lastWorkDir string
	stdout      string
	stderr      string
	exitCode    int
}

func (f *fakeExecutor) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	f.lastCmd = cmd
	f.lastWorkDir = workDir
	return f.stdout, f.stderr, f.exitCode, nil
}

func shellRegistry(t *testing.T, exec tools.Executor, b *bus.Bus) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(nil)
	if err := r.RegisterBuiltins(tools.Deps{Executor: exec, Bus: b}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return r
}

func runShell(t *testing.T, r *tools.Registry, args string) (string, error) {
	t.Helper()
	inv, err := r.Invocation("shell", json.RawMessage(args))
	if err != nil {
		t.Fatalf("invocation: %v", err)
	}
	return inv.Tool.Handler(context.Background(), inv.Args)
}

func TestShellRunsAllowedCommand(t *testing.T) {
	exec := &fakeExecutor{stdout: "hello\n"}
	r := shellRegistry(t, exec, nil)

	out, err := runShell(t, r, `{"command": "echo hello", "working_dir": "/tmp"}`)
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	if exec.lastCmd != "echo hello" || exec.lastWorkDir != "/tmp" {
		t.Fatalf("executor got cmd=%q dir=%q", exec.lastCmd, exec.lastWorkDir)
	}
	var result tools.ShellOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Stdout != "hello\n" || result.ExitCode != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestShellBlocksDestructiveCommand(t *testing.T) {
	exec := &fakeExecutor{}
	b := bus.New()
	sub := b.Subscribe(bus.TopicGuardBlocked)
	defer b.Unsubscribe(sub)
	r := shellRegistry(t, exec, b)

	_, err := runShell(t, r, `{"command": "rm -rf /"}`)
	if err == nil {
		t.Fatal("rm -rf / must be blocked")
	}
	if !strings.Contains(err.Error(), "blocked") {
		t.Fatalf("error = %v", err)
	}
	if exec.lastCmd != "" {
		t.Fatalf("blocked command reached the executor: %q", exec.lastCmd)
	}

	select {
	case event := <-sub.Ch():
		payload, ok := event.Payload.(bus.GuardBlockedEvent)
		if !ok {
			t.Fatalf("payload = %#v", event.Payload)
		}
		if payload.Pack == "" || payload.Rule == "" {
			t.Fatalf("event missing pack/rule: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no guard event published")
	}
}

func TestShellAllowOnceNeedsConfirmation(t *testing.T) {
	exec := &fakeExecutor{stdout: "cleaned"}
	r := shellRegistry(t, exec, nil)

	const cmd = "git clean -fd"
	_, err := runShell(t, r, `{"command": "`+cmd+`"}`)
	if err == nil {
		t.Fatal("review-gated command must not run without a code")
	}
	if exec.lastCmd != "" {
		t.Fatal("command ran before confirmation")
	}

	// The error carries the code the caller must echo back.
	code := guard.Default().Check(cmd).ShortCode
	if code == "" || !strings.Contains(err.Error(), code) {
		t.Fatalf("error %q does not carry code %q", err, code)
	}

	if _, err := runShell(t, r, `{"command": "`+cmd+`", "confirm_code": "wrong"}`); err == nil {
		t.Fatal("wrong code must be rejected")
	}

	out, err := runShell(t, r, `{"command": "`+cmd+`", "confirm_code": "`+code+`"}`)
	if err != nil {
		t.Fatalf("confirmed command: %v", err)
	}
	if exec.lastCmd != cmd {
		t.Fatalf("executor got %q", exec.lastCmd)
	}
	var result tools.ShellOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Stdout != "cleaned" {
		t.Fatalf("result = %+v", result)
	}
}

func TestShellTruncatesLongOutput(t *testing.T) {
	exec := &fakeExecutor{stdout: strings.Repeat("x", 20*1024)}
	r := shellRegistry(t, exec, nil)

	out, err := runShell(t, r, `{"command": "echo big"}`)
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	var result tools.ShellOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Stdout) > 9*1024 {
		t.Fatalf("stdout not truncated: %d bytes", len(result.Stdout))
	}
	if !strings.HasSuffix(result.Stdout, "(truncated)") {
		t.Fatal("missing truncation marker")
	}
}

func TestShellRedactsSecretsInOutput(t *testing.T) {
	exec := &fakeExecutor{stdout: "token=sk-abcdefghijklmnopqrstuvwxyz123456\n"}
	r := shellRegistry(t, exec, nil)

	out, err := runShell(t, r, `{"command": "env"}`)
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	if strings.Contains(out, "sk-abcdefghijklmnopqrstuvwxyz123456") {
		t.Fatal("secret survived redaction")
	}
}
