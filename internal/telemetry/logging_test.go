package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestLogger(t *testing.T, level string) (*slog.Logger, string) {
	t.Helper()
	home := t.TempDir()
	logger, closer, err := NewLogger(home, level, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	t.Cleanup(func() { closer.Close() })
	return logger, filepath.Join(home, "logs", "system.jsonl")
}

func lastEntry(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || lines[len(lines)-1] == "" {
		t.Fatal("log file is empty")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	return entry
}

func TestLoggerSchema(t *testing.T) {
	logger, path := openTestLogger(t, "debug")
	logger.Info("startup phase", "phase", "config_loaded", "thread_id", "th-1")

	entry := lastEntry(t, path)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing key %q in entry %#v", key, entry)
		}
	}
	if entry["component"] != "runtime" {
		t.Fatalf("component = %#v", entry["component"])
	}
	if entry["thread_id"] != "th-1" {
		t.Fatalf("thread_id = %#v", entry["thread_id"])
	}
}

func TestLoggerRedactsSecretKeys(t *testing.T) {
	logger, path := openTestLogger(t, "info")
	logger.Info("security check",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
	)

	entry := lastEntry(t, path)
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("api_key = %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("auth_header = %#v", entry["auth_header"])
	}
}

func TestLoggerScrubsEmbeddedSecrets(t *testing.T) {
	logger, path := openTestLogger(t, "info")
	logger.Info("tool output", "body", "result contains sk-abcdefghijklmnopqrstuvwx here")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(raw), "sk-abcdefghijklmnopqrstuvwx") {
		t.Fatalf("plaintext key leaked into log: %s", raw)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	logger, path := openTestLogger(t, "warn")
	logger.Info("quiet please")
	logger.Warn("loud one")

	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(raw), "quiet please") {
		t.Fatal("info record emitted at warn level")
	}
	if !strings.Contains(string(raw), "loud one") {
		t.Fatal("warn record missing")
	}
}
