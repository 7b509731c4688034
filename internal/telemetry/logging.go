// Package telemetry builds the process logger. Records are JSON, written
// to stdout and mirrored to <home>/logs/system.jsonl, and every
// attribute passes secret redaction on the way out.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ironclaw/ironclaw/internal/shared"
)

// NewLogger opens the log sink. quiet drops stdout so an interactive
// REPL stays clean; the file mirror is always on. The returned closer
// owns the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var sink io.Writer = file
	if !quiet {
		sink = io.MultiWriter(os.Stdout, file)
	}

	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: scrubAttr,
	})
	logger := slog.New(handler).With("component", "runtime", "trace_id", "-")
	return logger, file, nil
}

// scrubAttr is the redaction gate: secret-looking keys lose their value
// entirely, string values are pattern-scrubbed.
func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if secretKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if scrubbed, hit := scrubValue(a.Value.String()); hit {
			return slog.String(a.Key, scrubbed)
		}
	}
	return a
}

var secretKeyTokens = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

func secretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, tok := range secretKeyTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

func scrubValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// Auth material embedded mid-string is not worth salvaging.
	if strings.Contains(lower, "bearer ") ||
		strings.Contains(lower, "api_key") ||
		strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	if scrubbed := shared.Redact(v); scrubbed != v {
		return scrubbed, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
