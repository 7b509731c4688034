// Package audit is the append-only decision trail. Every policy
// allow/deny lands here as one JSONL line, mirrored into the audit_log
// table when a database is attached.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironclaw/ironclaw/internal/shared"
)

type record struct {
	Timestamp     string `json:"timestamp"`
	Decision      string `json:"decision"`
	Capability    string `json:"capability"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	Subject       string `json:"subject,omitempty"`
}

// sink holds the open outputs. Package-level because Record is called
// from policy checks that have no handle to thread state through.
var sink struct {
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
}

var denials atomic.Int64

// Init opens <home>/logs/audit.jsonl for appending. Calling it twice is
// a no-op.
func Init(homeDir string) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	sink.file = f
	return nil
}

// SetDB attaches a database; entries are then mirrored into audit_log.
func SetDB(d *sql.DB) {
	sink.mu.Lock()
	sink.db = d
	sink.mu.Unlock()
}

// Close releases the log file. Records after Close go to the database
// only, if one is attached.
func Close() error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.file == nil {
		return nil
	}
	err := sink.file.Close()
	sink.file = nil
	return err
}

// DenyCount reports total deny decisions since process start.
func DenyCount() int64 {
	return denials.Load()
}

// Record appends one audit entry. Reason and subject are scrubbed here
// as a backstop; plaintext credential values must never reach this
// function in the first place.
func Record(decision, capability, reason, policyVersion, subject string) {
	if decision == "deny" {
		denials.Add(1)
	}
	rec := record{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Decision:      decision,
		Capability:    capability,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
		Subject:       shared.Redact(subject),
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	appendLine(rec)
	mirrorToDB(rec)
}

func appendLine(rec record) {
	if sink.file == nil {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_, _ = sink.file.Write(append(b, '\n'))
}

func mirrorToDB(rec record) {
	if sink.db == nil {
		return
	}
	_, _ = sink.db.ExecContext(context.Background(), `
		INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version)
		VALUES (?, ?, ?, ?, ?, ?);
	`, "", rec.Subject, rec.Capability, rec.Decision, rec.Reason, rec.PolicyVersion)
}
