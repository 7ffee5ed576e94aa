// Package audit keeps the append-only trail of permission-gate decisions.
// Entries go to <home>/logs/audit.jsonl and, once SetDB is called, to the
// audit_log table.
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

	"github.com/basket/agentcore/internal/shared"
)

// Entry is one gate decision.
type Entry struct {
	Timestamp  string `json:"timestamp"`
	TraceID    string `json:"trace_id"`
	StoreID    string `json:"store_id"`
	AgentID    string `json:"agent_id"`
	RunID      string `json:"run_id,omitempty"`
	ActionID   string `json:"action_id,omitempty"`
	ActionKind string `json:"action_kind"`
	Permission string `json:"permission_level"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason"`
	Actor      string `json:"actor,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	db          *sql.DB
	rejectCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
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
	file = f
	return nil
}

// SetDB enables writes to the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectCount returns the number of reject decisions since startup.
func RejectCount() int64 {
	return rejectCount.Load()
}

// Record appends a decision. Failures to write are swallowed: auditing must
// never block the gate.
func Record(ctx context.Context, e Entry) {
	if e.Decision == "reject" {
		rejectCount.Add(1)
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.TraceID == "" {
		e.TraceID = shared.TraceID(ctx)
	}
	e.Reason = shared.Redact(e.Reason)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, store_id, agent_id, run_id, action_id, action_kind, permission_level, decision, reason, actor)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.StoreID, e.AgentID, e.RunID, e.ActionID, e.ActionKind, e.Permission, e.Decision, e.Reason, e.Actor)
	}
}
