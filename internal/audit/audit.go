// Package audit records every FSM transition and merge/review decision to a
// durable JSONL trail, independent of the backlog database. It exists so an
// operator can reconstruct what the orchestrator decided and why even if the
// backlog store itself is unavailable.
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

	"github.com/gardenerd/gardenerd/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TaskID    string `json:"task_id"`
	Decision  string `json:"decision"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	failCount  atomic.Int64
)

// Init opens (creating if needed) stateDir/logs/audit.jsonl for append.
func Init(stateDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(stateDir, "logs")
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

// SetDB configures a secondary sink: every entry is also inserted into the
// backlog database's audit_log table when db is non-nil.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the number of "failed"-kind decisions recorded since startup.
func FailureCount() int64 {
	return failCount.Load()
}

// Record appends a transition/decision entry to the audit trail.
// kind is the FSM state or decision category (e.g. "transition", "review", "merge");
// decision is the outcome (e.g. "review_pass", "merge_conflict").
func Record(taskID, kind, decision, reason string) {
	if kind == "failed" || decision == "failed" {
		failCount.Add(1)
	}

	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TaskID:    taskID,
			Decision:  decision,
			Kind:      kind,
			Reason:    reason,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (task_id, kind, decision, reason)
			VALUES (?, ?, ?, ?);
		`, taskID, kind, decision, reason)
	}
}
