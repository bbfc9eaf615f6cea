// Package audit records security events reported by the runner or raised
// by the service itself (auth failures, rejected forwards). Events land in
// security.jsonl and, when a database is configured, in the
// security_events table for queryable history. Everything is redacted
// before persistence.
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

	"github.com/basket/runplane/internal/runpaths"
	"github.com/basket/runplane/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id"`
	Kind      string `json:"kind"`
	Source    string `json:"source"`
	Detail    string `json:"detail,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

var (
	mu             sync.Mutex
	file           *os.File
	db             *sql.DB
	runID          string
	violationCount atomic.Int64
)

// Init opens security.jsonl under runDir/logs. Idempotent.
func Init(runDir, id string) error {
	mu.Lock()
	defer mu.Unlock()
	runID = id
	if file != nil {
		return nil
	}
	logPath := runpaths.New(runDir).Security()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// OpenDB opens (creating if needed) the sqlite mirror at path and wires it
// into the recorder.
func OpenDB(path string) (*sql.DB, error) {
	handle, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := handle.Exec(`
		CREATE TABLE IF NOT EXISTS security_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recorded_at TEXT NOT NULL,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			source TEXT NOT NULL,
			detail TEXT,
			actor TEXT
		);
	`); err != nil {
		handle.Close()
		return nil, err
	}
	SetDB(handle)
	return handle, nil
}

// SetDB configures the database for security_events writes.
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

// ViolationCount returns the total events recorded since startup.
func ViolationCount() int64 {
	return violationCount.Load()
}

// Record persists one security event. kind classifies it
// (auth_failure, csrf_invalid, runner_violation, forward_rejected),
// source names the reporting component, detail is free text.
func Record(kind, source, detail, actor string) {
	violationCount.Add(1)

	detail = shared.Redact(detail)
	actor = shared.Redact(actor)

	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if file != nil {
		ev := entry{
			Timestamp: now,
			RunID:     runID,
			Kind:      kind,
			Source:    source,
			Detail:    detail,
			Actor:     actor,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO security_events (recorded_at, run_id, kind, source, detail, actor)
			VALUES (?, ?, ?, ?, ?, ?);
		`, now, runID, kind, source, detail, actor)
	}
}
