package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesSecurityEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home, "run-1"); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("csrf_invalid", "http", "csrf header mismatch on /control/action", "ui")
	Record("runner_violation", "runner", "blocked shell escape attempt", "runner")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "security.jsonl"))
	if err != nil {
		t.Fatalf("read security file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first entry: %v", err)
	}
	if first["kind"] != "csrf_invalid" || first["run_id"] != "run-1" {
		t.Fatalf("unexpected entry %#v", first)
	}
	if first["timestamp"] == "" || first["source"] != "http" {
		t.Fatalf("unexpected entry %#v", first)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home, "run-1"); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	secret := "Bearer sess-0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	Record("auth_failure", "http", "rejected credential "+secret, "")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "security.jsonl"))
	if err != nil {
		t.Fatalf("read security file: %v", err)
	}
	if strings.Contains(string(raw), "0123456789abcdef0123456789abcdef") {
		t.Fatal("secret value persisted unredacted")
	}
}

func TestRecordMirrorsToDatabase(t *testing.T) {
	home := t.TempDir()
	if err := Init(home, "run-1"); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	db, err := OpenDB(filepath.Join(home, "security.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		SetDB(nil)
		_ = db.Close()
	})

	Record("forward_rejected", "forward", "manifest outside allowed roots", "")

	var kind, source string
	row := db.QueryRow(`SELECT kind, source FROM security_events ORDER BY id DESC LIMIT 1`)
	if err := row.Scan(&kind, &source); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if kind != "forward_rejected" || source != "forward" {
		t.Fatalf("row %s/%s", kind, source)
	}
}
