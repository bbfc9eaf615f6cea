package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/runplane/internal/control"
	"github.com/basket/runplane/internal/persist"
	"github.com/basket/runplane/internal/question"
)

// runDirUnder lays out <root>/.runs/<task>/cli/<run> with a manifest, the
// layout the forwarder validates child paths against.
func runDirUnder(t *testing.T, root, task, run string) string {
	t.Helper()
	runDir := filepath.Join(root, ".runs", task, "cli", run)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := filepath.Join(runDir, "manifest.json")
	if err := os.WriteFile(manifest, []byte(`{"run_id":"`+run+`"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return runDir
}

func childControlState(t *testing.T, runDir string) control.State {
	t.Helper()
	var state control.State
	found, err := persist.ReadJSON(filepath.Join(runDir, "control.json"), &state)
	if err != nil || !found {
		t.Fatalf("child control.json: found=%v err=%v", found, err)
	}
	return state
}

func pauseAwaitingAnswer(t *testing.T, child *testEnv) {
	t.Helper()
	status, _ := child.request(http.MethodPost, "/control/action", child.runnerToken(),
		map[string]any{"action": "pause", "reason": "awaiting_question_answer", "requested_by": "delegate"}, nil)
	if status != http.StatusOK {
		t.Fatalf("child pause: status %d", status)
	}
}

func TestAnsweredQuestionResumesChild(t *testing.T) {
	root := t.TempDir()
	parent := newTestEnvAt(t, runDirUnder(t, root, "task-1", "parent"), nil)
	child := newTestEnvAt(t, runDirUnder(t, root, "task-1", "child"), nil)
	pauseAwaitingAnswer(t, child)

	manifest := filepath.Join(child.runDir, "manifest.json")
	status, record := parent.request(http.MethodPost, "/questions/enqueue", parent.runnerToken(),
		map[string]any{
			"prompt":             "May I touch prod?",
			"parent_run_id":      "parent",
			"from_run_id":        "child",
			"from_manifest_path": manifest,
		}, nil)
	if status != http.StatusOK {
		t.Fatalf("enqueue: status %d body %v", status, record)
	}
	questionID, _ := record["question_id"].(string)

	status, _ = parent.request(http.MethodPost, "/questions/answer", parent.runnerToken(),
		map[string]any{"question_id": questionID, "answer": "yes"}, nil)
	if status != http.StatusOK {
		t.Fatalf("answer: status %d", status)
	}

	state := childControlState(t, child.runDir)
	if state.LatestAction == nil || state.LatestAction.Action != control.ActionResume {
		t.Fatalf("child action %+v, want resume", state.LatestAction)
	}
	if state.LatestAction.Reason != "question_answered" {
		t.Fatalf("child reason %q", state.LatestAction.Reason)
	}
}

func TestExpiredQuestionAppliesResumeFallback(t *testing.T) {
	root := t.TempDir()
	parent := newTestEnvAt(t, runDirUnder(t, root, "task-1", "parent"), nil)
	child := newTestEnvAt(t, runDirUnder(t, root, "task-1", "child"), nil)
	pauseAwaitingAnswer(t, child)

	manifest := filepath.Join(child.runDir, "manifest.json")
	status, _ := parent.request(http.MethodPost, "/questions/enqueue", parent.runnerToken(),
		map[string]any{
			"prompt":             "Still there?",
			"parent_run_id":      "parent",
			"from_run_id":        "child",
			"from_manifest_path": manifest,
			"expires_in_ms":      1000,
			"expiry_fallback":    "resume",
		}, nil)
	if status != http.StatusOK {
		t.Fatalf("enqueue: status %d", status)
	}

	parent.clock.Advance(5 * time.Second)
	if err := parent.srv.SweepExpired(context.Background()); err != nil {
		t.Fatal(err)
	}

	state := childControlState(t, child.runDir)
	if state.LatestAction == nil || state.LatestAction.Action != control.ActionResume {
		t.Fatalf("child action %+v, want resume", state.LatestAction)
	}
	if state.LatestAction.Reason != "question_expired" {
		t.Fatalf("child reason %q", state.LatestAction.Reason)
	}
}

func TestExpiredQuestionPauseFallbackLeavesChildPaused(t *testing.T) {
	root := t.TempDir()
	parent := newTestEnvAt(t, runDirUnder(t, root, "task-1", "parent"), nil)
	child := newTestEnvAt(t, runDirUnder(t, root, "task-1", "child"), nil)
	pauseAwaitingAnswer(t, child)

	manifest := filepath.Join(child.runDir, "manifest.json")
	parent.request(http.MethodPost, "/questions/enqueue", parent.runnerToken(),
		map[string]any{
			"prompt":             "No rush",
			"parent_run_id":      "parent",
			"from_run_id":        "child",
			"from_manifest_path": manifest,
			"expires_in_ms":      1000,
			"expiry_fallback":    "pause",
		}, nil)

	parent.clock.Advance(5 * time.Second)
	if err := parent.srv.SweepExpired(context.Background()); err != nil {
		t.Fatal(err)
	}

	state := childControlState(t, child.runDir)
	if state.LatestAction == nil || state.LatestAction.Action != control.ActionPause {
		t.Fatalf("child action %+v, want pause untouched", state.LatestAction)
	}
	if state.LatestAction.Reason != "awaiting_question_answer" {
		t.Fatalf("child reason %q", state.LatestAction.Reason)
	}
}

func TestResolutionSkipsIndependentlyPausedChild(t *testing.T) {
	root := t.TempDir()
	parent := newTestEnvAt(t, runDirUnder(t, root, "task-1", "parent"), nil)
	child := newTestEnvAt(t, runDirUnder(t, root, "task-1", "child"), nil)

	// The child is paused, but not for a question.
	status, _ := child.request(http.MethodPost, "/control/action", child.runnerToken(),
		map[string]any{"action": "pause", "reason": "manual hold"}, nil)
	if status != http.StatusOK {
		t.Fatalf("child pause: status %d", status)
	}

	manifest := filepath.Join(child.runDir, "manifest.json")
	_, record := parent.request(http.MethodPost, "/questions/enqueue", parent.runnerToken(),
		map[string]any{
			"prompt":             "Anything?",
			"parent_run_id":      "parent",
			"from_run_id":        "child",
			"from_manifest_path": manifest,
		}, nil)
	questionID, _ := record["question_id"].(string)

	parent.request(http.MethodPost, "/questions/answer", parent.runnerToken(),
		map[string]any{"question_id": questionID, "answer": "nothing"}, nil)

	state := childControlState(t, child.runDir)
	if state.LatestAction == nil || state.LatestAction.Action != control.ActionPause {
		t.Fatalf("child action %+v, want pause untouched", state.LatestAction)
	}
	if state.LatestAction.Reason != "manual hold" {
		t.Fatalf("child reason %q", state.LatestAction.Reason)
	}
}

func TestListingChargesOneResolutionAttemptPerExpiredQuestion(t *testing.T) {
	root := t.TempDir()
	parent := newTestEnvAt(t, runDirUnder(t, root, "task-1", "parent"), nil)

	// The child run dir exists but serves nothing, so every forward to it
	// fails and the attempt counter is the only thing that moves.
	childDir := runDirUnder(t, root, "task-1", "child")
	manifest := filepath.Join(childDir, "manifest.json")

	status, record := parent.request(http.MethodPost, "/questions/enqueue", parent.runnerToken(),
		map[string]any{
			"prompt":             "Still there?",
			"parent_run_id":      "parent",
			"from_run_id":        "child",
			"from_manifest_path": manifest,
			"expires_in_ms":      1000,
			"expiry_fallback":    "resume",
		}, nil)
	if status != http.StatusOK {
		t.Fatalf("enqueue: status %d", status)
	}
	questionID, _ := record["question_id"].(string)

	parent.clock.Advance(5 * time.Second)
	status, _ = parent.request(http.MethodGet, "/questions", parent.runnerToken(), nil, nil)
	if status != http.StatusOK {
		t.Fatalf("list: status %d", status)
	}

	var persisted struct {
		Questions []question.Record `json:"questions"`
	}
	if _, err := persist.ReadJSON(filepath.Join(parent.runDir, "questions.json"), &persisted); err != nil {
		t.Fatal(err)
	}
	for _, q := range persisted.Questions {
		if q.QuestionID != questionID {
			continue
		}
		if q.ResolutionAttempts != 1 {
			t.Fatalf("resolution_attempts = %d after one listing, want 1", q.ResolutionAttempts)
		}
		return
	}
	t.Fatalf("question %s not persisted", questionID)
}

func TestResolutionRejectsManifestOutsideRoots(t *testing.T) {
	root := t.TempDir()
	parent := newTestEnvAt(t, runDirUnder(t, root, "task-1", "parent"), nil)

	elsewhere := t.TempDir()
	outside := runDirUnder(t, elsewhere, "task-x", "stray")
	manifest := filepath.Join(outside, "manifest.json")

	_, record := parent.request(http.MethodPost, "/questions/enqueue", parent.runnerToken(),
		map[string]any{
			"prompt":             "Sneaky",
			"parent_run_id":      "parent",
			"from_run_id":        "stray",
			"from_manifest_path": manifest,
		}, nil)
	questionID, _ := record["question_id"].(string)

	status, _ := parent.request(http.MethodPost, "/questions/answer", parent.runnerToken(),
		map[string]any{"question_id": questionID, "answer": "no"}, nil)
	if status != http.StatusOK {
		t.Fatalf("answer: status %d", status)
	}

	// Nothing was written into the stray run directory.
	if _, err := os.Stat(filepath.Join(outside, "control.json")); !os.IsNotExist(err) {
		t.Fatalf("stray control.json: %v", err)
	}
}
