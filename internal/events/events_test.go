package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/runplane/internal/bus"
)

func TestAppendAssignsSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	stream, err := Open(Options{Path: path, RunID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	first, err := stream.Append("control.action", map[string]any{"action": "pause"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := stream.Append("control.action", map[string]any{"action": "resume"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("seqs %d, %d", first.Seq, second.Seq)
	}
	if first.RunID != "run-1" || first.Type != "control.action" {
		t.Fatalf("event %+v", first)
	}
}

func TestOpenResumesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	stream, err := Open(Options{Path: path, RunID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Append("question.queued", map[string]any{"question_id": "q-0001"}); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Append("question.answered", map[string]any{"question_id": "q-0001"}); err != nil {
		t.Fatal(err)
	}
	stream.Close()

	resumed, err := Open(Options{Path: path, RunID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	defer resumed.Close()
	event, err := resumed.Append("question.queued", nil)
	if err != nil {
		t.Fatal(err)
	}
	if event.Seq != 3 {
		t.Fatalf("resumed seq %d, want 3", event.Seq)
	}

	recent, err := resumed.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Seq != 2 || recent[1].Seq != 3 {
		t.Fatalf("recent %+v", recent)
	}
}

func TestAppendMirrorsToBusAndRedacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	b := bus.New()
	sub := b.Subscribe("confirmation.")
	defer b.Unsubscribe(sub)

	stream, err := Open(Options{Path: path, RunID: "run-1", Bus: b})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if _, err := stream.Append("confirmation.resolved", map[string]any{
		"request_id": "req-1",
		"token":      "control-token-super-secret-value",
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.Ch():
		event, ok := msg.Payload.(Event)
		if !ok {
			t.Fatalf("payload %T", msg.Payload)
		}
		if event.Payload["token"] == "control-token-super-secret-value" {
			t.Fatal("secret reached the bus unredacted")
		}
	case <-time.After(time.Second):
		t.Fatal("no bus delivery")
	}
}
