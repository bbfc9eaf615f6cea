package question

import (
	"errors"
	"testing"
	"time"
)

func fixedClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestEnqueueAssignsSequentialIDs(t *testing.T) {
	_, clock := fixedClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	q := NewQueue(Options{Now: clock})

	first := q.Enqueue(EnqueueInput{ParentRunID: "parent", FromRunID: "child", Prompt: "deploy?", Urgency: UrgencyHigh, AutoPause: true})
	second := q.Enqueue(EnqueueInput{ParentRunID: "parent", FromRunID: "child", Prompt: "retry?", Urgency: UrgencyLow})

	if first.QuestionID != "q-0001" || second.QuestionID != "q-0002" {
		t.Fatalf("ids %s, %s", first.QuestionID, second.QuestionID)
	}
	if first.Status != StatusQueued || first.ExpiresAt != "" {
		t.Fatalf("unexpected record %+v", first)
	}
}

func TestAnswerIsOneShot(t *testing.T) {
	_, clock := fixedClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	q := NewQueue(Options{Now: clock})
	record := q.Enqueue(EnqueueInput{ParentRunID: "parent", FromRunID: "child", Prompt: "merge?", Urgency: UrgencyMed})

	answered, err := q.Answer(record.QuestionID, "yes", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if answered.Status != StatusAnswered || answered.Answer != "yes" || answered.AnsweredBy != "alice" {
		t.Fatalf("unexpected record %+v", answered)
	}
	if answered.ClosedAt != answered.AnsweredAt {
		t.Fatal("closed_at and answered_at differ")
	}

	if _, err := q.Answer(record.QuestionID, "no", "bob"); !errors.Is(err, ErrClosed) {
		t.Fatalf("second answer: got %v, want ErrClosed", err)
	}
	if _, err := q.Dismiss(record.QuestionID, "bob"); !errors.Is(err, ErrClosed) {
		t.Fatalf("dismiss after answer: got %v, want ErrClosed", err)
	}
	got, _ := q.Get(record.QuestionID)
	if got.Answer != "yes" || got.AnsweredBy != "alice" {
		t.Fatalf("terminal record mutated: %+v", got)
	}
}

func TestDismissIsOneShot(t *testing.T) {
	_, clock := fixedClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	q := NewQueue(Options{Now: clock})
	record := q.Enqueue(EnqueueInput{ParentRunID: "parent", FromRunID: "child", Prompt: "skip?", Urgency: UrgencyLow})

	if _, err := q.Dismiss(record.QuestionID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Answer(record.QuestionID, "yes", "alice"); !errors.Is(err, ErrClosed) {
		t.Fatalf("answer after dismiss: got %v, want ErrClosed", err)
	}
	if _, err := q.Answer("q-9999", "yes", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v, want ErrNotFound", err)
	}
}

func TestExpireSweepsOnlyDueQueuedRecords(t *testing.T) {
	now, clock := fixedClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	q := NewQueue(Options{Now: clock})

	due := q.Enqueue(EnqueueInput{ParentRunID: "parent", FromRunID: "child", Prompt: "a", Urgency: UrgencyMed, ExpiresIn: time.Minute})
	q.Enqueue(EnqueueInput{ParentRunID: "parent", FromRunID: "child", Prompt: "b", Urgency: UrgencyMed, ExpiresIn: time.Hour})
	forever := q.Enqueue(EnqueueInput{ParentRunID: "parent", FromRunID: "child", Prompt: "c", Urgency: UrgencyMed})

	*now = now.Add(2 * time.Minute)
	expired := q.Expire()
	if len(expired) != 1 || expired[0].QuestionID != due.QuestionID {
		t.Fatalf("expired %+v", expired)
	}
	if expired[0].Status != StatusExpired || expired[0].ClosedAt == "" {
		t.Fatalf("unexpected record %+v", expired[0])
	}
	if again := q.Expire(); len(again) != 0 {
		t.Fatalf("second sweep re-expired %+v", again)
	}
	if got, _ := q.Get(forever.QuestionID); got.Status != StatusQueued {
		t.Fatalf("record without expiry swept: %+v", got)
	}
}

func TestPendingResolutionHonorsBudget(t *testing.T) {
	_, clock := fixedClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	q := NewQueue(Options{Now: clock})

	tracked := q.Enqueue(EnqueueInput{
		ParentRunID:      "parent",
		FromRunID:        "child",
		FromManifestPath: "/runs/.runs/t/cli/child/manifest.json",
		Prompt:           "proceed?",
		Urgency:          UrgencyHigh,
		AutoPause:        true,
	})
	untracked := q.Enqueue(EnqueueInput{ParentRunID: "parent", FromRunID: "other", Prompt: "fyi", Urgency: UrgencyLow})

	if pending := q.PendingResolution(); len(pending) != 0 {
		t.Fatalf("open question listed for resolution: %+v", pending)
	}
	if _, err := q.Answer(tracked.QuestionID, "go", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dismiss(untracked.QuestionID, "alice"); err != nil {
		t.Fatal(err)
	}

	pending := q.PendingResolution()
	if len(pending) != 1 || pending[0].QuestionID != tracked.QuestionID {
		t.Fatalf("pending %+v", pending)
	}

	for i := 0; i < MaxResolutionAttempts; i++ {
		if _, err := q.NoteResolutionAttempt(tracked.QuestionID); err != nil {
			t.Fatal(err)
		}
	}
	if pending := q.PendingResolution(); len(pending) != 0 {
		t.Fatalf("budget exhausted but still pending: %+v", pending)
	}
}

func TestMarkResolvedStopsRetries(t *testing.T) {
	_, clock := fixedClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	q := NewQueue(Options{Now: clock})
	record := q.Enqueue(EnqueueInput{
		ParentRunID:      "parent",
		FromRunID:        "child",
		FromManifestPath: "/runs/.runs/t/cli/child/manifest.json",
		Prompt:           "proceed?",
		Urgency:          UrgencyMed,
		AutoPause:        true,
	})
	if _, err := q.Dismiss(record.QuestionID, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkResolved(record.QuestionID); err != nil {
		t.Fatal(err)
	}
	if pending := q.PendingResolution(); len(pending) != 0 {
		t.Fatalf("resolved question still pending: %+v", pending)
	}
}

func TestHydrateAdvancesCounter(t *testing.T) {
	_, clock := fixedClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	q := NewQueue(Options{Now: clock, Seed: []Record{
		{QuestionID: "q-0007", ParentRunID: "parent", FromRunID: "child", Prompt: "old", Urgency: UrgencyLow, Status: StatusAnswered},
	}})

	next := q.Enqueue(EnqueueInput{ParentRunID: "parent", FromRunID: "child", Prompt: "new", Urgency: UrgencyLow})
	if next.QuestionID != "q-0008" {
		t.Fatalf("counter did not advance past seed: %s", next.QuestionID)
	}
	if got, ok := q.Get("q-0007"); !ok || got.Status != StatusAnswered {
		t.Fatalf("seed record lost: %+v ok=%v", got, ok)
	}
}
