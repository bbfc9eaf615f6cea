// Package question holds the child-to-parent question queue. A child run
// blocks on a parent decision by enqueueing a question; answering,
// dismissing, or expiring it is a one-shot transition, and the service
// layer forwards the outcome back to the child afterwards.
package question

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Status of a question record.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusAnswered  Status = "answered"
	StatusDismissed Status = "dismissed"
	StatusExpired   Status = "expired"
)

// Urgency of a question.
type Urgency string

const (
	UrgencyLow  Urgency = "low"
	UrgencyMed  Urgency = "med"
	UrgencyHigh Urgency = "high"
)

// ValidUrgency reports whether s names a known urgency level.
func ValidUrgency(s string) bool {
	switch Urgency(s) {
	case UrgencyLow, UrgencyMed, UrgencyHigh:
		return true
	}
	return false
}

// ExpiryFallback selects what happens to an auto-paused child when its
// question expires unanswered.
type ExpiryFallback string

const (
	FallbackPause  ExpiryFallback = "pause"
	FallbackResume ExpiryFallback = "resume"
	FallbackFail   ExpiryFallback = "fail"
)

// ValidFallback reports whether s names a known expiry fallback.
func ValidFallback(s string) bool {
	switch ExpiryFallback(s) {
	case FallbackPause, FallbackResume, FallbackFail:
		return true
	}
	return false
}

// MaxResolutionAttempts bounds how often a closed question's outcome is
// forwarded to an unreachable child before the queue gives up on it.
const MaxResolutionAttempts = 5

// Record is one question, as persisted in questions.json.
type Record struct {
	QuestionID       string         `json:"question_id"`
	ParentRunID      string         `json:"parent_run_id"`
	FromRunID        string         `json:"from_run_id"`
	FromManifestPath string         `json:"from_manifest_path,omitempty"`
	Prompt           string         `json:"prompt"`
	Urgency          Urgency        `json:"urgency"`
	Status           Status         `json:"status"`
	QueuedAt         string         `json:"queued_at"`
	ExpiresAt        string         `json:"expires_at,omitempty"`
	ExpiresInMs      int64          `json:"expires_in_ms,omitempty"`
	AutoPause        bool           `json:"auto_pause"`
	ExpiryFallback   ExpiryFallback `json:"expiry_fallback,omitempty"`
	Answer           string         `json:"answer,omitempty"`
	AnsweredBy       string         `json:"answered_by,omitempty"`
	AnsweredAt       string         `json:"answered_at,omitempty"`
	DismissedBy      string         `json:"dismissed_by,omitempty"`
	ClosedAt         string         `json:"closed_at,omitempty"`

	// Child-resolution bookkeeping: once a question closes, its outcome
	// must reach the child named by FromManifestPath. Attempts are
	// persisted so a crash cannot reset the retry budget.
	ResolutionDone     bool `json:"resolution_done,omitempty"`
	ResolutionAttempts int  `json:"resolution_attempts,omitempty"`
}

// Closed reports whether the record reached a terminal status.
func (r Record) Closed() bool {
	return r.Status != StatusQueued
}

// EnqueueInput describes a new question.
type EnqueueInput struct {
	ParentRunID      string
	FromRunID        string
	FromManifestPath string
	Prompt           string
	Urgency          Urgency
	ExpiresIn        time.Duration
	AutoPause        bool
	ExpiryFallback   ExpiryFallback
}

// ErrNotFound and ErrClosed are the queue's two failure modes.
var (
	ErrNotFound = fmt.Errorf("question_not_found")
	ErrClosed   = fmt.Errorf("question_closed")
)

// Queue is the in-memory question set. Callers serialize access.
type Queue struct {
	now     func() time.Time
	records map[string]*Record
	order   []string
	counter int
}

// Options configures a Queue.
type Options struct {
	Now  func() time.Time
	Seed []Record
}

func NewQueue(opts Options) *Queue {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	q := &Queue{now: now, records: map[string]*Record{}}
	q.Hydrate(opts.Seed)
	return q
}

// Enqueue appends a queued record and returns a copy of it.
func (q *Queue) Enqueue(input EnqueueInput) Record {
	queuedAt := q.now().UTC()
	record := &Record{
		QuestionID:       q.nextID(),
		ParentRunID:      input.ParentRunID,
		FromRunID:        input.FromRunID,
		FromManifestPath: input.FromManifestPath,
		Prompt:           input.Prompt,
		Urgency:          input.Urgency,
		Status:           StatusQueued,
		QueuedAt:         queuedAt.Format(time.RFC3339Nano),
		AutoPause:        input.AutoPause,
		ExpiryFallback:   input.ExpiryFallback,
	}
	if input.ExpiresIn > 0 {
		record.ExpiresAt = queuedAt.Add(input.ExpiresIn).Format(time.RFC3339Nano)
		record.ExpiresInMs = input.ExpiresIn.Milliseconds()
	}
	q.records[record.QuestionID] = record
	q.order = append(q.order, record.QuestionID)
	return *record
}

// Get returns a copy of the record with the given id.
func (q *Queue) Get(questionID string) (Record, bool) {
	record, ok := q.records[questionID]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// List returns copies of all records in enqueue order.
func (q *Queue) List() []Record {
	out := make([]Record, 0, len(q.order))
	for _, id := range q.order {
		if record, ok := q.records[id]; ok {
			out = append(out, *record)
		}
	}
	return out
}

// Answer moves a queued record to answered. A record that already left the
// queued state fails with ErrClosed and is left untouched, which settles
// the race between a UI click and a concurrent expiry sweep.
func (q *Queue) Answer(questionID, answer, answeredBy string) (Record, error) {
	record, ok := q.records[questionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if record.Status != StatusQueued {
		return Record{}, ErrClosed
	}
	now := q.now().UTC().Format(time.RFC3339Nano)
	record.Status = StatusAnswered
	record.Answer = answer
	record.AnsweredBy = answeredBy
	record.AnsweredAt = now
	record.ClosedAt = now
	return *record, nil
}

// Dismiss moves a queued record to dismissed.
func (q *Queue) Dismiss(questionID, dismissedBy string) (Record, error) {
	record, ok := q.records[questionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if record.Status != StatusQueued {
		return Record{}, ErrClosed
	}
	now := q.now().UTC().Format(time.RFC3339Nano)
	record.Status = StatusDismissed
	record.DismissedBy = dismissedBy
	record.ClosedAt = now
	return *record, nil
}

// Expire sweeps queued records past their expiry and returns the newly
// expired copies.
func (q *Queue) Expire() []Record {
	now := q.now()
	nowStamp := now.UTC().Format(time.RFC3339Nano)
	var expired []Record
	for _, id := range q.order {
		record, ok := q.records[id]
		if !ok || record.Status != StatusQueued || record.ExpiresAt == "" {
			continue
		}
		expiresAt, err := time.Parse(time.RFC3339Nano, record.ExpiresAt)
		if err != nil || expiresAt.After(now) {
			continue
		}
		record.Status = StatusExpired
		record.ClosedAt = nowStamp
		expired = append(expired, *record)
	}
	return expired
}

// PendingResolution returns closed records whose outcome still has to be
// forwarded to their child and whose retry budget is not exhausted.
func (q *Queue) PendingResolution() []Record {
	var out []Record
	for _, id := range q.order {
		record, ok := q.records[id]
		if !ok || !record.Closed() {
			continue
		}
		if !record.AutoPause || record.FromManifestPath == "" {
			continue
		}
		if record.ResolutionDone || record.ResolutionAttempts >= MaxResolutionAttempts {
			continue
		}
		out = append(out, *record)
	}
	return out
}

// NoteResolutionAttempt records one forwarding attempt and returns the
// updated attempt count.
func (q *Queue) NoteResolutionAttempt(questionID string) (int, error) {
	record, ok := q.records[questionID]
	if !ok {
		return 0, ErrNotFound
	}
	record.ResolutionAttempts++
	return record.ResolutionAttempts, nil
}

// MarkResolved records that the child acknowledged the outcome.
func (q *Queue) MarkResolved(questionID string) error {
	record, ok := q.records[questionID]
	if !ok {
		return ErrNotFound
	}
	record.ResolutionDone = true
	return nil
}

// Hydrate loads persisted records, keeping the id counter ahead of any
// seeded q-NNNN id.
func (q *Queue) Hydrate(records []Record) {
	for i := range records {
		record := records[i]
		if _, ok := q.records[record.QuestionID]; !ok {
			q.order = append(q.order, record.QuestionID)
		}
		q.records[record.QuestionID] = &record
	}
	if c := resolveCounter(records); c > q.counter {
		q.counter = c
	}
}

func (q *Queue) nextID() string {
	q.counter++
	return fmt.Sprintf("q-%04d", q.counter)
}

var questionIDPattern = regexp.MustCompile(`^q-(\d+)`)

func resolveCounter(records []Record) int {
	max := 0
	for _, record := range records {
		m := questionIDPattern.FindStringSubmatch(record.QuestionID)
		if m == nil {
			continue
		}
		if value, err := strconv.Atoi(m[1]); err == nil && value > max {
			max = value
		}
	}
	return max
}
