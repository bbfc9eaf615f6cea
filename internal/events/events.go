// Package events is the append-only lifecycle log for a run's control
// plane. Every control, confirmation, question, and security transition is
// written to events.jsonl and mirrored onto the in-process bus so SSE
// subscribers see it live.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/runplane/internal/bus"
	"github.com/basket/runplane/internal/shared"
)

// Event is one lifecycle record.
type Event struct {
	Seq     int64          `json:"seq"`
	Time    string         `json:"time"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Stream appends events to a JSONL file and fans them out on the bus.
type Stream struct {
	mu    sync.Mutex
	path  string
	runID string
	now   func() time.Time
	bus   *bus.Bus
	seq   int64
	file  *os.File
}

// Options configures a Stream.
type Options struct {
	Path  string
	RunID string
	Bus   *bus.Bus
	Now   func() time.Time
}

// Open creates or resumes the stream at opts.Path, continuing the sequence
// from the last persisted event.
func Open(opts Options) (*Stream, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("events dir: %w", err)
	}
	seq, err := lastSeq(opts.Path)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("events open: %w", err)
	}
	return &Stream{
		path:  opts.Path,
		runID: opts.RunID,
		now:   now,
		bus:   opts.Bus,
		seq:   seq,
		file:  file,
	}, nil
}

// Append writes one event and publishes it to topic. The payload is
// redacted before it touches disk or the bus.
func (s *Stream) Append(topic string, payload map[string]any) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	event := Event{
		Seq:     s.seq,
		Time:    s.now().UTC().Format(time.RFC3339Nano),
		Type:    topic,
		RunID:   s.runID,
		Payload: shared.RedactMap(payload),
	}
	line, err := json.Marshal(event)
	if err != nil {
		s.seq--
		return Event{}, fmt.Errorf("events marshal: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		s.seq--
		return Event{}, fmt.Errorf("events append: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(topic, event)
	}
	return event, nil
}

// Recent returns up to limit events from the tail of the log.
func (s *Stream) Recent(limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("events read: %w", err)
	}
	var all []Event
	for _, line := range splitLines(data) {
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		all = append(all, event)
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// Close flushes and closes the underlying file.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func lastSeq(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("events scan: %w", err)
	}
	var seq int64
	for _, line := range splitLines(data) {
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.Seq > seq {
			seq = event.Seq
		}
	}
	return seq, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
