// Package controlwatch is the runner-side consumer of control.json. The
// runner holds one Watcher per run and checks it between steps: pause
// blocks progress until a resume arrives, cancel and fail flip a sticky
// flag the run loop acts on.
package controlwatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/runplane/internal/control"
)

// Transition is one observed control change.
type Transition struct {
	Action      control.Action
	ControlSeq  int64
	RequestID   string
	RequestedBy string
	Reason      string
}

// Options configures a Watcher.
type Options struct {
	// ControlPath is the run's control.json.
	ControlPath string
	// PollInterval backs up the fsnotify watch; some filesystems miss
	// rename-replace writes. Defaults to 1s.
	PollInterval time.Duration
	Logger       *slog.Logger
	// OnTransition is called for each newly observed action, in order.
	OnTransition func(Transition)
}

// Watcher tails control.json and tracks run-facing control state.
type Watcher struct {
	controlPath  string
	pollInterval time.Duration
	logger       *slog.Logger
	onTransition func(Transition)

	mu       sync.Mutex
	lastSeq  int64
	paused   bool
	canceled bool
	failed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWatcher(opts Options) *Watcher {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		controlPath:  opts.ControlPath,
		pollInterval: pollInterval,
		logger:       logger,
		onTransition: opts.OnTransition,
	}
}

// Paused reports whether the run is currently paused.
func (w *Watcher) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Canceled reports whether a cancel was observed. Sticky.
func (w *Watcher) Canceled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canceled
}

// Failed reports whether a fail was observed. Sticky.
func (w *Watcher) Failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// Sync reads control.json once and applies any action newer than the last
// seen control_seq. Stale or replayed snapshots are ignored.
func (w *Watcher) Sync() {
	raw, err := os.ReadFile(w.controlPath)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Debug("control file unreadable", "error", err)
		}
		return
	}
	var snapshot control.State
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		w.logger.Debug("control file malformed", "error", err)
		return
	}

	w.mu.Lock()
	if snapshot.ControlSeq <= w.lastSeq || snapshot.LatestAction == nil {
		w.mu.Unlock()
		return
	}
	w.lastSeq = snapshot.ControlSeq
	action := snapshot.LatestAction.Action
	requestID := ""
	if snapshot.LatestAction.RequestID != nil {
		requestID = *snapshot.LatestAction.RequestID
	}
	transition := Transition{
		Action:      action,
		ControlSeq:  snapshot.ControlSeq,
		RequestID:   requestID,
		RequestedBy: snapshot.LatestAction.RequestedBy,
		Reason:      snapshot.LatestAction.Reason,
	}
	changed := false
	switch action {
	case control.ActionPause:
		if !w.paused {
			w.paused = true
			changed = true
		}
	case control.ActionResume:
		if w.paused {
			w.paused = false
			changed = true
		}
	case control.ActionCancel:
		if !w.canceled {
			w.canceled = true
			changed = true
		}
	case control.ActionFail:
		if !w.failed {
			w.failed = true
			changed = true
		}
	}
	w.mu.Unlock()

	if changed {
		w.logger.Info("control transition observed",
			"action", string(action), "control_seq", transition.ControlSeq,
			"requested_by", transition.RequestedBy)
		if w.onTransition != nil {
			w.onTransition(transition)
		}
	}
}

// WaitForResume blocks while the run is paused, re-syncing on each poll.
// Returns early when a cancel or fail lands, or the context ends.
func (w *Watcher) WaitForResume(ctx context.Context) error {
	for {
		w.mu.Lock()
		blocked := w.paused && !w.canceled && !w.failed
		w.mu.Unlock()
		if !blocked {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval):
			w.Sync()
		}
	}
}

// Start watches control.json for writes, with a poll fallback. Call Stop
// to shut down.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: atomic write-and-rename replaces the file, which
	// would orphan a direct watch.
	if err := fsw.Add(filepath.Dir(w.controlPath)); err != nil {
		fsw.Close()
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer fsw.Close()

		w.Sync()
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != w.controlPath {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.Sync()
			case <-ticker.C:
				w.Sync()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("control watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Stop shuts the watch loop down and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
