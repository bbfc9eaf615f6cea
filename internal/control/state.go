// Package control holds the authoritative "latest control action" for a run.
package control

import (
	"time"
)

// Action is a run-level control directive.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
	ActionFail   Action = "fail"
)

// ValidAction reports whether s names one of the four control actions.
func ValidAction(s string) bool {
	switch Action(s) {
	case ActionPause, ActionResume, ActionCancel, ActionFail:
		return true
	}
	return false
}

// ControlAction is the directive currently in force for a run.
type ControlAction struct {
	Action      Action  `json:"action"`
	RequestedBy string  `json:"requested_by"`
	RequestedAt string  `json:"requested_at"`
	RequestID   *string `json:"request_id,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// State is the persisted control snapshot for a run. LatestAction is
// replaced wholesale on every accepted mutation, never merged.
type State struct {
	RunID          string         `json:"run_id"`
	ControlSeq     int64          `json:"control_seq"`
	LatestAction   *ControlAction `json:"latest_action"`
	FeatureToggles map[string]any `json:"feature_toggles,omitempty"`
}

// Store owns the in-memory control state. It performs no validation; bad
// input is rejected by the HTTP layer before the store is touched.
type Store struct {
	now   func() time.Time
	state State
}

// Options seeds a Store, typically from an on-disk snapshot.
type Options struct {
	RunID          string
	ControlSeq     int64
	LatestAction   *ControlAction
	FeatureToggles map[string]any
	Now            func() time.Time
}

func NewStore(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		now: now,
		state: State{
			RunID:          opts.RunID,
			ControlSeq:     opts.ControlSeq,
			LatestAction:   opts.LatestAction,
			FeatureToggles: opts.FeatureToggles,
		},
	}
}

// UpdateInput describes an accepted control mutation.
type UpdateInput struct {
	Action      Action
	RequestedBy string
	RequestID   *string
	Reason      string
}

// UpdateAction bumps control_seq by exactly one and replaces latest_action.
func (s *Store) UpdateAction(in UpdateInput) State {
	s.state.ControlSeq++
	s.state.LatestAction = &ControlAction{
		Action:      in.Action,
		RequestedBy: in.RequestedBy,
		RequestedAt: s.now().UTC().Format(time.RFC3339Nano),
		RequestID:   in.RequestID,
		Reason:      in.Reason,
	}
	return s.Snapshot()
}

// UpdateFeatureToggles deep-merges toggles into the current set.
func (s *Store) UpdateFeatureToggles(toggles map[string]any) {
	if s.state.FeatureToggles == nil {
		s.state.FeatureToggles = map[string]any{}
	}
	s.state.FeatureToggles = mergeMaps(s.state.FeatureToggles, toggles)
}

// Snapshot returns a deep copy safe for persistence and wire encoding.
func (s *Store) Snapshot() State {
	out := State{
		RunID:      s.state.RunID,
		ControlSeq: s.state.ControlSeq,
	}
	if s.state.LatestAction != nil {
		action := *s.state.LatestAction
		if s.state.LatestAction.RequestID != nil {
			id := *s.state.LatestAction.RequestID
			action.RequestID = &id
		}
		out.LatestAction = &action
	}
	if s.state.FeatureToggles != nil {
		out.FeatureToggles = copyMap(s.state.FeatureToggles)
	}
	return out
}

func mergeMaps(base, update map[string]any) map[string]any {
	merged := copyMap(base)
	for key, value := range update {
		if sub, ok := value.(map[string]any); ok {
			current, _ := merged[key].(map[string]any)
			merged[key] = mergeMaps(current, sub)
			continue
		}
		merged[key] = value
	}
	return merged
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			out[k] = copyMap(sub)
			continue
		}
		out[k] = v
	}
	return out
}
