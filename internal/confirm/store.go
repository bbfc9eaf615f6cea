// Package confirm turns "the runner wants to do something dangerous" into
// "a human explicitly unlocked exactly this operation, exactly once".
//
// Requests are deduplicated by a digest over (action, tool, params); the raw
// params are hashed at the door and never retained, so no response body,
// persisted snapshot, or event payload can leak them. Approval mints a
// single-use HMAC-signed nonce bound to the digest.
package confirm

import (
	"crypto/rand"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
)

// Action classifies what the confirmation unlocks.
type Action string

const (
	ActionCancel Action = "cancel"
	ActionMerge  Action = "merge"
	ActionOther  Action = "other"
)

// ParseAction maps unknown action names to ActionOther.
func ParseAction(s string) Action {
	switch Action(s) {
	case ActionCancel, ActionMerge:
		return Action(s)
	}
	return ActionOther
}

// Status of a confirmation request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusExpired  Status = "expired"
)

// Request is a pending or approved confirmation. It carries only the digest
// of the parameters it covers, never the parameters themselves.
type Request struct {
	RequestID          string `json:"request_id"`
	Action             Action `json:"action"`
	Tool               string `json:"tool"`
	ActionParamsDigest string `json:"action_params_digest"`
	DigestAlg          string `json:"digest_alg"`
	Status             Status `json:"status"`
	RequestedAt        string `json:"requested_at"`
	ExpiresAt          string `json:"expires_at"`
	ApprovedBy         string `json:"approved_by,omitempty"`
	ApprovedAt         string `json:"approved_at,omitempty"`
}

// NonceRecord is the persistable fact that a nonce was issued. The secret
// nonce string itself is never stored.
type NonceRecord struct {
	RequestID string `json:"request_id"`
	NonceID   string `json:"nonce_id"`
	IssuedAt  string `json:"issued_at"`
	ExpiresAt string `json:"expires_at"`
}

// IssuedNonce is the one-time response handed to the runner.
type IssuedNonce struct {
	RequestID          string `json:"request_id"`
	NonceID            string `json:"nonce_id"`
	ConfirmNonce       string `json:"confirm_nonce"`
	ActionParamsDigest string `json:"action_params_digest"`
	DigestAlg          string `json:"digest_alg"`
	IssuedAt           string `json:"issued_at"`
	ExpiresAt          string `json:"expires_at"`
}

// ConsumeResult reports a request finalized without nonce round-trip.
type ConsumeResult struct {
	RequestID string `json:"request_id"`
	NonceID   string `json:"nonce_id"`
}

// Expiry pairs an expired request with its issued nonce id, if any.
type Expiry struct {
	Request Request
	NonceID string
}

// Snapshot is the on-disk shape of the store.
type Snapshot struct {
	Pending          []Request     `json:"pending"`
	Issued           []NonceRecord `json:"issued"`
	ConsumedNonceIDs []string      `json:"consumed_nonce_ids"`
}

// Options configures a Store.
type Options struct {
	RunID      string
	ExpiresIn  time.Duration
	MaxPending int
	Now        func() time.Time
	Seed       *Snapshot
	// Secret signs nonces. Generated when nil; since it is never persisted,
	// a restart invalidates any nonce issued by the previous process.
	Secret []byte
}

// Store holds the pending-confirmation set and nonce bookkeeping.
type Store struct {
	runID      string
	now        func() time.Time
	expiresIn  time.Duration
	maxPending int
	secret     []byte

	pending         map[string]*Request
	digestIndex     map[string]string
	issued          map[string]NonceRecord
	issuedByRequest map[string]string
	consumed        map[string]struct{}
}

func NewStore(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	secret := opts.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic("confirm: cannot read random secret: " + err.Error())
		}
	}
	s := &Store{
		runID:           opts.RunID,
		now:             now,
		expiresIn:       opts.ExpiresIn,
		maxPending:      opts.MaxPending,
		secret:          secret,
		pending:         map[string]*Request{},
		digestIndex:     map[string]string{},
		issued:          map[string]NonceRecord{},
		issuedByRequest: map[string]string{},
		consumed:        map[string]struct{}{},
	}
	if opts.Seed != nil {
		for i := range opts.Seed.Pending {
			entry := opts.Seed.Pending[i]
			s.pending[entry.RequestID] = &entry
			s.digestIndex[entry.ActionParamsDigest] = entry.RequestID
		}
		for _, record := range opts.Seed.Issued {
			s.issued[record.NonceID] = record
			s.issuedByRequest[record.RequestID] = record.NonceID
		}
		for _, nonceID := range opts.Seed.ConsumedNonceIDs {
			s.consumed[nonceID] = struct{}{}
		}
	}
	return s
}

// Create registers a confirmation request. Two calls with the same
// (action, tool, params) digest while one is pending return the same
// request; the bool result reports whether a new entry was created.
func (s *Store) Create(action Action, tool string, params map[string]any) (Request, bool, error) {
	digest, err := ActionParamsDigest(tool, params)
	if err != nil {
		return Request{}, false, err
	}
	if existingID, ok := s.digestIndex[digest]; ok {
		if existing, ok := s.pending[existingID]; ok {
			return *existing, false, nil
		}
		delete(s.digestIndex, digest)
	}

	if s.maxPending > 0 && len(s.pending) >= s.maxPending {
		return Request{}, false, ErrPendingLimit
	}

	now := s.now().UTC()
	request := &Request{
		RequestID:          "req-" + uuid.NewString(),
		Action:             action,
		Tool:               tool,
		ActionParamsDigest: digest,
		DigestAlg:          DigestAlg,
		Status:             StatusPending,
		RequestedAt:        now.Format(time.RFC3339Nano),
		ExpiresAt:          now.Add(s.expiresIn).Format(time.RFC3339Nano),
	}
	s.pending[request.RequestID] = request
	s.digestIndex[digest] = request.RequestID
	return *request, true, nil
}

// Approve marks a pending request approved. Approving an already-approved
// request refreshes the actor and is not an error; unknown ids (including
// swept-out expired ones) fail with ErrNotFound.
func (s *Store) Approve(requestID, actor string) error {
	entry, ok := s.pending[requestID]
	if !ok {
		return ErrNotFound
	}
	entry.Status = StatusApproved
	entry.ApprovedBy = actor
	entry.ApprovedAt = s.now().UTC().Format(time.RFC3339Nano)
	return nil
}

// Issue mints (or re-returns) the nonce for an approved request.
func (s *Store) Issue(requestID string) (IssuedNonce, error) {
	entry, ok := s.pending[requestID]
	if !ok {
		return IssuedNonce{}, ErrNotFound
	}
	if entry.Status != StatusApproved {
		return IssuedNonce{}, ErrNotApproved
	}

	if nonceID, ok := s.issuedByRequest[requestID]; ok {
		return s.buildNonce(*entry, s.issued[nonceID])
	}

	record := NonceRecord{
		RequestID: requestID,
		NonceID:   "nonce-" + uuid.NewString(),
		IssuedAt:  s.now().UTC().Format(time.RFC3339Nano),
		ExpiresAt: entry.ExpiresAt,
	}
	s.issued[record.NonceID] = record
	s.issuedByRequest[requestID] = record.NonceID
	return s.buildNonce(*entry, record)
}

// ValidateNonce checks a runner-supplied nonce against the supplied tool and
// params, consuming it on success. Every integrity failure reports the same
// ErrInvalid so a caller cannot probe which binding mismatched.
func (s *Store) ValidateNonce(confirmNonce, tool string, params map[string]any) (Request, string, error) {
	payload, ok := decodeNonce(confirmNonce, s.secret)
	if !ok || payload.V != nonceVersion || payload.RunID != s.runID {
		return Request{}, "", ErrInvalid
	}
	if _, consumed := s.consumed[payload.NonceID]; consumed {
		return Request{}, "", ErrNonceConsumed
	}
	record, ok := s.issued[payload.NonceID]
	if !ok || record.RequestID != payload.RequestID {
		return Request{}, "", ErrInvalid
	}
	entry, ok := s.pending[payload.RequestID]
	if !ok {
		return Request{}, "", ErrNotFound
	}
	if entry.Status != StatusApproved {
		return Request{}, "", ErrNotApproved
	}

	expectedDigest, err := ActionParamsDigest(tool, params)
	if err != nil {
		return Request{}, "", err
	}
	if subtle.ConstantTimeCompare([]byte(payload.ActionParamsDigest), []byte(expectedDigest)) != 1 {
		return Request{}, "", ErrInvalid
	}
	if payload.Action != string(entry.Action) {
		return Request{}, "", ErrInvalid
	}
	if expiresAt, perr := time.Parse(time.RFC3339Nano, payload.ExpiresAt); perr == nil {
		if !expiresAt.After(s.now()) {
			return Request{}, "", ErrExpired
		}
	}

	consumed := *entry
	s.remove(payload.RequestID, entry.ActionParamsDigest, payload.NonceID)
	s.consumed[payload.NonceID] = struct{}{}
	return consumed, payload.NonceID, nil
}

// Consume finalizes an approved request without a nonce round-trip,
// returning the consumption facts. Used when the approving actor applies
// the unlocked action in the same breath.
func (s *Store) Consume(requestID string) (ConsumeResult, error) {
	entry, ok := s.pending[requestID]
	if !ok {
		return ConsumeResult{}, ErrNotFound
	}
	if entry.Status != StatusApproved {
		return ConsumeResult{}, ErrNotApproved
	}

	nonceID, ok := s.issuedByRequest[requestID]
	if !ok {
		nonceID = "nonce-" + uuid.NewString()
	}
	s.remove(requestID, entry.ActionParamsDigest, nonceID)
	s.consumed[nonceID] = struct{}{}
	return ConsumeResult{RequestID: requestID, NonceID: nonceID}, nil
}

// Expire sweeps entries past their expiry and returns them so the caller
// can persist and emit lifecycle events.
func (s *Store) Expire() []Expiry {
	now := s.now()
	var expired []Expiry
	for requestID, entry := range s.pending {
		expiresAt, err := time.Parse(time.RFC3339Nano, entry.ExpiresAt)
		if err != nil || expiresAt.After(now) {
			continue
		}
		nonceID := s.issuedByRequest[requestID]
		s.remove(requestID, entry.ActionParamsDigest, nonceID)
		out := *entry
		out.Status = StatusExpired
		expired = append(expired, Expiry{Request: out, NonceID: nonceID})
	}
	return expired
}

// Get returns a copy of the request with the given id.
func (s *Store) Get(requestID string) (Request, bool) {
	entry, ok := s.pending[requestID]
	if !ok {
		return Request{}, false
	}
	return *entry, true
}

// ListPending returns copies of all live (pending or approved) requests.
func (s *Store) ListPending() []Request {
	out := make([]Request, 0, len(s.pending))
	for _, entry := range s.pending {
		out = append(out, *entry)
	}
	return out
}

// Snapshot returns the persistable store state.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		Pending:          s.ListPending(),
		Issued:           make([]NonceRecord, 0, len(s.issued)),
		ConsumedNonceIDs: make([]string, 0, len(s.consumed)),
	}
	for _, record := range s.issued {
		snap.Issued = append(snap.Issued, record)
	}
	for nonceID := range s.consumed {
		snap.ConsumedNonceIDs = append(snap.ConsumedNonceIDs, nonceID)
	}
	return snap
}

func (s *Store) remove(requestID, digest, nonceID string) {
	delete(s.pending, requestID)
	delete(s.digestIndex, digest)
	delete(s.issuedByRequest, requestID)
	if nonceID != "" {
		delete(s.issued, nonceID)
	}
}

func (s *Store) buildNonce(entry Request, record NonceRecord) (IssuedNonce, error) {
	confirmNonce, err := encodeNonce(noncePayload{
		V:                  nonceVersion,
		RunID:              s.runID,
		RequestID:          record.RequestID,
		NonceID:            record.NonceID,
		Action:             string(entry.Action),
		ActionParamsDigest: entry.ActionParamsDigest,
		IssuedAt:           record.IssuedAt,
		ExpiresAt:          record.ExpiresAt,
	}, s.secret)
	if err != nil {
		return IssuedNonce{}, err
	}
	return IssuedNonce{
		RequestID:          record.RequestID,
		NonceID:            record.NonceID,
		ConfirmNonce:       confirmNonce,
		ActionParamsDigest: entry.ActionParamsDigest,
		DigestAlg:          DigestAlg,
		IssuedAt:           record.IssuedAt,
		ExpiresAt:          record.ExpiresAt,
	}, nil
}
