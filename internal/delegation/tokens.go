// Package delegation scopes a child run's right to act against its parent's
// control service. Only sha256 hashes of tokens are retained, so neither
// the persisted store nor a snapshot can yield a usable credential.
package delegation

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// Record is one delegated parent/child binding, as persisted in
// delegation_tokens.json.
type Record struct {
	TokenID     string `json:"token_id"`
	TokenHash   string `json:"token_hash"`
	ParentRunID string `json:"parent_run_id"`
	ChildRunID  string `json:"child_run_id"`
	CreatedAt   string `json:"created_at"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// Options configures a Store.
type Options struct {
	Now  func() time.Time
	Seed []Record
}

// Store holds delegation token records. Callers serialize access.
type Store struct {
	now     func() time.Time
	records map[string]Record
	order   []string
}

func NewStore(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{now: now, records: map[string]Record{}}
	for _, record := range opts.Seed {
		if _, ok := s.records[record.TokenID]; !ok {
			s.order = append(s.order, record.TokenID)
		}
		s.records[record.TokenID] = record
	}
	return s
}

// Issue mints a fresh random token for the given parent/child pair and
// returns the only copy of the secret alongside the stored record.
func (s *Store) Issue(parentRunID, childRunID string) (string, Record) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("delegation: cannot read random token: " + err.Error())
	}
	token := hex.EncodeToString(raw)
	return token, s.Register(token, parentRunID, childRunID)
}

// Register stores the hash of an externally supplied token.
func (s *Store) Register(token, parentRunID, childRunID string) Record {
	id := make([]byte, 8)
	if _, err := rand.Read(id); err != nil {
		panic("delegation: cannot read random id: " + err.Error())
	}
	record := Record{
		TokenID:     "dlt-" + hex.EncodeToString(id),
		TokenHash:   HashToken(token),
		ParentRunID: parentRunID,
		ChildRunID:  childRunID,
		CreatedAt:   s.now().UTC().Format(time.RFC3339Nano),
	}
	s.records[record.TokenID] = record
	s.order = append(s.order, record.TokenID)
	return record
}

// Validate requires token, parent, and child to match one record exactly.
// The hash comparison is constant time; parent/child are not secrets.
func (s *Store) Validate(token, parentRunID, childRunID string) (Record, bool) {
	tokenHash := HashToken(token)
	for _, id := range s.order {
		record, ok := s.records[id]
		if !ok || record.ParentRunID != parentRunID || record.ChildRunID != childRunID {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(record.TokenHash), []byte(tokenHash)) == 1 {
			return record, true
		}
	}
	return Record{}, false
}

// List returns all records in registration order.
func (s *Store) List() []Record {
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		if record, ok := s.records[id]; ok {
			out = append(out, record)
		}
	}
	return out
}

// HashToken returns the lowercase sha256 hex of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
