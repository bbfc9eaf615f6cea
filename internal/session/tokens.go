// Package session issues short-lived bearer tokens to loopback UI callers.
// The store is memory-only on purpose: a restart revokes every session and
// forces a fresh bootstrap, which is the safe default for a local service.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// Token is an issued session credential.
type Token struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Options configures a Store.
type Options struct {
	TTL time.Duration
	Now func() time.Time
}

// Store holds live session tokens. Expired entries are pruned lazily on
// every issue and validate call. Callers serialize access.
type Store struct {
	ttl    time.Duration
	now    func() time.Time
	tokens map[string]Token
}

func NewStore(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Store{ttl: ttl, now: now, tokens: map[string]Token{}}
}

// Issue mints a new session token.
func (s *Store) Issue() Token {
	s.prune()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("session: cannot read random token: " + err.Error())
	}
	issuedAt := s.now()
	token := Token{
		Token:     "sess-" + hex.EncodeToString(raw),
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(s.ttl),
	}
	s.tokens[token.Token] = token
	return token
}

// Validate reports whether the presented value matches a live session.
func (s *Store) Validate(presented string) bool {
	s.prune()
	for value, token := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(value), []byte(presented)) == 1 {
			return token.ExpiresAt.After(s.now())
		}
	}
	return false
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.prune()
	return len(s.tokens)
}

func (s *Store) prune() {
	now := s.now()
	for value, token := range s.tokens {
		if !token.ExpiresAt.After(now) {
			delete(s.tokens, value)
		}
	}
}
