package session

import (
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	store := NewStore(Options{TTL: time.Hour, Now: func() time.Time { return now }})

	token := store.Issue()
	if token.ExpiresAt.Sub(token.IssuedAt) != time.Hour {
		t.Fatalf("ttl %v", token.ExpiresAt.Sub(token.IssuedAt))
	}
	if !store.Validate(token.Token) {
		t.Fatal("freshly issued token rejected")
	}
	if store.Validate("sess-0000") {
		t.Fatal("unknown token accepted")
	}
}

func TestValidatePrunesExpiredTokens(t *testing.T) {
	now := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	store := NewStore(Options{TTL: time.Hour, Now: func() time.Time { return now }})

	stale := store.Issue()
	now = now.Add(2 * time.Hour)
	fresh := store.Issue()

	if store.Validate(stale.Token) {
		t.Fatal("expired token accepted")
	}
	if !store.Validate(fresh.Token) {
		t.Fatal("live token rejected")
	}
	if store.Len() != 1 {
		t.Fatalf("expired token not pruned, %d live", store.Len())
	}
}
