package credential

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"
)

// Entry is one statically configured credential.
type Entry struct {
	Token     string
	Subject   string
	SessionID string
	ExpiresAt time.Time
}

// StaticVerifier checks credentials against a table that can be replaced
// at runtime when configuration reloads.
type StaticVerifier struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewStaticVerifier(entries []Entry) *StaticVerifier {
	v := &StaticVerifier{}
	v.Replace(entries)
	return v
}

// Replace swaps the credential table. Live connections are unaffected.
func (v *StaticVerifier) Replace(entries []Entry) {
	cp := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Token == "" || e.Subject == "" {
			continue
		}
		cp = append(cp, e)
	}
	v.mu.Lock()
	v.entries = cp
	v.mu.Unlock()
}

// Len returns the number of usable entries.
func (v *StaticVerifier) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

func (v *StaticVerifier) VerifyCredential(_ context.Context, raw string) (Identity, bool) {
	e, ok := v.lookup(raw)
	if !ok {
		return Identity{}, false
	}
	return Identity{Subject: e.Subject, SessionID: e.SessionID}, true
}

func (v *StaticVerifier) DecodeCredentialExpiry(raw string) (time.Time, bool) {
	e, ok := v.lookup(raw)
	if !ok || e.ExpiresAt.IsZero() {
		return time.Time{}, false
	}
	return e.ExpiresAt, true
}

// lookup compares every entry in constant time.
func (v *StaticVerifier) lookup(raw string) (Entry, bool) {
	if raw == "" {
		return Entry{}, false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	var found Entry
	matched := false
	for _, e := range v.entries {
		if subtle.ConstantTimeCompare([]byte(raw), []byte(e.Token)) == 1 && !matched {
			found = e
			matched = true
		}
	}
	return found, matched
}
