package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	DefaultChallengeTTL = 30 * time.Second
	DefaultMaxAttempts  = 3
	nonceSize           = 32
)

// Challenge is an outstanding proof-of-possession request for an identity.
type Challenge struct {
	Identity          string
	Nonce             string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	AttemptsRemaining int
}

// FailureReason distinguishes challenge failures for the audit trail.
type FailureReason string

const (
	ReasonNone              FailureReason = ""
	ReasonNoChallenge       FailureReason = "no_challenge"
	ReasonExpired           FailureReason = "challenge_expired"
	ReasonInvalidResponse   FailureReason = "invalid_response"
	ReasonAttemptsExhausted FailureReason = "attempts_exhausted"
)

// Terminal reports whether the challenge can no longer be answered.
func (r FailureReason) Terminal() bool {
	return r != ReasonNone && r != ReasonInvalidResponse
}

// Severity maps a failure reason to its audit severity.
func (r FailureReason) Severity() Severity {
	switch r {
	case ReasonNone:
		return SeverityInfo
	case ReasonAttemptsExhausted:
		return SeverityError
	default:
		return SeverityWarn
	}
}

// VerifyResult is the outcome of ChallengeStore.Verify.
type VerifyResult struct {
	Valid             bool
	Reason            FailureReason
	AttemptsRemaining int
}

// ChallengeOptions configures a ChallengeStore. Zero values use defaults.
type ChallengeOptions struct {
	TTL         time.Duration
	MaxAttempts int
	Now         func() time.Time
	Rand        io.Reader
}

// ChallengeStore keeps at most one challenge per identity.
type ChallengeStore struct {
	mu          sync.Mutex
	challenges  map[string]*Challenge
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	rand        io.Reader
}

func NewChallengeStore(opts ChallengeOptions) *ChallengeStore {
	if opts.TTL <= 0 {
		opts.TTL = DefaultChallengeTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &ChallengeStore{
		challenges:  make(map[string]*Challenge),
		ttl:         opts.TTL,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		rand:        opts.Rand,
	}
}

// TTL returns the lifetime of issued challenges.
func (s *ChallengeStore) TTL() time.Duration { return s.ttl }

// Issue creates a fresh challenge for identity, discarding any prior one.
func (s *ChallengeStore) Issue(identity string) (Challenge, error) {
	buf := make([]byte, nonceSize)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return Challenge{}, fmt.Errorf("generate challenge nonce: %w", err)
	}
	now := s.now()
	c := &Challenge{
		Identity:          identity,
		Nonce:             hex.EncodeToString(buf),
		IssuedAt:          now,
		ExpiresAt:         now.Add(s.ttl),
		AttemptsRemaining: s.maxAttempts,
	}
	s.mu.Lock()
	s.challenges[identity] = c
	s.mu.Unlock()
	return *c, nil
}

// Verify checks response against the outstanding challenge for identity,
// provided that challenge still carries nonce. A correct response consumes
// the challenge. A wrong one costs an attempt; the last wrong attempt and
// any answer after expiry delete the challenge. A nonce that was replaced
// by a later Issue reports ReasonNoChallenge and spends nothing.
func (s *ChallengeStore) Verify(identity, nonce, response, binding string) VerifyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[identity]
	if !ok || c.Nonce != nonce {
		return VerifyResult{Reason: ReasonNoChallenge}
	}
	if !s.now().Before(c.ExpiresAt) {
		delete(s.challenges, identity)
		return VerifyResult{Reason: ReasonExpired}
	}

	expected := ComputeChallengeResponse(c.Nonce, identity, binding)
	given := strings.ToLower(strings.TrimSpace(response))
	if hmac.Equal([]byte(expected), []byte(given)) {
		delete(s.challenges, identity)
		return VerifyResult{Valid: true, AttemptsRemaining: c.AttemptsRemaining}
	}

	c.AttemptsRemaining--
	if c.AttemptsRemaining <= 0 {
		delete(s.challenges, identity)
		return VerifyResult{Reason: ReasonAttemptsExhausted}
	}
	return VerifyResult{Reason: ReasonInvalidResponse, AttemptsRemaining: c.AttemptsRemaining}
}

// Pending returns the outstanding challenge for identity, if any.
func (s *ChallengeStore) Pending(identity string) (Challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[identity]
	if !ok {
		return Challenge{}, false
	}
	return *c, true
}

// Invalidate removes the challenge for identity if it still carries nonce.
// A connection that was superseded cannot discard its successor's challenge.
func (s *ChallengeStore) Invalidate(identity, nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.challenges[identity]; ok && c.Nonce == nonce {
		delete(s.challenges, identity)
	}
}

// PruneExpired drops expired challenges and returns how many were removed.
func (s *ChallengeStore) PruneExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, c := range s.challenges {
		if !now.Before(c.ExpiresAt) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of outstanding challenges.
func (s *ChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

// ComputeChallengeResponse returns the response a client holding binding
// must send for nonce: hex(HMAC-SHA256(binding, nonce ":" identity)).
func ComputeChallengeResponse(nonce, identity, binding string) string {
	mac := hmac.New(sha256.New, []byte(binding))
	mac.Write([]byte(nonce))
	mac.Write([]byte{':'})
	mac.Write([]byte(identity))
	return hex.EncodeToString(mac.Sum(nil))
}
