// Package credential provides the bearer credential collaborators the
// bridge consumes: verification to an identity and expiry decoding.
package credential

import (
	"context"
	"errors"
	"time"
)

// Identity is the principal a credential authenticates.
type Identity struct {
	Subject string
	// SessionID, when set, is the session binding the client proves during
	// the challenge. When empty the bridge derives one from the credential.
	SessionID string
}

// Verifier resolves raw bearer credentials. Expiry decoding is separate
// from verification and must not require a valid signature.
type Verifier interface {
	VerifyCredential(ctx context.Context, raw string) (Identity, bool)
	DecodeCredentialExpiry(raw string) (time.Time, bool)
}

var (
	ErrMalformed        = errors.New("credential: malformed token")
	ErrInvalidSignature = errors.New("credential: invalid signature")
	ErrExpired          = errors.New("credential: token has expired")
)

// Chain tries each verifier in order. The first that accepts a credential
// wins; expiry comes from the first verifier that can decode it.
type Chain []Verifier

func (c Chain) VerifyCredential(ctx context.Context, raw string) (Identity, bool) {
	for _, v := range c {
		if id, ok := v.VerifyCredential(ctx, raw); ok {
			return id, true
		}
	}
	return Identity{}, false
}

func (c Chain) DecodeCredentialExpiry(raw string) (time.Time, bool) {
	for _, v := range c {
		if exp, ok := v.DecodeCredentialExpiry(raw); ok {
			return exp, true
		}
	}
	return time.Time{}, false
}
