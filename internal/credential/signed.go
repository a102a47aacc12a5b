package credential

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Claims is the CBOR payload of a signed bridge credential.
type Claims struct {
	Subject   string `cbor:"1,keyasint"`
	SessionID string `cbor:"2,keyasint,omitempty"`
	IssuedAt  int64  `cbor:"3,keyasint"`
	ExpiresAt int64  `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("credential: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels: 4,
		MaxMapPairs:     16,
	}.DecMode()
	if err != nil {
		panic("credential: CBOR decoder initialization failed: " + err.Error())
	}
}

var b64 = base64.RawURLEncoding

// Mint signs claims and returns the wire form
// base64url(cbor(claims)) "." base64url(signature).
func Mint(key ed25519.PrivateKey, claims Claims) (string, error) {
	payload, err := encMode.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("credential: encoding claims: %w", err)
	}
	sig := ed25519.Sign(key, payload)
	return b64.EncodeToString(payload) + "." + b64.EncodeToString(sig), nil
}

// SignedVerifier accepts credentials minted by the holder of the private
// key matching PublicKey.
type SignedVerifier struct {
	PublicKey ed25519.PublicKey
	Now       func() time.Time
}

func NewSignedVerifier(pub ed25519.PublicKey) *SignedVerifier {
	return &SignedVerifier{PublicKey: pub, Now: time.Now}
}

// Verify checks the signature and expiry and returns the claims.
func (v *SignedVerifier) Verify(raw string) (Claims, error) {
	payload, sig, err := split(raw)
	if err != nil {
		return Claims{}, err
	}
	if len(v.PublicKey) != ed25519.PublicKeySize || !ed25519.Verify(v.PublicKey, payload, sig) {
		return Claims{}, ErrInvalidSignature
	}
	claims, err := decodeClaims(payload)
	if err != nil {
		return Claims{}, err
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if claims.ExpiresAt > 0 && now().Unix() >= claims.ExpiresAt {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

func (v *SignedVerifier) VerifyCredential(_ context.Context, raw string) (Identity, bool) {
	claims, err := v.Verify(raw)
	if err != nil {
		return Identity{}, false
	}
	return Identity{Subject: claims.Subject, SessionID: claims.SessionID}, true
}

// DecodeCredentialExpiry reads the exp claim without checking the
// signature.
func (v *SignedVerifier) DecodeCredentialExpiry(raw string) (time.Time, bool) {
	payload, _, err := split(raw)
	if err != nil {
		return time.Time{}, false
	}
	claims, err := decodeClaims(payload)
	if err != nil || claims.ExpiresAt <= 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.ExpiresAt, 0), true
}

func split(raw string) (payload, sig []byte, err error) {
	p, s, ok := strings.Cut(raw, ".")
	if !ok || p == "" || s == "" {
		return nil, nil, ErrMalformed
	}
	if payload, err = b64.DecodeString(p); err != nil {
		return nil, nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if sig, err = b64.DecodeString(s); err != nil {
		return nil, nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, nil, ErrMalformed
	}
	return payload, sig, nil
}

func decodeClaims(payload []byte) (Claims, error) {
	var c Claims
	if err := decMode.Unmarshal(payload, &c); err != nil {
		return Claims{}, fmt.Errorf("%w: claims: %v", ErrMalformed, err)
	}
	if c.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrMalformed)
	}
	return c, nil
}
