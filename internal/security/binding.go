package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const bindingInfo = "toolbridge.session-binding.v1"

// DeriveSessionBinding derives the per-session value a client proves
// possession of during the challenge. The client holds the raw credential
// and computes the same value locally; it never crosses the wire.
func DeriveSessionBinding(rawCredential, identity string) (string, error) {
	if rawCredential == "" {
		return "", fmt.Errorf("derive session binding: empty credential")
	}
	r := hkdf.New(sha256.New, []byte(rawCredential), []byte(identity), []byte(bindingInfo))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("derive session binding: %w", err)
	}
	return hex.EncodeToString(out), nil
}
