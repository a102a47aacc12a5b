package security

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

const fingerprintDomain = "toolbridge.fingerprint.v1"

// Fingerprint is a hex BLAKE3 digest of the peer address and client agent.
// It is compared for equality only.
type Fingerprint string

// ComputeFingerprint hashes the stable connection attributes of meta.
func ComputeFingerprint(meta RequestMetadata) Fingerprint {
	h := blake3.New()
	_, _ = h.Write([]byte(fingerprintDomain))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(meta.Client()))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(meta.UserAgent))
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// Equal compares two fingerprints in constant time.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if f == "" || other == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(f), []byte(other)) == 1
}
