package security

import (
	"net"
	"net/http"
	"strings"
)

// RequestMetadata is the subset of the upgrade request the security checks
// depend on. It is captured once at connect time.
type RequestMetadata struct {
	RemoteAddr     string
	UserAgent      string
	TLS            bool
	ForwardedProto string
	ForwardedFor   string
	// ClientAddr is the resolved peer address. When empty the host part of
	// RemoteAddr is used.
	ClientAddr string
}

// MetadataFromRequest captures the transport attributes of r.
func MetadataFromRequest(r *http.Request) RequestMetadata {
	return RequestMetadata{
		RemoteAddr:     r.RemoteAddr,
		UserAgent:      r.UserAgent(),
		TLS:            r.TLS != nil,
		ForwardedProto: strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")),
		ForwardedFor:   strings.TrimSpace(r.Header.Get("X-Forwarded-For")),
	}
}

// RemoteHost returns the host part of RemoteAddr.
func (m RequestMetadata) RemoteHost() string {
	host, _, err := net.SplitHostPort(m.RemoteAddr)
	if err != nil {
		return m.RemoteAddr
	}
	return host
}

// Client returns the address used for fingerprinting and rate limiting.
func (m RequestMetadata) Client() string {
	if m.ClientAddr != "" {
		return m.ClientAddr
	}
	return m.RemoteHost()
}

// TransportPolicy decides whether a transport is acceptable and which peer
// address it represents. Implementations must be safe for concurrent use.
type TransportPolicy interface {
	IsSecure(RequestMetadata) bool
	ClientAddress(RequestMetadata) string
}

// ClassifyTransportSecurity reports whether meta may proceed to the
// handshake. A nil policy accepts only direct TLS.
func ClassifyTransportSecurity(meta RequestMetadata, policy TransportPolicy) bool {
	if policy == nil {
		return meta.TLS
	}
	return policy.IsSecure(meta)
}

// ResolveClient fills meta.ClientAddr from policy.
func ResolveClient(meta RequestMetadata, policy TransportPolicy) RequestMetadata {
	if policy != nil {
		meta.ClientAddr = policy.ClientAddress(meta)
	}
	return meta
}
