package policy

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/toolbridge/internal/security"
)

// Policy decides which upgrade requests count as secure transports.
type Policy struct {
	// AllowInsecure admits plaintext transports. It is ignored in production.
	AllowInsecure bool
	// TrustedProxies are CIDRs or bare addresses whose X-Forwarded-Proto and
	// X-Forwarded-For headers are believed.
	TrustedProxies []string
	Production     bool

	prefixes []netip.Prefix
}

// New builds a policy from explicit values.
func New(allowInsecure, production bool, trustedProxies []string) (Policy, error) {
	p := Policy{AllowInsecure: allowInsecure, Production: production, TrustedProxies: trustedProxies}
	if err := p.compile(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p *Policy) compile() error {
	p.prefixes = nil
	for _, raw := range p.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			p.prefixes = append(p.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		p.prefixes = append(p.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return nil
}

func (p Policy) trusted(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// IsSecure admits direct TLS, TLS terminated by a trusted proxy, and
// plaintext only when insecure transport is allowed outside production.
func (p Policy) IsSecure(meta security.RequestMetadata) bool {
	if meta.TLS {
		return true
	}
	if strings.EqualFold(meta.ForwardedProto, "https") && p.trusted(meta.RemoteHost()) {
		return true
	}
	return p.AllowInsecure && !p.Production
}

// ClientAddress resolves the peer address. Behind a trusted proxy it is the
// right-most X-Forwarded-For entry that is not itself a trusted proxy.
func (p Policy) ClientAddress(meta security.RequestMetadata) string {
	remote := meta.RemoteHost()
	if meta.ForwardedFor == "" || !p.trusted(remote) {
		return remote
	}
	hops := strings.Split(meta.ForwardedFor, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			return remote
		}
		if !p.trusted(hop) {
			return addr.Unmap().String()
		}
	}
	return remote
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy with thread-safe replacement.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) IsSecure(meta security.RequestMetadata) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.IsSecure(meta)
}

func (lp *LivePolicy) ClientAddress(meta security.RequestMetadata) string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.ClientAddress(meta)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.TrustedProxies = append([]string(nil), lp.data.TrustedProxies...)
	cp.prefixes = append([]netip.Prefix(nil), lp.data.prefixes...)
	return cp
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, v := range p.TrustedProxies {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	if p.AllowInsecure {
		_, _ = h.Write([]byte("allow_insecure=true|"))
	}
	if p.Production {
		_, _ = h.Write([]byte("production=true|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
