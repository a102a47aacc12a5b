package policy_test

import (
	"testing"

	"github.com/basket/toolbridge/internal/policy"
	"github.com/basket/toolbridge/internal/security"
)

func mustPolicy(t *testing.T, allowInsecure, production bool, proxies ...string) policy.Policy {
	t.Helper()
	p, err := policy.New(allowInsecure, production, proxies)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	return p
}

func TestIsSecure_DirectTLS(t *testing.T) {
	p := mustPolicy(t, false, true)
	if !p.IsSecure(security.RequestMetadata{RemoteAddr: "198.51.100.1:443", TLS: true}) {
		t.Fatal("expected TLS accepted")
	}
	if p.IsSecure(security.RequestMetadata{RemoteAddr: "198.51.100.1:80"}) {
		t.Fatal("expected plaintext rejected in production")
	}
}

func TestIsSecure_InsecureOnlyOutsideProduction(t *testing.T) {
	plain := security.RequestMetadata{RemoteAddr: "127.0.0.1:5000"}
	if mustPolicy(t, true, true).IsSecure(plain) {
		t.Fatal("allow_insecure must be ignored in production")
	}
	if !mustPolicy(t, true, false).IsSecure(plain) {
		t.Fatal("allow_insecure must admit plaintext in development")
	}
	if mustPolicy(t, false, false).IsSecure(plain) {
		t.Fatal("development without allow_insecure must still reject plaintext")
	}
}

func TestIsSecure_ForwardedProtoFromTrustedProxyOnly(t *testing.T) {
	p := mustPolicy(t, false, true, "10.0.0.0/8", "192.0.2.10")
	viaProxy := security.RequestMetadata{RemoteAddr: "10.1.2.3:4000", ForwardedProto: "https"}
	viaBareProxy := security.RequestMetadata{RemoteAddr: "192.0.2.10:4000", ForwardedProto: "HTTPS"}
	spoofed := security.RequestMetadata{RemoteAddr: "203.0.113.5:4000", ForwardedProto: "https"}

	if !p.IsSecure(viaProxy) || !p.IsSecure(viaBareProxy) {
		t.Fatal("expected TLS terminated at trusted proxy accepted")
	}
	if p.IsSecure(spoofed) {
		t.Fatal("forwarded proto from untrusted peer must be ignored")
	}
}

func TestClientAddress(t *testing.T) {
	p := mustPolicy(t, false, true, "10.0.0.0/8")
	cases := []struct {
		name string
		meta security.RequestMetadata
		want string
	}{
		{"direct", security.RequestMetadata{RemoteAddr: "203.0.113.5:1"}, "203.0.113.5"},
		{"untrusted forwarder", security.RequestMetadata{RemoteAddr: "203.0.113.5:1", ForwardedFor: "1.1.1.1"}, "203.0.113.5"},
		{"trusted single hop", security.RequestMetadata{RemoteAddr: "10.0.0.2:1", ForwardedFor: "198.51.100.7"}, "198.51.100.7"},
		{"trusted chain", security.RequestMetadata{RemoteAddr: "10.0.0.2:1", ForwardedFor: "6.6.6.6, 198.51.100.7, 10.0.0.9"}, "198.51.100.7"},
		{"garbage hop", security.RequestMetadata{RemoteAddr: "10.0.0.2:1", ForwardedFor: "not-an-ip"}, "10.0.0.2"},
	}
	for _, tc := range cases {
		if got := p.ClientAddress(tc.meta); got != tc.want {
			t.Errorf("%s: ClientAddress = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestNew_RejectsInvalidProxy(t *testing.T) {
	if _, err := policy.New(false, true, []string{"10.0.0.0/33"}); err == nil {
		t.Fatal("expected invalid CIDR rejected")
	}
	if _, err := policy.New(false, true, []string{"proxy.internal"}); err == nil {
		t.Fatal("expected hostname rejected")
	}
}

func TestLivePolicy_Reload(t *testing.T) {
	live := policy.NewLivePolicy(mustPolicy(t, false, false))
	plain := security.RequestMetadata{RemoteAddr: "127.0.0.1:5000"}
	if live.IsSecure(plain) {
		t.Fatal("expected plaintext rejected before reload")
	}
	before := live.PolicyVersion()

	live.Reload(mustPolicy(t, true, false))
	if !live.IsSecure(plain) {
		t.Fatal("expected plaintext admitted after reload")
	}
	if live.PolicyVersion() == before {
		t.Fatal("expected policy version to change")
	}
	if snap := live.Snapshot(); !snap.AllowInsecure {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestLivePolicy_ImplementsTransportPolicy(t *testing.T) {
	var _ security.TransportPolicy = policy.NewLivePolicy(policy.Policy{})
	var _ security.TransportPolicy = policy.Policy{}
}
