package bridge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/toolbridge/internal/bridge"
	"github.com/basket/toolbridge/internal/persistence"
)

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUpgradeRequired(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := get(t, h.srv.Handler(), bridge.DefaultPath, aliceToken)

	if rec.Code != http.StatusUpgradeRequired {
		t.Fatalf("expected 426, got %d", rec.Code)
	}
	hdr := rec.Header()
	if hdr.Get("Upgrade") != "websocket" || hdr.Get("Connection") != "Upgrade" {
		t.Fatalf("missing upgrade headers: %v", hdr)
	}
	if hdr.Get("X-Content-Type-Options") != "nosniff" || hdr.Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing security headers: %v", hdr)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "upgrade_required" {
		t.Fatalf("unexpected body %v", body)
	}
	if h.challenges.Len() != 0 || h.registry.Count() != 0 {
		t.Fatal("plain HTTP must not reach the handshake")
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := get(t, h.srv.Handler(), "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["healthy"] != true || body["db_ok"] != true {
		t.Fatalf("unexpected health %v", body)
	}
	if body["config_fingerprint"] != "cfg-test" {
		t.Fatalf("config_fingerprint = %v", body["config_fingerprint"])
	}
	if v, _ := body["policy_version"].(string); !strings.HasPrefix(v, "policy-") {
		t.Fatalf("policy_version = %v", body["policy_version"])
	}
	if body["tool_sink"] != "in-process" {
		t.Fatalf("tool_sink = %v", body["tool_sink"])
	}
}

func TestHealthz_StoreDown(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_ = h.store.Close()
	rec := get(t, h.srv.Handler(), "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	paths := []string{"/metrics", "/metrics/prometheus", "/api/sessions", "/api/security/events"}

	disabled := newHarness(t, harnessOptions{})
	for _, p := range paths {
		if rec := get(t, disabled.srv.Handler(), p, "anything"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without admin token configured: expected 401, got %d", p, rec.Code)
		}
	}

	h := newHarness(t, harnessOptions{adminToken: "admin-secret"})
	for _, p := range paths {
		if rec := get(t, h.srv.Handler(), p, ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: expected 401, got %d", p, rec.Code)
		}
		if rec := get(t, h.srv.Handler(), p, "wrong"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s with wrong token: expected 401, got %d", p, rec.Code)
		}
		if rec := get(t, h.srv.Handler(), p, "admin-secret"); rec.Code != http.StatusOK {
			t.Fatalf("%s with token: expected 200, got %d", p, rec.Code)
		}
	}
}

func TestAPISecurityEvents(t *testing.T) {
	h := newHarness(t, harnessOptions{adminToken: "admin-secret"})
	ctx := context.Background()
	for _, ev := range []persistence.SecurityEvent{
		{Severity: "warn", Code: "credential_invalid", CreatedAt: time.Now()},
		{Severity: "critical", Code: "fingerprint_mismatch", Identity: "alice", CreatedAt: time.Now()},
	} {
		if err := h.store.InsertSecurityEvent(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	rec := get(t, h.srv.Handler(), "/api/security/events?severity=critical", "admin-secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Events []persistence.SecurityEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].Code != "fingerprint_mismatch" {
		t.Fatalf("unexpected events %+v", body.Events)
	}

	if rec := get(t, h.srv.Handler(), "/api/security/events?severity=loud", "admin-secret"); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown severity: expected 400, got %d", rec.Code)
	}
}

func TestAPISessionsIncludesLiveConnections(t *testing.T) {
	h := newHarness(t, harnessOptions{adminToken: "admin-secret"})
	c := h.dial(t, aliceToken, nil)
	handshake(t, c, "alice", aliceSession)

	rec := get(t, h.srv.Handler(), "/api/sessions?limit=5", "admin-secret")
	var body struct {
		Live []struct {
			Identity string `json:"identity"`
			Verified bool   `json:"verified"`
		} `json:"live"`
		Sessions []persistence.BridgeSession `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Live) != 1 || body.Live[0].Identity != "alice" || !body.Live[0].Verified {
		t.Fatalf("unexpected live view %+v", body.Live)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].Identity != "alice" {
		t.Fatalf("unexpected sessions %+v", body.Sessions)
	}
}

func TestPrometheusMetrics(t *testing.T) {
	h := newHarness(t, harnessOptions{adminToken: "admin-secret"})
	rec := get(t, h.srv.Handler(), "/metrics/prometheus", "admin-secret")
	body := rec.Body.String()
	for _, want := range []string{
		"toolbridge_active_connections 0",
		`toolbridge_security_events_total{severity="critical"} 0`,
		"toolbridge_bus_dropped_total 0",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestExtractCredential(t *testing.T) {
	cases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"bearer", "Bearer abc", "", "abc"},
		{"bearer case insensitive", "bearer abc", "", "abc"},
		{"header wins", "Bearer abc", "def", "abc"},
		{"query fallback", "", "def", "def"},
		{"basic ignored", "Basic abc", "", ""},
		{"none", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := bridge.DefaultPath
			if tc.query != "" {
				target += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if got := bridge.ExtractCredential(req); got != tc.want {
				t.Fatalf("ExtractCredential = %q, want %q", got, tc.want)
			}
		})
	}
}
