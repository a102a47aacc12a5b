package config_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/toolbridge/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	if body != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	t.Setenv("TOOLBRIDGE_HOME", home)
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := writeConfig(t, "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.BindAddr != "127.0.0.1:18790" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults: bind=%q log=%q", cfg.BindAddr, cfg.LogLevel)
	}
	if !cfg.IsProduction() {
		t.Fatal("default environment must be production")
	}
	if cfg.Bridge.ChallengeTTL() != 30*time.Second || cfg.Bridge.MaxChallengeAttempts != 3 {
		t.Fatalf("unexpected challenge defaults: %+v", cfg.Bridge)
	}
	if cfg.Bridge.StaleAfter() != 5*time.Minute || cfg.Bridge.SweepInterval() != time.Minute {
		t.Fatalf("unexpected registry defaults: %+v", cfg.Bridge)
	}
	if cfg.Bridge.DefaultSessionTTL() != 24*time.Hour {
		t.Fatalf("unexpected session ttl: %v", cfg.Bridge.DefaultSessionTTL())
	}
	if cfg.ToolSink.Kind != "bus" || cfg.Bridge.Path != "/bridge" {
		t.Fatalf("unexpected sink/path: %+v %q", cfg.ToolSink, cfg.Bridge.Path)
	}
}

func TestLoad_FromToolbridgeHome(t *testing.T) {
	writeConfig(t, `
bind_addr: 0.0.0.0:9443
environment: development
allow_insecure_transport: true
trusted_proxies: ["10.0.0.0/8"]
bridge:
  path: agent
  challenge_ttl_seconds: 10
credentials:
  - token: tok-alice
    identity: alice
    expires_at: "2026-06-01T00:00:00Z"
  - token: tok-bob
    identity: bob
`)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9443" || cfg.IsProduction() || !cfg.AllowInsecureTransport {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Bridge.Path != "/agent" || cfg.Bridge.ChallengeTTLSeconds != 10 {
		t.Fatalf("unexpected bridge config: %+v", cfg.Bridge)
	}
	entries, err := cfg.StaticCredentials()
	if err != nil {
		t.Fatalf("static credentials: %v", err)
	}
	if len(entries) != 2 || entries[0].Subject != "alice" || entries[0].ExpiresAt.IsZero() || !entries[1].ExpiresAt.IsZero() {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	writeConfig(t, "bind_addr: 127.0.0.1:1\n")
	t.Setenv("TOOLBRIDGE_BIND_ADDR", "127.0.0.1:2")
	t.Setenv("TOOLBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("TOOLBRIDGE_ENV", "dev")
	t.Setenv("TOOLBRIDGE_ADMIN_TOKEN", "admin-secret")
	t.Setenv("TOOLBRIDGE_NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:2" || cfg.LogLevel != "debug" || cfg.Environment != config.EnvDevelopment {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.AdminToken != "admin-secret" || cfg.ToolSink.Kind != "nats" || cfg.ToolSink.NATSURL != "nats://127.0.0.1:4222" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_UnknownEnvironmentIsProduction(t *testing.T) {
	writeConfig(t, "environment: staging\n")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatal("unknown environments must be treated as production")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"bad yaml":          "bind_addr: [\n",
		"unknown sink":      "tool_sink:\n  kind: kafka\n",
		"nats without url":  "tool_sink:\n  kind: nats\n",
		"half tls":          "tls:\n  cert_file: /tmp/cert.pem\n",
		"bad expiry":        "credentials:\n  - token: t\n    identity: a\n    expires_at: tomorrow\n",
		"bad signing key":   "credential_public_key: not-base64!!\n",
		"short signing key": "credential_public_key: " + base64.StdEncoding.EncodeToString([]byte("short")) + "\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			writeConfig(t, body)
			if _, err := config.Load(); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestSigningKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	writeConfig(t, "credential_public_key: "+base64.StdEncoding.EncodeToString(pub)+"\n")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	key, err := cfg.SigningKey()
	if err != nil || !key.Equal(pub) {
		t.Fatalf("unexpected key: %v err=%v", key, err)
	}
}

func TestFingerprint_ChangesWithConfig(t *testing.T) {
	writeConfig(t, "")
	a, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b := a
	b.Environment = config.EnvDevelopment
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected fingerprint to change")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %q", a.Fingerprint())
	}
	c := a
	c.AdminToken = "rotated"
	if a.Fingerprint() != c.Fingerprint() {
		t.Fatal("secrets must not affect the fingerprint")
	}
}
