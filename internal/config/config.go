package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/toolbridge/internal/credential"
	"github.com/basket/toolbridge/internal/otel"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// CredentialConfig is one statically provisioned bridge credential.
type CredentialConfig struct {
	Token     string `yaml:"token"`
	Identity  string `yaml:"identity"`
	SessionID string `yaml:"session_id"`
	// ExpiresAt is RFC 3339. Empty means the credential carries no expiry
	// and sessions fall back to the default session TTL.
	ExpiresAt string `yaml:"expires_at"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether the server terminates TLS itself.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type BridgeConfig struct {
	Path                     string `yaml:"path"`
	ChallengeTTLSeconds      int    `yaml:"challenge_ttl_seconds"`
	MaxChallengeAttempts     int    `yaml:"max_challenge_attempts"`
	StaleAfterSeconds        int    `yaml:"stale_after_seconds"`
	SweepIntervalSeconds     int    `yaml:"sweep_interval_seconds"`
	DefaultSessionTTLMinutes int    `yaml:"default_session_ttl_minutes"`
}

func (b BridgeConfig) ChallengeTTL() time.Duration {
	return time.Duration(b.ChallengeTTLSeconds) * time.Second
}

func (b BridgeConfig) StaleAfter() time.Duration {
	return time.Duration(b.StaleAfterSeconds) * time.Second
}

func (b BridgeConfig) SweepInterval() time.Duration {
	return time.Duration(b.SweepIntervalSeconds) * time.Second
}

func (b BridgeConfig) DefaultSessionTTL() time.Duration {
	return time.Duration(b.DefaultSessionTTLMinutes) * time.Minute
}

// ToolSinkConfig selects where validated tool events are handed off.
type ToolSinkConfig struct {
	// Kind is "bus" (in-process) or "nats".
	Kind          string `yaml:"kind"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr    string `yaml:"bind_addr"`
	LogLevel    string `yaml:"log_level"`
	Environment string `yaml:"environment"`

	// AllowInsecureTransport admits plaintext upgrades outside production.
	AllowInsecureTransport bool     `yaml:"allow_insecure_transport"`
	TrustedProxies         []string `yaml:"trusted_proxies"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means same-host only.
	AllowOrigins []string `yaml:"allow_origins"`

	TLS       TLSConfig       `yaml:"tls"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	ToolSink  ToolSinkConfig  `yaml:"tool_sink"`
	Telemetry otel.Config     `yaml:"telemetry"`

	Credentials []CredentialConfig `yaml:"credentials"`
	// CredentialPublicKey is a base64 Ed25519 public key for signed credentials.
	CredentialPublicKey string `yaml:"credential_public_key"`

	// AdminToken guards /metrics and /api/sessions. Empty disables them.
	AdminToken string `yaml:"admin_token"`

	// Bounded drain timeout (seconds) on shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// Retention policy (days). 0 = keep forever.
	RetentionSecurityEventsDays int `yaml:"retention_security_events_days"`
	RetentionSessionsDays       int `yaml:"retention_sessions_days"`
}

// IsProduction reports whether insecure transports must be refused.
func (c Config) IsProduction() bool {
	return c.Environment != EnvDevelopment
}

// StaticCredentials converts the configured credential table.
func (c Config) StaticCredentials() ([]credential.Entry, error) {
	out := make([]credential.Entry, 0, len(c.Credentials))
	for i, cc := range c.Credentials {
		e := credential.Entry{Token: cc.Token, Subject: cc.Identity, SessionID: cc.SessionID}
		if cc.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, cc.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("credentials[%d].expires_at: %w", i, err)
			}
			e.ExpiresAt = t
		}
		out = append(out, e)
	}
	return out, nil
}

// SigningKey decodes CredentialPublicKey. It returns nil when unset.
func (c Config) SigningKey() (ed25519.PublicKey, error) {
	raw := strings.TrimSpace(c.CredentialPublicKey)
	if raw == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		if b, err = base64.RawURLEncoding.DecodeString(raw); err != nil {
			return nil, fmt.Errorf("credential_public_key: %w", err)
		}
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("credential_public_key: want %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config. Secrets are not
// part of the hash input.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|env=%s|insecure=%t|proxies=%v|origins=%v|path=%s|ttl=%d|attempts=%d|stale=%d|sink=%s|creds=%d",
		c.BindAddr, c.LogLevel, c.Environment, c.AllowInsecureTransport, c.TrustedProxies, c.AllowOrigins,
		c.Bridge.Path, c.Bridge.ChallengeTTLSeconds, c.Bridge.MaxChallengeAttempts, c.Bridge.StaleAfterSeconds,
		c.ToolSink.Kind, len(c.Credentials))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:    "127.0.0.1:18790",
		LogLevel:    "info",
		Environment: EnvProduction,
		Bridge: BridgeConfig{
			Path:                     "/bridge",
			ChallengeTTLSeconds:      30,
			MaxChallengeAttempts:     3,
			StaleAfterSeconds:        300,
			SweepIntervalSeconds:     60,
			DefaultSessionTTLMinutes: 24 * 60,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 30,
			BurstSize:         10,
		},
		ToolSink: ToolSinkConfig{
			Kind:          "bus",
			SubjectPrefix: "toolbridge",
		},
		DrainTimeoutSeconds:         5,
		RetentionSecurityEventsDays: 90,
		RetentionSessionsDays:       30,
	}
}

func HomeDir() string {
	if override := os.Getenv("TOOLBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".toolbridge")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create toolbridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	switch cfg.Environment {
	case "dev", EnvDevelopment:
		cfg.Environment = EnvDevelopment
	default:
		cfg.Environment = EnvProduction
	}
	if cfg.Bridge.Path == "" {
		cfg.Bridge.Path = def.Bridge.Path
	}
	if !strings.HasPrefix(cfg.Bridge.Path, "/") {
		cfg.Bridge.Path = "/" + cfg.Bridge.Path
	}
	if cfg.Bridge.ChallengeTTLSeconds <= 0 {
		cfg.Bridge.ChallengeTTLSeconds = def.Bridge.ChallengeTTLSeconds
	}
	if cfg.Bridge.MaxChallengeAttempts <= 0 {
		cfg.Bridge.MaxChallengeAttempts = def.Bridge.MaxChallengeAttempts
	}
	if cfg.Bridge.StaleAfterSeconds <= 0 {
		cfg.Bridge.StaleAfterSeconds = def.Bridge.StaleAfterSeconds
	}
	if cfg.Bridge.SweepIntervalSeconds <= 0 {
		cfg.Bridge.SweepIntervalSeconds = def.Bridge.SweepIntervalSeconds
	}
	if cfg.Bridge.DefaultSessionTTLMinutes <= 0 {
		cfg.Bridge.DefaultSessionTTLMinutes = def.Bridge.DefaultSessionTTLMinutes
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = def.RateLimit.RequestsPerMinute
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = def.RateLimit.BurstSize
	}
	cfg.ToolSink.Kind = strings.ToLower(strings.TrimSpace(cfg.ToolSink.Kind))
	if cfg.ToolSink.Kind == "" {
		cfg.ToolSink.Kind = def.ToolSink.Kind
	}
	if cfg.ToolSink.SubjectPrefix == "" {
		cfg.ToolSink.SubjectPrefix = def.ToolSink.SubjectPrefix
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
}

func validate(cfg Config) error {
	switch cfg.ToolSink.Kind {
	case "bus":
	case "nats":
		if cfg.ToolSink.NATSURL == "" {
			return fmt.Errorf("tool_sink.nats_url is required when tool_sink.kind is nats")
		}
	default:
		return fmt.Errorf("unknown tool_sink.kind %q (supported: bus, nats)", cfg.ToolSink.Kind)
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	if _, err := cfg.StaticCredentials(); err != nil {
		return err
	}
	if _, err := cfg.SigningKey(); err != nil {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TOOLBRIDGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TOOLBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TOOLBRIDGE_ENV"); raw != "" {
		cfg.Environment = raw
	}
	if raw := os.Getenv("TOOLBRIDGE_ADMIN_TOKEN"); raw != "" {
		cfg.AdminToken = raw
	}
	if raw := os.Getenv("TOOLBRIDGE_NATS_URL"); raw != "" {
		cfg.ToolSink.NATSURL = raw
		cfg.ToolSink.Kind = "nats"
	}
	if raw := os.Getenv("TOOLBRIDGE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TOOLBRIDGE_ALLOW_INSECURE_TRANSPORT"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.AllowInsecureTransport = v
		}
	}
}
