// Package bridge is the WebSocket endpoint of the tool bridge. Each
// accepted upgrade is served by one connection task that runs the
// handshake and dispatch loop, driven by the session state machine.
package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/toolbridge/internal/audit"
	"github.com/basket/toolbridge/internal/bus"
	"github.com/basket/toolbridge/internal/config"
	"github.com/basket/toolbridge/internal/credential"
	"github.com/basket/toolbridge/internal/otel"
	"github.com/basket/toolbridge/internal/persistence"
	"github.com/basket/toolbridge/internal/protocol"
	"github.com/basket/toolbridge/internal/registry"
	"github.com/basket/toolbridge/internal/security"
	"github.com/basket/toolbridge/internal/toolsink"
)

const (
	DefaultPath       = "/bridge"
	DefaultSessionTTL = 24 * time.Hour

	writeTimeout = 5 * time.Second
)

type Config struct {
	Verifier   credential.Verifier
	Policy     security.TransportPolicy
	Registry   *registry.Registry
	Challenges *security.ChallengeStore
	Validator  *protocol.Validator
	Sink       toolsink.Sink

	// Optional collaborators. Nil disables the corresponding output.
	Store   *persistence.Store
	Audit   *audit.Recorder
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics

	Path string
	// AllowOrigins controls accepted Origin headers for browser clients.
	// Empty means same-host only.
	AllowOrigins []string
	// AdminToken guards /metrics and /api/*. Empty disables them.
	AdminToken string
	RateLimit  config.RateLimitConfig
	// DefaultSessionTTL bounds sessions whose credential has no decodable
	// expiry.
	DefaultSessionTTL time.Duration

	ConfigFingerprint string
	// SinkStatus reports the tool sink's backing transport for /healthz.
	SinkStatus func() string
	Now        func() time.Time
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	limiter *RateLimiter
	now     func() time.Time

	shutdownOnce sync.Once
	shutdown     chan struct{}

	mu       sync.Mutex
	draining bool
	tasks    sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.DefaultSessionTTL <= 0 {
		cfg.DefaultSessionTTL = DefaultSessionTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(registry.Options{Now: cfg.Now, Logger: cfg.Logger})
	}
	if cfg.Challenges == nil {
		cfg.Challenges = security.NewChallengeStore(security.ChallengeOptions{Now: cfg.Now})
	}
	if cfg.Validator == nil {
		cfg.Validator = protocol.MustValidator()
	}
	if cfg.Sink == nil {
		b := cfg.Bus
		if b == nil {
			b = bus.New()
		}
		cfg.Sink = toolsink.NewBusSink(b)
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		shutdown: make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if s.metrics == nil {
		// A noop meter never fails to create instruments.
		s.metrics, _ = otel.NewMetrics(noop.NewMeterProvider().Meter(otel.MeterName))
	}
	s.limiter = NewRateLimiter(cfg.RateLimit, cfg.Now)
	s.limiter.OnReject = s.onRateLimited
	return s
}

// Handler returns the bridge endpoint and admin surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s.limiter.Wrap(http.HandlerFunc(s.handleBridge), s.clientKey))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/api/sessions", s.handleAPISessions)
	mux.HandleFunc("/api/security/events", s.handleAPISecurityEvents)
	return mux
}

// Registry exposes the connection registry, mainly for status output.
func (s *Server) Registry() *registry.Registry { return s.cfg.Registry }

// StartMaintenance prunes expired challenges and idle rate-limit buckets
// every interval until ctx is done.
func (s *Server) StartMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = registry.DefaultSweepInterval
	}
	s.limiter.StartEviction(ctx, interval, 10*time.Minute)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.cfg.Challenges.PruneExpired(); n > 0 {
					s.logger.Debug("pruned expired challenges", "count", n)
				}
			}
		}
	}()
}

// Shutdown asks every connection task to close with server_shutting_down
// and waits for them until ctx is done. Connections still registered after
// that are force-closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.draining = true
		s.mu.Unlock()
		close(s.shutdown)
	})

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n := s.cfg.Registry.CloseAll(protocol.ErrServerShuttingDown)
		s.logger.Warn("bridge drain timed out", "force_closed", n)
		return ctx.Err()
	}
}

// beginTask registers a connection task unless the server is draining.
func (s *Server) beginTask() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.tasks.Add(1)
	return true
}

// clientKey buckets upgrade attempts by resolved client address.
func (s *Server) clientKey(r *http.Request) string {
	return security.ResolveClient(security.MetadataFromRequest(r), s.cfg.Policy).Client()
}

func (s *Server) onRateLimited(r *http.Request, key string) {
	s.metrics.RateLimitRejects.Add(r.Context(), 1)
	s.cfg.Audit.Record(r.Context(), audit.Event{
		Severity:   security.SeverityWarn,
		Code:       string(protocol.ErrRateLimited),
		RemoteAddr: key,
		Detail:     "upgrade rate limit exceeded",
	})
}

func (s *Server) publish(topic string, payload any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
	}
}
