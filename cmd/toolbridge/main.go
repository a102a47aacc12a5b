package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/basket/toolbridge/internal/audit"
	"github.com/basket/toolbridge/internal/bridge"
	"github.com/basket/toolbridge/internal/bus"
	"github.com/basket/toolbridge/internal/config"
	"github.com/basket/toolbridge/internal/credential"
	"github.com/basket/toolbridge/internal/cron"
	"github.com/basket/toolbridge/internal/otel"
	"github.com/basket/toolbridge/internal/persistence"
	"github.com/basket/toolbridge/internal/policy"
	"github.com/basket/toolbridge/internal/protocol"
	"github.com/basket/toolbridge/internal/registry"
	"github.com/basket/toolbridge/internal/security"
	"github.com/basket/toolbridge/internal/telemetry"
	"github.com/basket/toolbridge/internal/toolsink"
)

type invocation struct {
	command string
	args    []string
	quiet   bool
	bind    string
	help    bool
}

func parseArgs(argv []string) (invocation, *pflag.FlagSet, error) {
	var inv invocation
	flagSet := pflag.NewFlagSet("toolbridge", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.BoolVarP(&inv.quiet, "quiet", "q", false, "log to <home>/logs only, not stdout")
	flagSet.StringVar(&inv.bind, "bind", "", "listen address, overrides bind_addr")
	flagSet.BoolVarP(&inv.help, "help", "h", false, "show help")
	if err := flagSet.Parse(argv); err != nil {
		return inv, flagSet, err
	}

	inv.command = "serve"
	if rest := flagSet.Args(); len(rest) > 0 {
		inv.command = strings.ToLower(strings.TrimSpace(rest[0]))
		inv.args = rest[1:]
	}
	switch inv.command {
	case "serve", "status", "version", "help":
	default:
		return inv, flagSet, fmt.Errorf("unknown command %q", inv.command)
	}
	if inv.command == "help" {
		inv.help = true
	}
	return inv, flagSet, nil
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `toolbridge: authenticated WebSocket bridge for remote tool execution.

Usage:
  toolbridge [flags] [serve]   Run the bridge (default)
  toolbridge status            Query /healthz of the configured bridge
  toolbridge version           Print the version

Flags:
%s
Environment:
  TOOLBRIDGE_HOME          Data directory (default: ~/.toolbridge)
  TOOLBRIDGE_BIND_ADDR     Listen address
  TOOLBRIDGE_ENV           production (default) or development
  TOOLBRIDGE_ADMIN_TOKEN   Bearer token for /metrics and /api/*
  TOOLBRIDGE_NATS_URL      Publish tool events to NATS instead of the in-process bus.
                           Required for tool traffic: serve runs no in-process tool
                           consumer, so without it every tool_execute is refused
                           with tool_sink_unavailable.
`, flagSet.FlagUsages())
}

func main() {
	inv, flagSet, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage(os.Stderr, flagSet)
		os.Exit(2)
	}
	if inv.help {
		printUsage(os.Stdout, flagSet)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch inv.command {
	case "version":
		fmt.Println("toolbridge", otel.Version)
	case "status":
		os.Exit(runStatusCommand(ctx, inv.args))
	default:
		os.Exit(runServe(ctx, inv))
	}
}

func runServe(ctx context.Context, inv invocation) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}
	if inv.bind != "" {
		cfg.BindAddr = inv.bind
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, inv.quiet)
	if err != nil {
		fatalStartup(nil, nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "environment", cfg.Environment, "config_fingerprint", cfg.Fingerprint())

	rec, err := audit.NewRecorder(cfg.HomeDir, audit.Options{Logger: logger})
	if err != nil {
		fatalStartup(logger, nil, "E_AUDIT_INIT", err)
	}
	defer rec.Close()

	warnOnExposure(cfg, logger)

	provider, err := otel.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, rec, "E_OTEL_INIT", err)
	}
	defer provider.Shutdown(context.Background())
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, rec, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "toolbridge.db"))
	if err != nil {
		fatalStartup(logger, rec, "E_STORE_OPEN", err)
	}
	defer store.Close()
	rec.SetSink(store)
	logger.Info("startup phase", "phase", "schema_migrated")

	// Sessions still open belong to a previous process that did not drain.
	if n, err := store.CloseOpenSessions(ctx, string(protocol.ErrServerShuttingDown)); err != nil {
		fatalStartup(logger, rec, "E_SESSION_RECOVERY", err)
	} else if n > 0 {
		logger.Warn("closed sessions left open by previous run", "count", n)
	}

	retention, err := cron.NewScheduler(cron.Config{
		Store:             store,
		Logger:            logger,
		SecurityEventDays: cfg.RetentionSecurityEventsDays,
		SessionDays:       cfg.RetentionSessionsDays,
	})
	if err != nil {
		fatalStartup(logger, rec, "E_CRON_INIT", err)
	}
	retention.Start(ctx)
	defer retention.Stop()

	eventBus := bus.New()
	sink, sinkStatus, closeSink, err := buildToolSink(cfg, eventBus, logger)
	if err != nil {
		fatalStartup(logger, rec, "E_TOOLSINK_INIT", err)
	}
	defer closeSink()
	go logLifecycle(ctx, eventBus, logger)

	static, verifier, err := buildVerifier(cfg)
	if err != nil {
		fatalStartup(logger, rec, "E_CREDENTIALS", err)
	}
	pol, err := policy.New(cfg.AllowInsecureTransport, cfg.IsProduction(), cfg.TrustedProxies)
	if err != nil {
		fatalStartup(logger, rec, "E_POLICY", err)
	}
	livePolicy := policy.NewLivePolicy(pol)
	logger.Info("startup phase", "phase", "credentials_loaded", "static_credentials", static.Len(), "policy_version", livePolicy.PolicyVersion())

	reg := registry.New(registry.Options{StaleAfter: cfg.Bridge.StaleAfter(), Logger: logger})
	reg.StartSweeper(ctx, cfg.Bridge.SweepInterval())
	challenges := security.NewChallengeStore(security.ChallengeOptions{
		TTL:         cfg.Bridge.ChallengeTTL(),
		MaxAttempts: cfg.Bridge.MaxChallengeAttempts,
	})

	srv := bridge.New(bridge.Config{
		Verifier:          verifier,
		Policy:            livePolicy,
		Registry:          reg,
		Challenges:        challenges,
		Sink:              sink,
		Store:             store,
		Audit:             rec,
		Bus:               eventBus,
		Logger:            logger,
		Tracer:            provider.Tracer,
		Metrics:           metrics,
		Path:              cfg.Bridge.Path,
		AllowOrigins:      cfg.AllowOrigins,
		AdminToken:        cfg.AdminToken,
		RateLimit:         cfg.RateLimit,
		DefaultSessionTTL: cfg.Bridge.DefaultSessionTTL(),
		ConfigFingerprint: cfg.Fingerprint(),
		SinkStatus:        sinkStatus,
	})
	srv.StartMaintenance(ctx, cfg.Bridge.SweepInterval())

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go reloadOnChange(watcher, static, livePolicy, logger)
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, rec, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("bridge listening", "addr", ln.Addr().String(), "path", cfg.Bridge.Path, "tls", cfg.TLS.Enabled())
		var err error
		if cfg.TLS.Enabled() {
			err = server.ServeTLS(ln, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "listener_bound")

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("bridge server error", "error", err)
		exit = 1
	}

	// Stop intake first, then drain bridge connections with a bounded timeout.
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("bridge drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return exit
}

func warnOnExposure(cfg config.Config, logger *slog.Logger) {
	if cfg.AllowInsecureTransport && cfg.IsProduction() {
		logger.Warn("allow_insecure_transport is ignored in production")
	}
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
	if !loopback && !cfg.TLS.Enabled() && len(cfg.TrustedProxies) == 0 && cfg.IsProduction() {
		logger.Warn("non-loopback bind without TLS or trusted proxies; every upgrade will be rejected as insecure", "bind_addr", cfg.BindAddr)
	}
	if !loopback && len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
	}
}

// buildVerifier chains the static credential table with the signed token
// verifier when a public key is configured.
func buildVerifier(cfg config.Config) (*credential.StaticVerifier, credential.Chain, error) {
	entries, err := cfg.StaticCredentials()
	if err != nil {
		return nil, nil, err
	}
	static := credential.NewStaticVerifier(entries)
	chain := credential.Chain{static}
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, nil, err
	}
	if key != nil {
		chain = append(chain, credential.NewSignedVerifier(key))
	}
	return static, chain, nil
}

func buildToolSink(cfg config.Config, b *bus.Bus, logger *slog.Logger) (toolsink.Sink, func() string, func(), error) {
	if cfg.ToolSink.Kind == "nats" {
		conn, err := toolsink.Dial(cfg.ToolSink.NATSURL, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		status := func() string { return "nats:" + toolsink.Status(conn) }
		return toolsink.NewNATSSink(conn, cfg.ToolSink.SubjectPrefix), status, func() { _ = conn.Drain() }, nil
	}
	logger.Warn("tool sink is in-process and serve runs no tool consumer; tool_execute is refused with tool_sink_unavailable until tool_sink.kind is nats",
		"tool_sink", cfg.ToolSink.Kind)
	return toolsink.NewBusSink(b), func() string { return "in-process" }, func() {}, nil
}

func logLifecycle(ctx context.Context, b *bus.Bus, logger *slog.Logger) {
	sub := b.SubscribeBuffered(bus.TopicConnectionPrefix, 256)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			if ce, ok := ev.Payload.(bus.ConnectionEvent); ok {
				logger.Debug("connection lifecycle", "topic", ev.Topic, "connection_id", ce.ConnectionID, "identity", ce.Identity, "reason", ce.Reason)
			}
		}
	}
}

// reloadOnChange applies credential and transport policy changes from
// config.yaml. Live connections keep the identity they authenticated with.
func reloadOnChange(w *config.Watcher, static *credential.StaticVerifier, live *policy.LivePolicy, logger *slog.Logger) {
	for ev := range w.Events() {
		cfg, err := config.Load()
		if err != nil {
			logger.Warn("config reload rejected", "path", ev.Path, "error", err)
			continue
		}
		entries, err := cfg.StaticCredentials()
		if err != nil {
			logger.Warn("config reload rejected", "path", ev.Path, "error", err)
			continue
		}
		pol, err := policy.New(cfg.AllowInsecureTransport, cfg.IsProduction(), cfg.TrustedProxies)
		if err != nil {
			logger.Warn("config reload rejected", "path", ev.Path, "error", err)
			continue
		}
		static.Replace(entries)
		live.Reload(pol)
		logger.Info("config reloaded",
			"static_credentials", static.Len(),
			"policy_version", live.PolicyVersion(),
			"config_fingerprint", cfg.Fingerprint(),
		)
	}
}

func fatalStartup(logger *slog.Logger, rec *audit.Recorder, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	rec.Record(context.Background(), audit.Event{
		Severity: security.SeverityCritical,
		Code:     reasonCode,
		Detail:   message,
	})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
