package bridge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"

	"github.com/basket/toolbridge/internal/persistence"
	"github.com/basket/toolbridge/internal/registry"
	"github.com/basket/toolbridge/internal/security"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	setSecurityHeaders(w.Header())
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) policyVersion() string {
	if v, ok := s.cfg.Policy.(interface{ PolicyVersion() string }); ok {
		return v.PolicyVersion()
	}
	return ""
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(r.Context()); err != nil {
			s.logger.Warn("healthz: store ping failed", "error", err)
			dbOK = false
		}
	}
	sinkStatus := "in-process"
	if s.cfg.SinkStatus != nil {
		sinkStatus = s.cfg.SinkStatus()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"active_connections": s.cfg.Registry.Count(),
		"pending_challenges": s.cfg.Challenges.Len(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"policy_version":     s.policyVersion(),
		"tool_sink":          sinkStatus,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	audited := map[string]int64{}
	for sev, n := range s.cfg.Audit.Counts() {
		audited[string(sev)] = n
	}
	payload := map[string]any{
		"active_connections":     s.cfg.Registry.Count(),
		"pending_challenges":     s.cfg.Challenges.Len(),
		"rate_limit_buckets":     s.limiter.BucketCount(),
		"security_events":        audited,
		"alloc_bytes":            mem.Alloc,
		"goroutines":             runtime.NumGoroutine(),
		"config_fingerprint":     s.cfg.ConfigFingerprint,
		"policy_version":         s.policyVersion(),
		"bus_dropped_events":     int64(0),
		"stored_security_events": map[string]int64{},
	}
	if s.cfg.Bus != nil {
		payload["bus_dropped_events"] = s.cfg.Bus.Dropped()
	}
	if s.cfg.Store != nil {
		if counts, err := s.cfg.Store.SecurityEventCounts(r.Context()); err == nil {
			payload["stored_security_events"] = counts
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP toolbridge_active_connections Number of registered bridge connections.\n")
	fmt.Fprintf(w, "# TYPE toolbridge_active_connections gauge\n")
	fmt.Fprintf(w, "toolbridge_active_connections %d\n", s.cfg.Registry.Count())
	fmt.Fprintf(w, "# HELP toolbridge_pending_challenges Number of outstanding challenges.\n")
	fmt.Fprintf(w, "# TYPE toolbridge_pending_challenges gauge\n")
	fmt.Fprintf(w, "toolbridge_pending_challenges %d\n", s.cfg.Challenges.Len())
	fmt.Fprintf(w, "# HELP toolbridge_security_events_total Security events recorded since start.\n")
	fmt.Fprintf(w, "# TYPE toolbridge_security_events_total counter\n")
	counts := s.cfg.Audit.Counts()
	for _, sev := range security.Severities {
		fmt.Fprintf(w, "toolbridge_security_events_total{severity=%q} %d\n", sev, counts[sev])
	}
	fmt.Fprintf(w, "# HELP toolbridge_rate_limit_buckets Tracked rate limit buckets.\n")
	fmt.Fprintf(w, "# TYPE toolbridge_rate_limit_buckets gauge\n")
	fmt.Fprintf(w, "toolbridge_rate_limit_buckets %d\n", s.limiter.BucketCount())
	if s.cfg.Bus != nil {
		fmt.Fprintf(w, "# HELP toolbridge_bus_dropped_total Bus events dropped on full subscribers.\n")
		fmt.Fprintf(w, "# TYPE toolbridge_bus_dropped_total counter\n")
		fmt.Fprintf(w, "toolbridge_bus_dropped_total %d\n", s.cfg.Bus.Dropped())
	}
	fmt.Fprintf(w, "# HELP toolbridge_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE toolbridge_alloc_bytes gauge\n")
	fmt.Fprintf(w, "toolbridge_alloc_bytes %d\n", mem.Alloc)
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeAdmin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	recent := []persistence.BridgeSession{}
	if s.cfg.Store != nil {
		sessions, err := s.cfg.Store.RecentSessions(r.Context(), queryLimit(r, 20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		recent = sessions
	}
	live := s.cfg.Registry.Snapshot()
	if live == nil {
		live = []registry.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"live": live, "sessions": recent})
}

func (s *Server) handleAPISecurityEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeAdmin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Store == nil {
		http.Error(w, "event store disabled", http.StatusServiceUnavailable)
		return
	}
	severity := r.URL.Query().Get("severity")
	if severity != "" && security.ParseSeverity(severity) != security.Severity(severity) {
		http.Error(w, "unknown severity", http.StatusBadRequest)
		return
	}
	events, err := s.cfg.Store.ListSecurityEvents(r.Context(), severity, queryLimit(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []persistence.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
