// Package audit records security-relevant bridge events. Every event is
// appended to logs/audit.jsonl, optionally persisted through a Sink, logged
// at a level derived from its severity and counted per severity.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/toolbridge/internal/persistence"
	"github.com/basket/toolbridge/internal/security"
	"github.com/basket/toolbridge/internal/shared"
)

// Event is a single audit record.
type Event struct {
	Severity     security.Severity
	Code         string
	Identity     string
	ConnectionID string
	RemoteAddr   string
	Detail       string
}

type entry struct {
	Timestamp    string `json:"timestamp"`
	Severity     string `json:"severity"`
	Code         string `json:"code"`
	Identity     string `json:"identity,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	RemoteAddr   string `json:"remote_addr,omitempty"`
	Detail       string `json:"detail,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`
}

// Sink persists audit events. *persistence.Store satisfies it.
type Sink interface {
	InsertSecurityEvent(ctx context.Context, ev persistence.SecurityEvent) error
}

type Options struct {
	Sink   Sink
	Logger *slog.Logger
	// OnRecord observes every event after it is written, e.g. for metrics.
	OnRecord func(ctx context.Context, ev Event)
	Now      func() time.Time
}

// Recorder is safe for concurrent use. A nil *Recorder discards events.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	sink     Sink
	logger   *slog.Logger
	onRecord func(context.Context, Event)
	now      func() time.Time

	counts [4]atomic.Int64
}

// NewRecorder opens <homeDir>/logs/audit.jsonl for appending.
func NewRecorder(homeDir string, opts Options) (*Recorder, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		file:     f,
		sink:     opts.Sink,
		logger:   opts.Logger,
		onRecord: opts.OnRecord,
		now:      opts.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// SetSink attaches the persistent sink once the store is open.
func (r *Recorder) SetSink(s Sink) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Record writes ev to every destination. Sink failures are logged, never
// returned: auditing must not change the outcome of the event it records.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil {
		return
	}
	ev.Severity = security.ParseSeverity(string(ev.Severity))
	ev.Detail = shared.Redact(ev.Detail)
	r.counts[severityIndex(ev.Severity)].Add(1)
	now := r.now().UTC()

	r.logger.Log(ctx, levelFor(ev.Severity), "security event",
		"severity", string(ev.Severity),
		"code", ev.Code,
		"identity", ev.Identity,
		"connection_id", ev.ConnectionID,
		"remote_addr", ev.RemoteAddr,
		"detail", ev.Detail,
		"trace_id", shared.TraceID(ctx),
	)

	r.mu.Lock()
	if r.file != nil {
		b, err := json.Marshal(entry{
			Timestamp:    now.Format(time.RFC3339Nano),
			Severity:     string(ev.Severity),
			Code:         ev.Code,
			Identity:     ev.Identity,
			ConnectionID: ev.ConnectionID,
			RemoteAddr:   ev.RemoteAddr,
			Detail:       ev.Detail,
			TraceID:      shared.TraceID(ctx),
		})
		if err == nil {
			_, _ = r.file.Write(append(b, '\n'))
		}
	}
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		if err := sink.InsertSecurityEvent(context.WithoutCancel(ctx), persistence.SecurityEvent{
			Severity:     string(ev.Severity),
			Code:         ev.Code,
			Identity:     ev.Identity,
			ConnectionID: ev.ConnectionID,
			RemoteAddr:   ev.RemoteAddr,
			Detail:       ev.Detail,
			CreatedAt:    now,
		}); err != nil {
			r.logger.Error("audit: persist security event failed", "code", ev.Code, "error", err)
		}
	}

	if r.onRecord != nil {
		r.onRecord(ctx, ev)
	}
}

// Count returns how many events of sev were recorded since construction.
func (r *Recorder) Count(sev security.Severity) int64 {
	if r == nil {
		return 0
	}
	return r.counts[severityIndex(sev)].Load()
}

// Counts returns every severity's count, including zeros.
func (r *Recorder) Counts() map[security.Severity]int64 {
	out := make(map[security.Severity]int64, len(security.Severities))
	for _, sev := range security.Severities {
		out[sev] = r.Count(sev)
	}
	return out
}

func severityIndex(sev security.Severity) int {
	switch sev {
	case security.SeverityWarn:
		return 1
	case security.SeverityError:
		return 2
	case security.SeverityCritical:
		return 3
	default:
		return 0
	}
}

func levelFor(sev security.Severity) slog.Level {
	switch sev {
	case security.SeverityWarn:
		return slog.LevelWarn
	case security.SeverityError, security.SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
