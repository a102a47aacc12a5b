// Package registry owns the identity to connection table. Every mutation is
// serialized by one mutex so at most one connection per identity is ever
// registered.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/toolbridge/internal/protocol"
	"github.com/basket/toolbridge/internal/security"
)

const (
	DefaultStaleAfter    = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// Eviction describes a connection the registry closed on its own.
type Eviction struct {
	Connection *Connection
	Reason     protocol.ErrorCode
}

// Options configures a Registry. Zero values use defaults.
type Options struct {
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
	// OnEvict is called outside the lock for every supersede and sweep.
	OnEvict func(Eviction)
}

// Registry maps identity to its single live connection.
type Registry struct {
	mu         sync.Mutex
	conns      map[string]*Connection
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	onEvict    func(Eviction)
}

func New(opts Options) *Registry {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		conns:      make(map[string]*Connection),
		staleAfter: opts.StaleAfter,
		now:        opts.Now,
		logger:     opts.Logger,
		onEvict:    opts.OnEvict,
	}
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time { return r.now() }

// StaleAfter returns the liveness staleness bound.
func (r *Registry) StaleAfter() time.Duration { return r.staleAfter }

// Register stores c for identity. A prior connection for the same identity
// is closed with reason superseded before c becomes visible, and returned.
func (r *Registry) Register(identity string, c *Connection) *Connection {
	r.mu.Lock()
	prior, exists := r.conns[identity]
	if exists && prior != c {
		prior.Close(protocol.ErrSuperseded, "superseded by new connection")
	} else {
		prior = nil
	}
	r.conns[identity] = c
	r.mu.Unlock()

	if prior != nil {
		r.logger.Info("connection superseded",
			"identity", identity,
			"connection_id", prior.ID,
			"replacement_id", c.ID,
		)
		r.notify(Eviction{Connection: prior, Reason: protocol.ErrSuperseded})
	}
	return prior
}

// Unregister removes identity only when it still maps to c.
func (r *Registry) Unregister(identity string, c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[identity]; ok && current == c {
		delete(r.conns, identity)
		return true
	}
	return false
}

// Lookup returns the connection registered for identity.
func (r *Registry) Lookup(identity string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[identity]
	return c, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// UpdateLiveness stamps the connection's last liveness probe.
func (r *Registry) UpdateLiveness(c *Connection) {
	now := r.now()
	c.mu.Lock()
	c.lastPingAt = now
	c.mu.Unlock()
}

// VerifyFingerprint compares the registration fingerprint with current.
func (r *Registry) VerifyFingerprint(c *Connection, current security.Fingerprint) bool {
	return c.Fingerprint.Equal(current)
}

// Health is the outcome of CheckHealth.
type Health struct {
	IsHealthy  bool
	Reason     string
	ReadyState ReadyState
}

const (
	HealthTransportNotOpen = "transport_not_open"
	HealthStale            = "liveness_stale"
	HealthNotRegistered    = "not_registered"
)

// CheckHealth reports whether c can accept work: its transport is open, it
// is still the registered connection for its identity, and its last
// liveness probe is within the staleness bound.
func (r *Registry) CheckHealth(c *Connection) Health {
	state := c.readyState()
	if state != StateOpen {
		return Health{Reason: HealthTransportNotOpen, ReadyState: state}
	}
	if current, ok := r.Lookup(c.Identity); !ok || current != c {
		return Health{Reason: HealthNotRegistered, ReadyState: state}
	}
	if r.now().Sub(c.LastPingAt()) > r.staleAfter {
		return Health{Reason: HealthStale, ReadyState: state}
	}
	return Health{IsHealthy: true, ReadyState: state}
}

// Sweep force-closes and removes connections whose last liveness probe is
// older than the staleness bound. It returns the evicted connections.
func (r *Registry) Sweep() []*Connection {
	cutoff := r.now().Add(-r.staleAfter)

	r.mu.Lock()
	var evicted []*Connection
	for identity, c := range r.conns {
		if c.LastPingAt().Before(cutoff) {
			c.Close(protocol.ErrStaleConnection, "no liveness probe within staleness bound")
			delete(r.conns, identity)
			evicted = append(evicted, c)
		}
	}
	remaining := len(r.conns)
	r.mu.Unlock()

	if len(evicted) > 0 {
		r.logger.Info("registry sweep", "evicted", len(evicted), "remaining", remaining)
	}
	for _, c := range evicted {
		r.notify(Eviction{Connection: c, Reason: protocol.ErrStaleConnection})
	}
	return evicted
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Snapshot is a read-only view of a registered connection.
type Snapshot struct {
	ID           string    `json:"id"`
	Identity     string    `json:"identity"`
	RegisteredAt time.Time `json:"registered_at"`
	LastPingAt   time.Time `json:"last_ping_at"`
	Verified     bool      `json:"verified"`
}

// Snapshot lists registered connections ordered by registration time.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, Snapshot{
			ID:           c.ID,
			Identity:     c.Identity,
			RegisteredAt: c.RegisteredAt,
			LastPingAt:   c.LastPingAt(),
			Verified:     c.Verified(),
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// CloseAll closes every registered connection with reason and empties the
// table. Used on shutdown.
func (r *Registry) CloseAll(reason protocol.ErrorCode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.conns)
	for identity, c := range r.conns {
		c.Close(reason, "server shutting down")
		delete(r.conns, identity)
	}
	return n
}

func (r *Registry) notify(ev Eviction) {
	if r.onEvict != nil {
		r.onEvict(ev)
	}
}
