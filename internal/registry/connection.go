package registry

import (
	"sync"
	"time"

	"github.com/basket/toolbridge/internal/protocol"
	"github.com/basket/toolbridge/internal/security"
)

// ReadyState mirrors the transport lifecycle.
type ReadyState string

const (
	StateOpen    ReadyState = "open"
	StateClosing ReadyState = "closing"
	StateClosed  ReadyState = "closed"
)

// Transport is the live channel behind a Connection. Close must not block:
// the registry calls it while holding its lock.
type Transport interface {
	Close(reason protocol.ErrorCode, detail string)
	ReadyState() ReadyState
}

// Connection is a registered bridge connection. Only the registry and the
// owning connection task touch it.
type Connection struct {
	ID           string
	Identity     string
	Fingerprint  security.Fingerprint
	RegisteredAt time.Time

	transport Transport

	mu          sync.Mutex
	lastPingAt  time.Time
	verified    bool
	closeReason protocol.ErrorCode
}

// NewConnection builds a connection stamped at now. lastPingAt starts at
// registration so a fresh connection is not immediately stale.
func NewConnection(id, identity string, fp security.Fingerprint, t Transport, now time.Time) *Connection {
	return &Connection{
		ID:           id,
		Identity:     identity,
		Fingerprint:  fp,
		RegisteredAt: now,
		transport:    t,
		lastPingAt:   now,
	}
}

func (c *Connection) LastPingAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPingAt
}

// MarkVerified records a successful challenge. It returns false if the
// connection was already verified; the flag never reverts.
func (c *Connection) MarkVerified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verified {
		return false
	}
	c.verified = true
	return true
}

func (c *Connection) Verified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verified
}

// CloseReason returns the reason of the first forced close, if any.
func (c *Connection) CloseReason() protocol.ErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Close closes the transport once. Later calls keep the first reason.
func (c *Connection) Close(reason protocol.ErrorCode, detail string) {
	c.mu.Lock()
	if c.closeReason != "" {
		c.mu.Unlock()
		return
	}
	c.closeReason = reason
	c.mu.Unlock()
	if c.transport != nil {
		c.transport.Close(reason, detail)
	}
}

func (c *Connection) readyState() ReadyState {
	if c.transport == nil {
		return StateClosed
	}
	return c.transport.ReadyState()
}
