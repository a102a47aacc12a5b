// Package session is the per-connection handshake and dispatch state
// machine. Step is a pure function over (state, event); the bridge executes
// the returned actions against the transport, registry and collaborators
// and feeds their outcomes back in as further events.
package session

import (
	"github.com/basket/toolbridge/internal/protocol"
	"github.com/basket/toolbridge/internal/security"
)

type State string

const (
	StateConnecting        State = "connecting"
	StateTransportRejected State = "transport_rejected"
	StateUnauthenticated   State = "unauthenticated"
	StateChallenged        State = "challenged"
	StateVerified          State = "verified"
	StateActive            State = "active"
	StateFailed            State = "failed"
	StateClosed            State = "closed"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateTransportRejected, StateFailed, StateClosed:
		return true
	}
	return false
}

// Event is an input to Step.
type Event interface{ event() }

type (
	// TransportChecked carries the transport security verdict.
	TransportChecked struct{ Secure bool }
	// CredentialChecked carries the credential verdict. Expired is set when
	// the decoded expiry is already in the past.
	CredentialChecked struct{ Valid, Expired bool }
	// MessageReceived is a schema-valid inbound frame.
	MessageReceived struct{ Kind protocol.Kind }
	// ChallengeAnswered carries the outcome of verifying a response.
	ChallengeAnswered struct{ Result security.VerifyResult }
	// Confirmed follows delivery of the challenge_verified frame.
	Confirmed struct{}
	// FingerprintChecked carries the liveness probe fingerprint comparison.
	FingerprintChecked struct{ Match bool }
	// HealthChecked carries the pre-dispatch health check.
	HealthChecked struct{ Healthy bool }
	// ChallengeTimedOut fires when the outstanding challenge TTL lapses.
	ChallengeTimedOut struct{}
	// CredentialExpired fires when the credential expiry timer elapses.
	CredentialExpired struct{}
	// Evicted reports a registry-initiated close (superseded or stale).
	Evicted struct{ Reason protocol.ErrorCode }
	// TransportClosed reports the peer closed or the read failed.
	TransportClosed struct{}
	// ShuttingDown reports server shutdown.
	ShuttingDown struct{}
	// Aborted reports a local failure the session cannot recover from.
	Aborted struct{ Reason protocol.ErrorCode }
)

func (TransportChecked) event()   {}
func (CredentialChecked) event()  {}
func (MessageReceived) event()    {}
func (ChallengeAnswered) event()  {}
func (Confirmed) event()          {}
func (FingerprintChecked) event() {}
func (HealthChecked) event()      {}
func (ChallengeTimedOut) event()  {}
func (CredentialExpired) event()  {}
func (Evicted) event()            {}
func (TransportClosed) event()    {}
func (ShuttingDown) event()       {}
func (Aborted) event()            {}

// Action is a side effect the bridge performs, in order.
type Action string

const (
	ActRegister           Action = "register"
	ActArmExpiry          Action = "arm_expiry"
	ActIssueChallenge     Action = "issue_challenge"
	ActVerifyChallenge    Action = "verify_challenge"
	ActMarkVerified       Action = "mark_verified"
	ActSendVerified       Action = "send_verified"
	ActCheckFingerprint   Action = "check_fingerprint"
	ActUpdateLiveness     Action = "update_liveness"
	ActSendPong           Action = "send_pong"
	ActCheckHealth        Action = "check_health"
	ActForwardToolExecute Action = "forward_tool_execute"
	ActForwardToolResult  Action = "forward_tool_result"
)

// Decision is the result of one transition. Error asks for a per-message
// error frame and leaves the connection open. Close ends the session; the
// bridge then tears down exactly once.
type Decision struct {
	Next     State
	Actions  []Action
	Error    protocol.ErrorCode
	Close    protocol.ErrorCode
	Severity security.Severity
}

// Terminal reports whether the decision ends the session.
func (d Decision) Terminal() bool { return d.Close != "" }

// Step computes the transition for ev in state s. Events arriving in a
// terminal state are ignored.
func Step(s State, ev Event) Decision {
	if s.Terminal() {
		return Decision{Next: s}
	}

	switch e := ev.(type) {
	case CredentialExpired:
		if s == StateConnecting {
			break
		}
		return closeWith(protocol.ErrCredentialExpired, security.SeverityInfo)
	case Evicted:
		sev := security.SeverityInfo
		if e.Reason == protocol.ErrStaleConnection {
			sev = security.SeverityWarn
		}
		return closeWith(e.Reason, sev)
	case TransportClosed:
		return closeWith(protocol.ErrTransportClosed, security.SeverityInfo)
	case ShuttingDown:
		return closeWith(protocol.ErrServerShuttingDown, security.SeverityInfo)
	case Aborted:
		return closeWith(e.Reason, security.SeverityError)
	}

	switch s {
	case StateConnecting:
		return stepConnecting(ev)
	case StateUnauthenticated:
		return stepUnauthenticated(ev)
	case StateChallenged:
		return stepChallenged(ev)
	case StateVerified:
		if _, ok := ev.(Confirmed); ok {
			return Decision{Next: StateActive}
		}
		return stepActive(StateVerified, ev)
	case StateActive:
		return stepActive(StateActive, ev)
	}
	return Decision{Next: s}
}

func stepConnecting(ev Event) Decision {
	e, ok := ev.(TransportChecked)
	if !ok {
		return Decision{Next: StateConnecting}
	}
	if !e.Secure {
		return Decision{Next: StateTransportRejected, Close: protocol.ErrTransportInsecure, Severity: security.SeverityWarn}
	}
	return Decision{Next: StateUnauthenticated}
}

func stepUnauthenticated(ev Event) Decision {
	e, ok := ev.(CredentialChecked)
	if !ok {
		return Decision{Next: StateUnauthenticated}
	}
	// A rejected credential ends the session in unauthenticated.
	switch {
	case e.Expired:
		return Decision{Next: StateUnauthenticated, Close: protocol.ErrCredentialExpired, Severity: security.SeverityInfo}
	case !e.Valid:
		return Decision{Next: StateUnauthenticated, Close: protocol.ErrCredentialInvalid, Severity: security.SeverityWarn}
	}
	return Decision{
		Next:    StateChallenged,
		Actions: []Action{ActRegister, ActArmExpiry, ActIssueChallenge},
	}
}

func stepChallenged(ev Event) Decision {
	switch e := ev.(type) {
	case MessageReceived:
		if e.Kind == protocol.KindChallengeResponse {
			return Decision{Next: StateChallenged, Actions: []Action{ActVerifyChallenge}}
		}
		return Decision{Next: StateChallenged, Error: protocol.ErrChallengeRequired, Severity: security.SeverityInfo}
	case ChallengeAnswered:
		r := e.Result
		switch {
		case r.Valid:
			return Decision{Next: StateVerified, Actions: []Action{ActMarkVerified, ActSendVerified}}
		case r.Reason == security.ReasonInvalidResponse:
			return Decision{Next: StateChallenged, Error: protocol.ErrChallengeFailed, Severity: r.Reason.Severity()}
		case r.Reason == security.ReasonExpired, r.Reason == security.ReasonNoChallenge:
			// A challenge that vanished while this connection still waits on it
			// was pruned after expiry or replaced by a newer connection.
			return Decision{Next: StateFailed, Close: protocol.ErrChallengeExpired, Severity: r.Reason.Severity()}
		default:
			return Decision{Next: StateFailed, Close: protocol.ErrChallengeFailed, Severity: r.Reason.Severity()}
		}
	case ChallengeTimedOut:
		return Decision{Next: StateFailed, Close: protocol.ErrChallengeExpired, Severity: security.SeverityWarn}
	}
	return Decision{Next: StateChallenged}
}

func stepActive(s State, ev Event) Decision {
	switch e := ev.(type) {
	case MessageReceived:
		switch e.Kind {
		case protocol.KindPing:
			return Decision{Next: s, Actions: []Action{ActCheckFingerprint}}
		case protocol.KindToolExecute:
			return Decision{Next: s, Actions: []Action{ActCheckHealth}}
		case protocol.KindToolResult:
			return Decision{Next: s, Actions: []Action{ActForwardToolResult}}
		case protocol.KindChallengeResponse:
			return Decision{Next: s, Error: protocol.ErrAlreadyVerified, Severity: security.SeverityInfo}
		}
	case FingerprintChecked:
		if !e.Match {
			return Decision{Next: StateClosed, Close: protocol.ErrFingerprintMismatch, Severity: security.SeverityCritical}
		}
		return Decision{Next: s, Actions: []Action{ActUpdateLiveness, ActSendPong}}
	case HealthChecked:
		if !e.Healthy {
			return Decision{Next: s, Error: protocol.ErrConnectionUnhealthy, Severity: security.SeverityWarn}
		}
		return Decision{Next: s, Actions: []Action{ActForwardToolExecute}}
	}
	return Decision{Next: s}
}

func closeWith(code protocol.ErrorCode, sev security.Severity) Decision {
	return Decision{Next: StateClosed, Close: code, Severity: sev}
}
