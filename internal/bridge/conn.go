package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/toolbridge/internal/audit"
	"github.com/basket/toolbridge/internal/bus"
	"github.com/basket/toolbridge/internal/otel"
	"github.com/basket/toolbridge/internal/persistence"
	"github.com/basket/toolbridge/internal/protocol"
	"github.com/basket/toolbridge/internal/registry"
	"github.com/basket/toolbridge/internal/security"
	"github.com/basket/toolbridge/internal/session"
	"github.com/basket/toolbridge/internal/shared"
)

var errorMessages = map[protocol.ErrorCode]string{
	protocol.ErrCredentialInvalid:   "credential rejected",
	protocol.ErrCredentialExpired:   "credential has expired",
	protocol.ErrChallengeRequired:   "answer the outstanding challenge first",
	protocol.ErrChallengeFailed:     "challenge response rejected",
	protocol.ErrChallengeExpired:    "challenge expired",
	protocol.ErrAlreadyVerified:     "challenge already verified",
	protocol.ErrMessageTooLarge:     "message exceeds the size limit",
	protocol.ErrUnsupportedFrame:    "only text frames are accepted",
	protocol.ErrFingerprintMismatch: "client fingerprint changed",
	protocol.ErrConnectionUnhealthy: "connection is not healthy",
	protocol.ErrToolSinkUnavailable: "tool execution is unavailable",
}

// Terminal reasons the client is told about in an error frame before the
// close frame. Evictions and shutdown only carry the close reason.
var announcedCloses = map[protocol.ErrorCode]bool{
	protocol.ErrCredentialInvalid:   true,
	protocol.ErrCredentialExpired:   true,
	protocol.ErrChallengeFailed:     true,
	protocol.ErrChallengeExpired:    true,
	protocol.ErrFingerprintMismatch: true,
}

// closeStatus maps a close reason onto a WebSocket status code.
func closeStatus(code protocol.ErrorCode) websocket.StatusCode {
	switch code {
	case protocol.ErrSuperseded:
		return websocket.StatusNormalClosure
	case protocol.ErrStaleConnection, protocol.ErrServerShuttingDown:
		return websocket.StatusGoingAway
	case protocol.ErrInternal, protocol.ErrChallengeUnavailable:
		return websocket.StatusInternalError
	default:
		return websocket.StatusPolicyViolation
	}
}

// wsTransport adapts a websocket.Conn to registry.Transport. Close only
// signals the owning task, which performs the actual close handshake.
type wsTransport struct {
	state   atomic.Value // registry.ReadyState
	once    sync.Once
	evicted chan struct{}

	mu     sync.Mutex
	reason protocol.ErrorCode
	detail string
}

func newWSTransport() *wsTransport {
	t := &wsTransport{evicted: make(chan struct{})}
	t.state.Store(registry.StateOpen)
	return t
}

func (t *wsTransport) Close(reason protocol.ErrorCode, detail string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason, t.detail = reason, detail
		t.mu.Unlock()
		t.state.Store(registry.StateClosing)
		close(t.evicted)
	})
}

func (t *wsTransport) ReadyState() registry.ReadyState {
	return t.state.Load().(registry.ReadyState)
}

func (t *wsTransport) closeInfo() (protocol.ErrorCode, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason, t.detail
}

// inbound is one frame off the wire. For frames over the size ceiling data
// is nil and size is the full length that was discarded.
type inbound struct {
	typ  websocket.MessageType
	data []byte
	size int
	err  error
}

// connTask owns one accepted connection. All writes and all state machine
// transitions happen on the task goroutine.
type connTask struct {
	s      *Server
	ws     *websocket.Conn
	ctx    context.Context
	span   trace.Span
	logger *slog.Logger

	id         string
	meta       security.RequestMetadata
	credential string
	openedAt   time.Time

	machine   *session.Machine
	transport *wsTransport
	conn      *registry.Connection
	identity  string
	binding   string
	expiresAt time.Time
	nonce     string

	challengeTimer *time.Timer
	expiryTimer    *time.Timer
	lastVerify     security.VerifyResult
	lastHealth     registry.Health

	final  session.Decision
	detail string
	done   chan struct{}
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		writeUpgradeRequired(w)
		return
	}
	if !s.beginTask() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.tasks.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("bridge upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	// readFrame bounds buffering per frame, so the transport limit is off.
	ws.SetReadLimit(-1)
	s.metrics.ConnectionsTotal.Add(r.Context(), 1)

	t := &connTask{
		s:          s,
		ws:         ws,
		id:         shared.NewConnectionID(),
		meta:       security.MetadataFromRequest(r),
		credential: ExtractCredential(r),
		openedAt:   s.now(),
		machine:    session.NewMachine(),
		transport:  newWSTransport(),
		done:       make(chan struct{}),
	}
	t.run(otel.ExtractRemote(r.Context(), r.Header))
}

func (t *connTask) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	ctx = shared.WithTraceID(shared.WithConnectionID(ctx, t.id), shared.NewTraceID())
	ctx, t.span = otel.StartServerSpan(ctx, t.s.tracer, "bridge.connection", otel.AttrConnectionID.String(t.id))
	defer t.span.End()
	t.ctx = ctx

	resolved := security.ResolveClient(t.meta, t.s.cfg.Policy)
	t.logger = t.s.logger.With("connection_id", t.id, "remote_addr", resolved.Client(), "trace_id", shared.TraceID(ctx))

	t.handshake()
	if !t.machine.Done() {
		frames := make(chan inbound)
		go t.readLoop(frames)
		t.loop(frames)
	}
	t.teardown()
}

func (t *connTask) handshake() {
	t.fire(session.TransportChecked{Secure: security.ClassifyTransportSecurity(t.meta, t.s.cfg.Policy)}, nil)
	if t.machine.Done() {
		return
	}

	valid, expired := false, false
	if t.credential != "" && t.s.cfg.Verifier != nil {
		id, ok := t.s.cfg.Verifier.VerifyCredential(t.ctx, t.credential)
		exp, hasExp := t.s.cfg.Verifier.DecodeCredentialExpiry(t.credential)
		expired = hasExp && !exp.After(t.s.now())
		if ok && id.Subject != "" {
			valid = true
			t.identity = id.Subject
			t.binding = id.SessionID
			if hasExp {
				t.expiresAt = exp
			}
		}
	}
	if !valid && !expired {
		t.detail = "credential missing or not recognised"
	}
	t.fire(session.CredentialChecked{Valid: valid, Expired: expired}, nil)
}

func (t *connTask) readLoop(out chan<- inbound) {
	for {
		f := t.readFrame()
		select {
		case out <- f:
		case <-t.done:
			return
		}
		if f.err != nil {
			return
		}
	}
}

// readFrame buffers at most MaxMessageSize+1 bytes of the next frame. The
// rest of an oversized frame is counted and discarded so the connection
// survives it.
func (t *connTask) readFrame() inbound {
	typ, r, err := t.ws.Reader(t.ctx)
	if err != nil {
		return inbound{err: err}
	}
	data, err := io.ReadAll(io.LimitReader(r, security.MaxMessageSize+1))
	if err != nil {
		return inbound{err: err}
	}
	if len(data) <= security.MaxMessageSize {
		return inbound{typ: typ, data: data, size: len(data)}
	}
	rest, err := io.Copy(io.Discard, r)
	if err != nil {
		return inbound{err: err}
	}
	return inbound{typ: typ, size: len(data) + int(rest)}
}

func (t *connTask) loop(frames <-chan inbound) {
	for !t.machine.Done() {
		select {
		case f := <-frames:
			if f.err != nil {
				t.detail = readErrorDetail(f.err)
				t.fire(session.TransportClosed{}, nil)
				continue
			}
			t.handleFrame(f)
		case <-timerC(t.challengeTimer):
			t.challengeTimer = nil
			t.fire(session.ChallengeTimedOut{}, nil)
		case <-timerC(t.expiryTimer):
			t.expiryTimer = nil
			t.detail = "credential expired at " + t.expiresAt.UTC().Format(time.RFC3339)
			t.fire(session.CredentialExpired{}, nil)
		case <-t.transport.evicted:
			reason, detail := t.transport.closeInfo()
			t.detail = detail
			t.fire(session.Evicted{Reason: reason}, nil)
		case <-t.s.shutdown:
			t.fire(session.ShuttingDown{}, nil)
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func readErrorDetail(err error) string {
	if status := websocket.CloseStatus(err); status != -1 {
		return "peer closed: " + status.String()
	}
	return err.Error()
}

func (t *connTask) handleFrame(f inbound) {
	if f.typ != websocket.MessageText {
		t.reject(protocol.NewErrorFrame(protocol.ErrUnsupportedFrame, errorMessages[protocol.ErrUnsupportedFrame]), security.SeverityWarn, "binary frame")
		return
	}
	if check := security.CheckMessageSize(f.size); !check.Valid {
		frame := protocol.NewErrorFrame(protocol.ErrMessageTooLarge, errorMessages[protocol.ErrMessageTooLarge])
		frame.Size, frame.MaxSize = check.Size, check.MaxSize
		t.reject(frame, security.SeverityWarn, "")
		return
	}
	msg, err := t.s.cfg.Validator.Parse(f.data)
	if err != nil {
		var ve *protocol.ValidationError
		if !errors.As(err, &ve) {
			ve = &protocol.ValidationError{Code: protocol.ErrInvalidFormat, Message: "invalid message"}
		}
		t.reject(protocol.ErrorFrameFromValidation(ve), security.SeverityInfo, ve.Error())
		return
	}
	t.s.metrics.MessagesByKind.Add(t.ctx, 1, metric.WithAttributes(otel.AttrMessageKind.String(string(msg.Kind))))
	t.fire(session.MessageReceived{Kind: msg.Kind}, &msg)
}

// reject answers a frame that never reached the state machine.
func (t *connTask) reject(frame protocol.ErrorFrame, sev security.Severity, detail string) {
	t.s.metrics.RejectedFrames.Add(t.ctx, 1, metric.WithAttributes(otel.AttrErrorCode.String(string(frame.Error))))
	t.audit(sev, frame.Error, detail)
	t.write(frame)
}

func (t *connTask) fire(ev session.Event, msg *protocol.Message) {
	t.apply(t.machine.Fire(ev), msg)
}

func (t *connTask) apply(d session.Decision, msg *protocol.Message) {
	if d.Error != "" {
		t.sendError(d, msg)
	}
	for _, act := range d.Actions {
		if t.machine.Done() {
			return
		}
		t.perform(act, msg)
	}
	if d.Terminal() && t.final.Close == "" {
		t.final = d
	}
}

func (t *connTask) sendError(d session.Decision, msg *protocol.Message) {
	frame := protocol.NewErrorFrame(d.Error, errorMessages[d.Error])
	detail := ""
	switch d.Error {
	case protocol.ErrChallengeFailed:
		n := t.lastVerify.AttemptsRemaining
		frame.AttemptsRemaining = &n
		detail = string(t.lastVerify.Reason)
	case protocol.ErrConnectionUnhealthy:
		detail = t.lastHealth.Reason
		frame.Message += ": " + t.lastHealth.Reason
	}
	if msg != nil && msg.ToolExecute != nil {
		frame.RequestID = msg.ToolExecute.ID
	}
	t.audit(d.Severity, d.Error, detail)
	t.write(frame)
}

func (t *connTask) perform(act session.Action, msg *protocol.Message) {
	switch act {
	case session.ActRegister:
		t.register()
	case session.ActArmExpiry:
		t.armExpiry()
	case session.ActIssueChallenge:
		t.issueChallenge()
	case session.ActVerifyChallenge:
		t.verifyChallenge(msg)
	case session.ActMarkVerified:
		t.markVerified()
	case session.ActSendVerified:
		if t.write(protocol.NewChallengeVerifiedFrame(t.s.now())) {
			t.fire(session.Confirmed{}, nil)
		}
	case session.ActCheckFingerprint:
		current := security.ComputeFingerprint(security.ResolveClient(t.meta, t.s.cfg.Policy))
		match := t.s.cfg.Registry.VerifyFingerprint(t.conn, current)
		if !match {
			t.detail = "fingerprint changed since registration"
		}
		t.fire(session.FingerprintChecked{Match: match}, msg)
	case session.ActUpdateLiveness:
		t.s.cfg.Registry.UpdateLiveness(t.conn)
	case session.ActSendPong:
		t.write(protocol.NewPongFrame(t.s.now()))
	case session.ActCheckHealth:
		t.lastHealth = t.s.cfg.Registry.CheckHealth(t.conn)
		t.fire(session.HealthChecked{Healthy: t.lastHealth.IsHealthy}, msg)
	case session.ActForwardToolExecute:
		t.forwardToolExecute(*msg.ToolExecute)
	case session.ActForwardToolResult:
		t.forwardToolResult(*msg.ToolResult)
	}
}

func (t *connTask) register() {
	if t.binding == "" {
		b, err := security.DeriveSessionBinding(t.credential, t.identity)
		if err != nil {
			t.logger.Error("derive session binding", "error", err)
			t.fire(session.Aborted{Reason: protocol.ErrInternal}, nil)
			return
		}
		t.binding = b
	}
	now := t.s.now()
	resolved := security.ResolveClient(t.meta, t.s.cfg.Policy)
	t.conn = registry.NewConnection(t.id, t.identity, security.ComputeFingerprint(resolved), t.transport, now)
	t.ctx = shared.WithIdentity(t.ctx, t.identity)
	t.logger = t.logger.With("identity", t.identity)
	t.span.SetAttributes(otel.AttrIdentity.String(t.identity))

	if prior := t.s.cfg.Registry.Register(t.identity, t.conn); prior != nil {
		t.logger.Info("superseded prior connection", "prior_connection_id", prior.ID)
	}
	t.s.metrics.ActiveConnections.Add(t.ctx, 1)

	if t.s.cfg.Store != nil {
		err := t.s.cfg.Store.RecordSessionOpened(t.ctx, persistence.BridgeSession{
			ConnectionID: t.id,
			Identity:     t.identity,
			Fingerprint:  string(t.conn.Fingerprint),
			RemoteAddr:   resolved.Client(),
			OpenedAt:     now,
		})
		if err != nil {
			t.logger.Warn("record session opened", "error", err)
		}
	}
	t.s.publish(bus.TopicConnectionOpened, bus.ConnectionEvent{
		ConnectionID: t.id,
		Identity:     t.identity,
		RemoteAddr:   resolved.Client(),
		At:           now,
	})
	t.logger.Info("bridge connection registered")
}

func (t *connTask) armExpiry() {
	now := t.s.now()
	if t.expiresAt.IsZero() {
		t.expiresAt = now.Add(t.s.cfg.DefaultSessionTTL)
	}
	t.expiryTimer = time.NewTimer(max(t.expiresAt.Sub(now), 0))
}

func (t *connTask) issueChallenge() {
	ch, err := t.s.cfg.Challenges.Issue(t.identity)
	if err != nil {
		t.logger.Error("issue challenge", "error", err)
		t.fire(session.Aborted{Reason: protocol.ErrChallengeUnavailable}, nil)
		return
	}
	t.nonce = ch.Nonce
	t.challengeTimer = time.NewTimer(ch.ExpiresAt.Sub(ch.IssuedAt))
	t.write(protocol.NewChallengeFrame(ch.Nonce, t.s.cfg.Challenges.TTL(), ch.AttemptsRemaining))
}

func (t *connTask) verifyChallenge(msg *protocol.Message) {
	t.lastVerify = t.s.cfg.Challenges.Verify(t.identity, t.nonce, msg.ChallengeResponse.Response, t.binding)
	if !t.lastVerify.Valid {
		t.s.metrics.ChallengeFailures.Add(t.ctx, 1, metric.WithAttributes(attribute.String("reason", string(t.lastVerify.Reason))))
		if t.lastVerify.Reason.Terminal() {
			t.detail = string(t.lastVerify.Reason)
		}
	}
	t.fire(session.ChallengeAnswered{Result: t.lastVerify}, msg)
}

func (t *connTask) markVerified() {
	t.conn.MarkVerified()
	if t.challengeTimer != nil {
		t.challengeTimer.Stop()
		t.challengeTimer = nil
	}
	t.nonce = ""
	now := t.s.now()
	t.s.metrics.HandshakeDuration.Record(t.ctx, now.Sub(t.openedAt).Seconds())
	if t.s.cfg.Store != nil {
		if err := t.s.cfg.Store.MarkSessionVerified(t.ctx, t.id, now); err != nil {
			t.logger.Warn("record session verified", "error", err)
		}
	}
	t.s.publish(bus.TopicConnectionVerified, bus.ConnectionEvent{ConnectionID: t.id, Identity: t.identity, At: now})
	t.logger.Info("bridge challenge verified")
}

func (t *connTask) forwardToolExecute(req protocol.ToolExecute) {
	ctx, span := otel.StartSpan(t.ctx, t.s.tracer, "bridge.tool_execute",
		otel.AttrToolName.String(req.ToolName),
		otel.AttrRequestID.String(req.ID),
	)
	defer span.End()
	if err := t.s.cfg.Sink.OnToolExecutionRequest(ctx, t.identity, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.logger.Warn("forward tool execution", "tool", req.ToolName, "request_id", req.ID, "error", err)
		frame := protocol.NewErrorFrame(protocol.ErrToolSinkUnavailable, errorMessages[protocol.ErrToolSinkUnavailable])
		frame.RequestID = req.ID
		t.write(frame)
		return
	}
	t.logger.Debug("tool execution forwarded", "tool", req.ToolName, "request_id", req.ID)
}

func (t *connTask) forwardToolResult(res protocol.ToolResult) {
	ctx, span := otel.StartSpan(t.ctx, t.s.tracer, "bridge.tool_result", otel.AttrRequestID.String(res.ID))
	defer span.End()
	if err := t.s.cfg.Sink.OnToolExecutionResult(ctx, t.identity, res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.logger.Warn("forward tool result", "request_id", res.ID, "error", err)
		frame := protocol.NewErrorFrame(protocol.ErrToolSinkUnavailable, errorMessages[protocol.ErrToolSinkUnavailable])
		frame.RequestID = res.ID
		t.write(frame)
	}
}

// write sends v and reports whether it was delivered. A failed write ends
// the session.
func (t *connTask) write(v any) bool {
	ctx, cancel := context.WithTimeout(t.ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, t.ws, v); err != nil {
		t.logger.Debug("bridge write failed", "error", err)
		if !t.machine.Done() {
			t.detail = "write failed: " + err.Error()
			t.fire(session.TransportClosed{}, nil)
		}
		return false
	}
	return true
}

func (t *connTask) audit(sev security.Severity, code protocol.ErrorCode, detail string) {
	t.s.metrics.SecurityEvents.Add(t.ctx, 1, metric.WithAttributes(
		otel.AttrSeverity.String(string(sev)),
		otel.AttrErrorCode.String(string(code)),
	))
	t.s.cfg.Audit.Record(t.ctx, audit.Event{
		Severity:     sev,
		Code:         string(code),
		Identity:     t.identity,
		ConnectionID: t.id,
		RemoteAddr:   security.ResolveClient(t.meta, t.s.cfg.Policy).Client(),
		Detail:       detail,
	})
}

// teardown runs exactly once per task after the session reached a
// terminal state.
func (t *connTask) teardown() {
	d := t.final
	reason := d.Close
	if reason == "" {
		reason = protocol.ErrTransportClosed
		d.Severity = security.SeverityInfo
	}

	if announcedCloses[reason] {
		frame := protocol.NewErrorFrame(reason, errorMessages[reason])
		if reason == protocol.ErrChallengeFailed {
			zero := 0
			frame.AttemptsRemaining = &zero
		}
		ctx, cancel := context.WithTimeout(t.ctx, writeTimeout)
		_ = wsjson.Write(ctx, t.ws, frame)
		cancel()
	}
	close(t.done)

	if t.challengeTimer != nil {
		t.challengeTimer.Stop()
	}
	if t.expiryTimer != nil {
		t.expiryTimer.Stop()
	}
	if t.nonce != "" {
		t.s.cfg.Challenges.Invalidate(t.identity, t.nonce)
	}

	now := t.s.now()
	if t.conn != nil {
		t.conn.Close(reason, t.detail)
		t.s.cfg.Registry.Unregister(t.identity, t.conn)
		t.s.metrics.ActiveConnections.Add(t.ctx, -1)
		if reason == protocol.ErrSuperseded || reason == protocol.ErrStaleConnection {
			t.s.metrics.Evictions.Add(t.ctx, 1, metric.WithAttributes(otel.AttrCloseReason.String(string(reason))))
		}
		if t.s.cfg.Store != nil {
			if err := t.s.cfg.Store.RecordSessionClosed(context.WithoutCancel(t.ctx), t.id, string(reason), now); err != nil {
				t.logger.Warn("record session closed", "error", err)
			}
		}
		t.s.publish(bus.TopicConnectionClosed, bus.ConnectionEvent{
			ConnectionID: t.id,
			Identity:     t.identity,
			Reason:       string(reason),
			At:           now,
		})
	}

	t.transport.state.Store(registry.StateClosing)
	if reason == protocol.ErrTransportClosed {
		_ = t.ws.CloseNow()
	} else {
		_ = t.ws.Close(closeStatus(reason), string(reason))
	}
	t.transport.state.Store(registry.StateClosed)

	t.audit(d.Severity, reason, t.detail)
	t.span.SetAttributes(otel.AttrCloseReason.String(string(reason)))
	if d.Severity != security.SeverityInfo {
		t.span.SetStatus(codes.Error, string(reason))
	}
	t.logger.Info("bridge connection closed",
		"reason", reason,
		"state", t.machine.State(),
		"duration", now.Sub(t.openedAt).Round(time.Millisecond).String(),
	)
}
