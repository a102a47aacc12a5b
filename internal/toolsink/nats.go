package toolsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/basket/toolbridge/internal/protocol"
	"github.com/basket/toolbridge/internal/shared"
)

// DefaultSubjectPrefix roots every subject the NATS sink publishes on.
const DefaultSubjectPrefix = "toolbridge.tools"

// Publisher is the slice of *nats.Conn the sink needs. Publish only
// buffers the message; the client flushes it in the background.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes tool traffic as JSON on
// <prefix>.execute.<identity> and <prefix>.result.
type NATSSink struct {
	pub    Publisher
	prefix string
	now    func() time.Time
}

func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, "."), now: time.Now}
}

type executeMessage struct {
	ConnectionID string          `json:"connectionId"`
	Identity     string          `json:"identity"`
	ID           string          `json:"id"`
	ToolName     string          `json:"toolName"`
	Args         json.RawMessage `json:"args"`
	ReceivedAt   int64           `json:"receivedAt"`
}

type resultMessage struct {
	ConnectionID string          `json:"connectionId"`
	Identity     string          `json:"identity"`
	ID           string          `json:"id"`
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ReceivedAt   int64           `json:"receivedAt"`
}

func (s *NATSSink) OnToolExecutionRequest(ctx context.Context, identity string, req protocol.ToolExecute) error {
	data, err := json.Marshal(executeMessage{
		ConnectionID: shared.ConnectionID(ctx),
		Identity:     identity,
		ID:           req.ID,
		ToolName:     req.ToolName,
		Args:         req.Args,
		ReceivedAt:   s.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode tool request: %w", err)
	}
	return s.publish(s.ExecuteSubject(identity), data)
}

func (s *NATSSink) OnToolExecutionResult(ctx context.Context, identity string, res protocol.ToolResult) error {
	data, err := json.Marshal(resultMessage{
		ConnectionID: shared.ConnectionID(ctx),
		Identity:     identity,
		ID:           res.ID,
		Success:      res.Success,
		Result:       res.Result,
		Error:        res.Error,
		ReceivedAt:   s.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode tool result: %w", err)
	}
	return s.publish(s.ResultSubject(), data)
}

func (s *NATSSink) ExecuteSubject(identity string) string {
	return s.prefix + ".execute." + subjectToken(identity)
}

func (s *NATSSink) ResultSubject() string {
	return s.prefix + ".result"
}

func (s *NATSSink) publish(subject string, data []byte) error {
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, subject, err)
	}
	return nil
}

// subjectToken maps an identity onto a single NATS subject token.
func subjectToken(identity string) string {
	if identity == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '*' || r == '>' || r <= ' ' || r == 0x7f:
			return '_'
		default:
			return r
		}
	}, identity)
}

// Dial connects to NATS with reconnect handlers that log through logger.
func Dial(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("toolbridge"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// Status reports a NATS connection state for health output.
func Status(conn *nats.Conn) string {
	if conn == nil {
		return "disabled"
	}
	switch conn.Status() {
	case nats.CONNECTED:
		return "connected"
	case nats.CONNECTING:
		return "connecting"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.DISCONNECTED:
		return "disconnected"
	case nats.CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}
