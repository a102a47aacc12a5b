package toolsink

import (
	"context"
	"time"

	"github.com/basket/toolbridge/internal/bus"
	"github.com/basket/toolbridge/internal/protocol"
	"github.com/basket/toolbridge/internal/shared"
)

// BusSink publishes tool traffic on the in-process bus.
type BusSink struct {
	bus *bus.Bus
	now func() time.Time
}

func NewBusSink(b *bus.Bus) *BusSink {
	return &BusSink{bus: b, now: time.Now}
}

func (s *BusSink) OnToolExecutionRequest(ctx context.Context, identity string, req protocol.ToolExecute) error {
	n := s.bus.Publish(bus.TopicToolExecuteRequest, bus.ToolExecuteRequested{
		ConnectionID: shared.ConnectionID(ctx),
		Identity:     identity,
		RequestID:    req.ID,
		ToolName:     req.ToolName,
		Args:         req.Args,
		ReceivedAt:   s.now(),
	})
	if n == 0 {
		return ErrUnavailable
	}
	return nil
}

func (s *BusSink) OnToolExecutionResult(ctx context.Context, identity string, res protocol.ToolResult) error {
	n := s.bus.Publish(bus.TopicToolResultReceived, bus.ToolResultReceived{
		ConnectionID: shared.ConnectionID(ctx),
		Identity:     identity,
		RequestID:    res.ID,
		Success:      res.Success,
		Result:       res.Result,
		Error:        res.Error,
		ReceivedAt:   s.now(),
	})
	if n == 0 {
		return ErrUnavailable
	}
	return nil
}
