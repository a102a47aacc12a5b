// Package toolsink delivers validated tool traffic from the bridge to the
// tool-invocation subsystem. Every implementation hands events off without
// waiting for the tool to run.
package toolsink

import (
	"context"
	"errors"

	"github.com/basket/toolbridge/internal/protocol"
)

// ErrUnavailable means no consumer accepted the event.
var ErrUnavailable = errors.New("toolsink: no consumer available")

// Sink receives the two events the bridge exposes. Connection metadata
// travels in ctx (see shared.ConnectionID).
type Sink interface {
	OnToolExecutionRequest(ctx context.Context, identity string, req protocol.ToolExecute) error
	OnToolExecutionResult(ctx context.Context, identity string, res protocol.ToolResult) error
}
