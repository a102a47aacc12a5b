package bus

import (
	"encoding/json"
	"time"
)

// Tool traffic topics. The tool-invocation subsystem subscribes to
// TopicToolPrefix.
const (
	TopicToolPrefix         = "tool."
	TopicToolExecuteRequest = "tool.execute.requested"
	TopicToolResultReceived = "tool.result.received"
)

// Connection lifecycle topics.
const (
	TopicConnectionPrefix   = "connection."
	TopicConnectionOpened   = "connection.opened"
	TopicConnectionVerified = "connection.verified"
	TopicConnectionClosed   = "connection.closed"
)

// ToolExecuteRequested carries a validated tool_execute message from a
// verified connection.
type ToolExecuteRequested struct {
	ConnectionID string
	Identity     string
	RequestID    string
	ToolName     string
	Args         json.RawMessage
	ReceivedAt   time.Time
}

// ToolResultReceived carries a validated tool_result message.
type ToolResultReceived struct {
	ConnectionID string
	Identity     string
	RequestID    string
	Success      bool
	Result       json.RawMessage
	Error        string
	ReceivedAt   time.Time
}

// ConnectionEvent describes a lifecycle transition of one bridge connection.
// Reason is set only for TopicConnectionClosed.
type ConnectionEvent struct {
	ConnectionID string
	Identity     string
	RemoteAddr   string
	Reason       string
	At           time.Time
}
