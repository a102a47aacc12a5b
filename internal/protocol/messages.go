// Package protocol defines the tool bridge wire format: the closed set of
// inbound message kinds, the outbound server frames and the error taxonomy
// shared by every layer of the bridge.
package protocol

import (
	"encoding/json"
	"time"
)

// Kind names an inbound message type.
type Kind string

const (
	KindPing              Kind = "ping"
	KindChallengeResponse Kind = "challenge_response"
	KindToolExecute       Kind = "tool_execute"
	KindToolResult        Kind = "tool_result"
)

// Kinds lists every accepted inbound kind.
var Kinds = []Kind{KindPing, KindChallengeResponse, KindToolExecute, KindToolResult}

// Outbound frame types.
const (
	FrameChallenge         = "challenge"
	FrameChallengeVerified = "challenge_verified"
	FramePong              = "pong"
	FrameError             = "error"
)

// ChallengeResponse carries the client's proof for the outstanding challenge.
type ChallengeResponse struct {
	Response string `json:"response"`
}

// ToolExecute asks the tool-invocation subsystem to run a tool.
type ToolExecute struct {
	ID       string          `json:"id"`
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args"`
}

// ToolResult reports the outcome of an earlier tool execution.
type ToolResult struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Message is a validated inbound frame. Exactly one payload pointer is set
// for kinds that carry a payload; ping carries none.
type Message struct {
	Kind              Kind
	ChallengeResponse *ChallengeResponse
	ToolExecute       *ToolExecute
	ToolResult        *ToolResult
}

// ChallengeFrame is sent when a challenge is issued.
type ChallengeFrame struct {
	Type              string `json:"type"`
	Challenge         string `json:"challenge"`
	ExpiresIn         int64  `json:"expiresIn"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
}

// ChallengeVerifiedFrame confirms a successful challenge response.
type ChallengeVerifiedFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorFrame reports a per-message or terminal error to the client.
type ErrorFrame struct {
	Type              string       `json:"type"`
	Error             ErrorCode    `json:"error"`
	Message           string       `json:"message,omitempty"`
	Details           []FieldError `json:"details,omitempty"`
	Size              int          `json:"size,omitempty"`
	MaxSize           int          `json:"maxSize,omitempty"`
	AttemptsRemaining *int         `json:"attemptsRemaining,omitempty"`
	RequestID         string       `json:"id,omitempty"`
}

// NewChallengeFrame builds the frame announcing a freshly issued challenge.
func NewChallengeFrame(nonce string, expiresIn time.Duration, attempts int) ChallengeFrame {
	return ChallengeFrame{
		Type:              FrameChallenge,
		Challenge:         nonce,
		ExpiresIn:         expiresIn.Milliseconds(),
		AttemptsRemaining: attempts,
	}
}

func NewChallengeVerifiedFrame(now time.Time) ChallengeVerifiedFrame {
	return ChallengeVerifiedFrame{Type: FrameChallengeVerified, Timestamp: now.UnixMilli()}
}

func NewPongFrame(now time.Time) PongFrame {
	return PongFrame{Type: FramePong, Timestamp: now.UnixMilli()}
}

// NewErrorFrame builds a bare error frame for code.
func NewErrorFrame(code ErrorCode, message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Error: code, Message: message}
}

// ErrorFrameFromValidation converts a validation failure into the frame sent
// back to the client. Only field-level diagnostics leave the server.
func ErrorFrameFromValidation(err *ValidationError) ErrorFrame {
	return ErrorFrame{
		Type:    FrameError,
		Error:   err.Code,
		Message: err.Message,
		Details: err.Details,
	}
}
