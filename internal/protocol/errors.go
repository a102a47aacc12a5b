package protocol

import (
	"fmt"
	"strings"
)

// ErrorCode is the stable error taxonomy reported in error frames, close
// reasons and audit records.
type ErrorCode string

const (
	ErrTransportInsecure    ErrorCode = "transport_insecure"
	ErrCredentialInvalid    ErrorCode = "credential_invalid"
	ErrCredentialExpired    ErrorCode = "credential_expired"
	ErrChallengeRequired    ErrorCode = "challenge_required"
	ErrChallengeFailed      ErrorCode = "challenge_failed"
	ErrChallengeExpired     ErrorCode = "challenge_expired"
	ErrAlreadyVerified      ErrorCode = "challenge_already_verified"
	ErrMessageTooLarge      ErrorCode = "message_too_large"
	ErrInvalidJSON          ErrorCode = "invalid_json"
	ErrInvalidFormat        ErrorCode = "invalid_message_format"
	ErrUnsupportedFrame     ErrorCode = "unsupported_frame"
	ErrFingerprintMismatch  ErrorCode = "fingerprint_mismatch"
	ErrConnectionUnhealthy  ErrorCode = "connection_unhealthy"
	ErrSuperseded           ErrorCode = "superseded"
	ErrStaleConnection      ErrorCode = "stale_connection"
	ErrInternal             ErrorCode = "internal_error"
	ErrServerShuttingDown   ErrorCode = "server_shutting_down"
	ErrToolSinkUnavailable  ErrorCode = "tool_sink_unavailable"
	ErrRateLimited          ErrorCode = "rate_limited"
	ErrUpgradeRequired      ErrorCode = "upgrade_required"
	ErrTransportClosed      ErrorCode = "transport_closed"
	ErrChallengeUnavailable ErrorCode = "challenge_unavailable"
)

// FieldError is a single field-level validation diagnostic.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned by Parse for frames that never reach
// business logic.
type ValidationError struct {
	Code    ErrorCode
	Message string
	Details []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+" "+d.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, "; "))
}
