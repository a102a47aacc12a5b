package security

// MaxMessageSize is the per-frame ceiling in bytes.
const MaxMessageSize = 64 * 1024

// SizeCheck is the outcome of ValidateMessageSize.
type SizeCheck struct {
	Valid   bool
	Size    int
	MaxSize int
}

// ValidateMessageSize rejects frames above MaxMessageSize. It looks at the
// length only and must run before any decoding.
func ValidateMessageSize(raw []byte) SizeCheck {
	return CheckMessageSize(len(raw))
}

// CheckMessageSize is ValidateMessageSize for a frame whose body was
// counted rather than buffered.
func CheckMessageSize(n int) SizeCheck {
	return SizeCheck{Valid: n <= MaxMessageSize, Size: n, MaxSize: MaxMessageSize}
}
