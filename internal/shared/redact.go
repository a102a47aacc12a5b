package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches credential-bearing fragments in log, audit and error strings.
var secretPatterns = []*regexp.Regexp{
	// Key-like prefixes followed by a long opaque value.
	regexp.MustCompile(`(?i)(api[_-]?key|admin[_-]?token|auth[_-]?token|access[_-]?token|credential)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer credentials in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Credentials passed in the upgrade query string.
	regexp.MustCompile(`(?i)([?&]token=)([^&\s]+)`),
	// Signed bridge credentials: two base64url segments joined by a dot.
	regexp.MustCompile(`\b[A-Za-z0-9_\-]{24,}\.[A-Za-z0-9_\-]{64,}\b`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the prefix group when the pattern has one.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential", "nkey"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
