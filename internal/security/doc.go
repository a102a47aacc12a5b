// Package security holds the primitives the bridge handshake is built from:
// transport classification, connection fingerprints, per-identity
// challenge/response, session binding derivation and the frame size
// ceiling. Nothing here touches the network.
package security

// Severity tags every security-relevant failure for the audit trail.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Severities lists the tags in ascending order.
var Severities = []Severity{SeverityInfo, SeverityWarn, SeverityError, SeverityCritical}

// ParseSeverity maps s to a known severity, defaulting to info.
func ParseSeverity(s string) Severity {
	for _, sev := range Severities {
		if string(sev) == s {
			return sev
		}
	}
	return SeverityInfo
}
