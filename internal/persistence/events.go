package persistence

import (
	"context"
	"fmt"
	"time"
)

// SecurityEvent is one row of the security audit trail.
type SecurityEvent struct {
	ID           int64     `json:"id"`
	Severity     string    `json:"severity"`
	Code         string    `json:"code"`
	Identity     string    `json:"identity,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// InsertSecurityEvent appends ev. A zero CreatedAt is stamped with the
// current time.
func (s *Store) InsertSecurityEvent(ctx context.Context, ev SecurityEvent) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO security_events (severity, code, identity, connection_id, remote_addr, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, ev.Severity, ev.Code, ev.Identity, ev.ConnectionID, ev.RemoteAddr, ev.Detail, utc(ev.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert security event: %w", err)
		}
		return nil
	})
}

// ListSecurityEvents returns the newest events first. A non-empty severity
// filters to that severity only.
func (s *Store) ListSecurityEvents(ctx context.Context, severity string, limit int) ([]SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, severity, code, identity, connection_id, remote_addr, detail, created_at
		FROM security_events
		WHERE (? = '' OR severity = ?)
		ORDER BY id DESC
		LIMIT ?;
	`, severity, severity, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var out []SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		if err := rows.Scan(&ev.ID, &ev.Severity, &ev.Code, &ev.Identity, &ev.ConnectionID, &ev.RemoteAddr, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("security events rows: %w", err)
	}
	return out, nil
}

// SecurityEventCounts returns the number of stored events per severity.
func (s *Store) SecurityEventCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM security_events GROUP BY severity;`)
	if err != nil {
		return nil, fmt.Errorf("count security events: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var sev string
		var n int64
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("scan security event count: %w", err)
		}
		out[sev] = n
	}
	return out, rows.Err()
}
