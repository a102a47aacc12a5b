package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedSecurityEvents int64 `json:"purged_security_events"`
	PurgedSessions       int64 `json:"purged_sessions"`
}

// RunRetention deletes records older than the retention windows. A
// non-positive window disables that category. Open sessions are never
// purged. Running it twice is harmless.
func (s *Store) RunRetention(ctx context.Context, now time.Time, securityEventDays, sessionDays int) (RetentionResult, error) {
	var result RetentionResult
	now = utc(now)

	if securityEventDays > 0 {
		cutoff := now.AddDate(0, 0, -securityEventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge security_events: %w", err)
		}
		result.PurgedSecurityEvents, _ = res.RowsAffected()
	}

	if sessionDays > 0 {
		cutoff := now.AddDate(0, 0, -sessionDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM bridge_sessions WHERE closed_at IS NOT NULL AND closed_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge bridge_sessions: %w", err)
		}
		result.PurgedSessions, _ = res.RowsAffected()
	}

	return result, nil
}
