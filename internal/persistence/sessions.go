package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BridgeSession is the durable record of one bridge connection.
type BridgeSession struct {
	ConnectionID string     `json:"connection_id"`
	Identity     string     `json:"identity"`
	Fingerprint  string     `json:"fingerprint"`
	RemoteAddr   string     `json:"remote_addr,omitempty"`
	OpenedAt     time.Time  `json:"opened_at"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	CloseReason  string     `json:"close_reason,omitempty"`
}

func (s *Store) RecordSessionOpened(ctx context.Context, sess BridgeSession) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO bridge_sessions (connection_id, identity, fingerprint, remote_addr, opened_at)
			VALUES (?, ?, ?, ?, ?);
		`, sess.ConnectionID, sess.Identity, sess.Fingerprint, sess.RemoteAddr, utc(sess.OpenedAt))
		if err != nil {
			return fmt.Errorf("insert bridge session: %w", err)
		}
		return nil
	})
}

func (s *Store) MarkSessionVerified(ctx context.Context, connectionID string, at time.Time) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE bridge_sessions SET verified_at = ?
			WHERE connection_id = ? AND verified_at IS NULL;
		`, utc(at), connectionID)
		if err != nil {
			return fmt.Errorf("mark bridge session verified: %w", err)
		}
		return nil
	})
}

// RecordSessionClosed stamps the close time and reason. Only the first
// close is kept.
func (s *Store) RecordSessionClosed(ctx context.Context, connectionID, reason string, at time.Time) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE bridge_sessions SET closed_at = ?, close_reason = ?
			WHERE connection_id = ? AND closed_at IS NULL;
		`, utc(at), reason, connectionID)
		if err != nil {
			return fmt.Errorf("close bridge session: %w", err)
		}
		return nil
	})
}

// CloseOpenSessions marks every session still open as closed with reason,
// used at startup to settle rows left behind by an unclean exit.
func (s *Store) CloseOpenSessions(ctx context.Context, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bridge_sessions SET closed_at = ?, close_reason = ?
		WHERE closed_at IS NULL;
	`, time.Now().UTC(), reason)
	if err != nil {
		return 0, fmt.Errorf("close open bridge sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) RecentSessions(ctx context.Context, limit int) ([]BridgeSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT connection_id, identity, fingerprint, remote_addr, opened_at, verified_at, closed_at, close_reason
		FROM bridge_sessions
		ORDER BY opened_at DESC
		LIMIT ?;
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query bridge sessions: %w", err)
	}
	defer rows.Close()

	var out []BridgeSession
	for rows.Next() {
		var sess BridgeSession
		var verified, closed sql.NullTime
		if err := rows.Scan(&sess.ConnectionID, &sess.Identity, &sess.Fingerprint, &sess.RemoteAddr,
			&sess.OpenedAt, &verified, &closed, &sess.CloseReason); err != nil {
			return nil, fmt.Errorf("scan bridge session: %w", err)
		}
		if verified.Valid {
			t := verified.Time
			sess.VerifiedAt = &t
		}
		if closed.Valid {
			t := closed.Time
			sess.ClosedAt = &t
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bridge sessions rows: %w", err)
	}
	return out, nil
}
