package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PingHeartbeat records a liveness signal for the account, last write wins.
func (s *Store) PingHeartbeat(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO heartbeats (account_id, last_heartbeat_at) VALUES (?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET last_heartbeat_at = excluded.last_heartbeat_at`,
		accountID, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("ping heartbeat for %s: %w", accountID, err)
	}
	return nil
}

// LastHeartbeat returns the account's last liveness signal. ok is false when
// no heartbeat row exists at all.
func (s *Store) LastHeartbeat(ctx context.Context, accountID string) (at time.Time, ok bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx,
		`SELECT last_heartbeat_at FROM heartbeats WHERE account_id = ?`, accountID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query heartbeat for %s: %w", accountID, err)
	}
	at, err = parseTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// DeleteHeartbeatsBefore garbage-collects heartbeat rows older than the
// cutoff and returns how many were removed.
func (s *Store) DeleteHeartbeatsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM heartbeats WHERE last_heartbeat_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete stale heartbeats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale heartbeats rows affected: %w", err)
	}
	return int(n), nil
}
