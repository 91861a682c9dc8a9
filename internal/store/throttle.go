package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TryIncrementThrottle consumes one send slot for (recipient, kind, window).
// Returns true if a slot was available, false if the window is full.
//
// The whole increment-and-check is one upsert:
//
//	INSERT ... ON CONFLICT DO UPDATE SET count = count + 1
//	WHERE count < ceiling RETURNING count
//
// When the window row exists and is at the ceiling, the WHERE clause makes
// the conflict arm a no-op and no row comes back. Two concurrent attempts
// racing for the last slot serialize on the row lock inside this single
// statement — the classic read-then-write race cannot occur because there is
// no application-side read.
//
// The ceiling is a parameter, not a schema constant: policy values live in
// config.
func (s *Store) TryIncrementThrottle(ctx context.Context, recipient, kind string, windowStart time.Time, ceiling int, now time.Time) (bool, error) {
	if ceiling < 1 {
		return false, nil
	}

	var count int
	err := s.pool.QueryRowContext(ctx, `
		INSERT INTO notification_throttle (recipient, kind, window_start, count, last_increment_at)
		VALUES ($1, $2, $3, 1, $5)
		ON CONFLICT (recipient, kind, window_start) DO UPDATE
		SET count = notification_throttle.count + 1, last_increment_at = $5
		WHERE notification_throttle.count < $4
		RETURNING count`,
		recipient, kind, windowStart, ceiling, now,
	).Scan(&count)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("increment throttle", err)
	}
	return true, nil
}

// ThrottleCount reads the current counter for a window. Zero when no row
// exists yet. Used by tests and the audit surface, never by the gate — the
// gate only ever calls TryIncrementThrottle.
func (s *Store) ThrottleCount(ctx context.Context, recipient, kind string, windowStart time.Time) (int, error) {
	var count int
	err := s.pool.QueryRowContext(ctx, `
		SELECT count FROM notification_throttle
		WHERE recipient = $1 AND kind = $2 AND window_start = $3`,
		recipient, kind, windowStart,
	).Scan(&count)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("read throttle", err)
	}
	return count, nil
}

// PurgeThrottleWindows deletes counters whose window started before the
// cutoff. Superseded windows are never reused, so this is pure cleanup.
func (s *Store) PurgeThrottleWindows(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.pool.ExecContext(ctx, `
		DELETE FROM notification_throttle WHERE window_start < $1`,
		before,
	)
	if err != nil {
		return 0, unavailable("purge throttle windows", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("purge throttle windows", err)
	}
	return n, nil
}
