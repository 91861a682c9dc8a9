package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

// LedgerStatus is the send-attempt state machine: pending → sent | failed.
type LedgerStatus string

const (
	StatusPending LedgerStatus = "pending"
	StatusSent    LedgerStatus = "sent"
	StatusFailed  LedgerStatus = "failed"
)

// BeginDecision is the outcome of BeginAttempt for one idempotency key.
type BeginDecision int

const (
	// BeginNew: this caller now owns a fresh (or reclaimed) pending row and
	// must finalize it after the transport attempt.
	BeginNew BeginDecision = iota

	// BeginDuplicateSent: the key already reached sent. Never send again.
	BeginDuplicateSent

	// BeginInFlight: another caller holds a young pending row for the key.
	// This caller must not proceed and must not finalize anything.
	BeginInFlight
)

func (d BeginDecision) String() string {
	switch d {
	case BeginNew:
		return "new"
	case BeginDuplicateSent:
		return "duplicate_sent"
	case BeginInFlight:
		return "in_flight"
	}
	return fmt.Sprintf("BeginDecision(%d)", int(d))
}

// LedgerEntry is one durable send-attempt record.
type LedgerEntry struct {
	ID             uuid.UUID
	IdempotencyKey string
	Recipient      string
	Kind           string
	Status         LedgerStatus
	Attempt        int
	ErrorDetail    sql.NullString
	Payload        pqtype.NullRawMessage
	CreatedAt      time.Time
	FinalizedAt    sql.NullTime
}

// BeginAttemptParams carries everything BeginAttempt needs. Now and
// StaleAfter are explicit so tests can drive the staleness rule with a fixed
// clock.
type BeginAttemptParams struct {
	Key       string
	Recipient string
	Kind      string

	// Payload is an optional JSON snapshot of what is being sent, retained on
	// the row for the audit trail. Nil is fine.
	Payload json.RawMessage

	Now time.Time

	// StaleAfter is the age past which a pending row is treated as abandoned
	// by a crashed caller and may be reclaimed.
	StaleAfter time.Duration
}

// errorDetailMax caps the stored error_detail column.
const errorDetailMax = 512

// uniqueViolation is the Postgres error code raised when an insert collides
// with the partial unique index on live (pending|sent) ledger rows.
const uniqueViolation = "23505"

// BeginAttempt atomically claims the right to send for one idempotency key.
//
// The fast path is a plain INSERT of a pending row. The partial unique index
// notification_ledger_live_key admits at most one pending-or-sent row per
// key, so of two concurrent callers exactly one insert commits; the loser
// gets a unique violation and reads the winner's row to classify itself:
//
//	sent                  → BeginDuplicateSent
//	pending, young        → BeginInFlight
//	pending, stale        → reclaim via conditional UPDATE (below)
//
// Reclaiming a stale pending row (left by a caller that crashed between
// begin and finalize) is itself a single conditional UPDATE: it resets
// created_at and bumps attempt only if the row is still pending and still
// stale, so of two concurrent reclaimers exactly one sees a row updated and
// wins BeginNew; the other falls back to BeginInFlight.
//
// Failed rows do not participate in the unique index, so a retry after a
// failure inserts a brand-new row under the same key; prior failed attempts
// remain in the ledger for audit. Uniqueness holds only among live rows, so
// at most one sent row per key can ever exist.
func (s *Store) BeginAttempt(ctx context.Context, p BeginAttemptParams) (BeginDecision, error) {
	// A finalize can race between our failed insert and the follow-up read,
	// making the live row vanish. One retry of the whole sequence covers it;
	// a second consecutive vanish means something is deleting rows out from
	// under us and deserves an error.
	for i := 0; i < 2; i++ {
		decision, retry, err := s.beginOnce(ctx, p)
		if err != nil {
			return 0, err
		}
		if !retry {
			return decision, nil
		}
	}
	return 0, unavailable("begin attempt", errors.New("live ledger row vanished twice for key "+p.Key))
}

func (s *Store) beginOnce(ctx context.Context, p BeginAttemptParams) (decision BeginDecision, retry bool, err error) {
	payload := pqtype.NullRawMessage{RawMessage: p.Payload, Valid: p.Payload != nil}

	_, err = s.pool.ExecContext(ctx, `
		INSERT INTO notification_ledger (id, idempotency_key, recipient, kind, status, attempt, payload, created_at)
		VALUES ($1, $2, $3, $4, 'pending',
		        (SELECT COUNT(*) + 1 FROM notification_ledger WHERE idempotency_key = $2),
		        $5, $6)`,
		uuid.New(), p.Key, p.Recipient, p.Kind, payload, p.Now,
	)
	if err == nil {
		return BeginNew, false, nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != uniqueViolation {
		return 0, false, unavailable("insert ledger row", err)
	}

	// Lost the insert race — classify against the live row.
	var (
		id        uuid.UUID
		status    LedgerStatus
		createdAt time.Time
	)
	row := s.pool.QueryRowContext(ctx, `
		SELECT id, status, created_at
		FROM notification_ledger
		WHERE idempotency_key = $1 AND status IN ('pending', 'sent')`,
		p.Key,
	)
	switch err := row.Scan(&id, &status, &createdAt); {
	case errors.Is(err, sql.ErrNoRows):
		// Finalized to failed between our insert and this read. Re-insert.
		return 0, true, nil
	case err != nil:
		return 0, false, unavailable("read live ledger row", err)
	}

	if status == StatusSent {
		return BeginDuplicateSent, false, nil
	}

	cutoff := p.Now.Add(-p.StaleAfter)
	if !createdAt.Before(cutoff) {
		return BeginInFlight, false, nil
	}

	// Stale pending row — try to take it over. The WHERE clause re-checks
	// status and age so that only one of any number of concurrent reclaimers
	// succeeds.
	res, err := s.pool.ExecContext(ctx, `
		UPDATE notification_ledger
		SET created_at = $2, attempt = attempt + 1, payload = COALESCE($3, payload)
		WHERE id = $1 AND status = 'pending' AND created_at < $4`,
		id, p.Now, payload, cutoff,
	)
	if err != nil {
		return 0, false, unavailable("reclaim stale ledger row", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, unavailable("reclaim stale ledger row", err)
	}
	if n == 1 {
		return BeginNew, false, nil
	}
	return BeginInFlight, false, nil
}

// FinalizeAttempt transitions the key's pending row to sent or failed.
// The WHERE clause targets only the pending row, so a second finalize for the
// same key (a retried transport call reporting twice) matches zero rows and
// is a no-op rather than an error.
func (s *Store) FinalizeAttempt(ctx context.Context, key string, outcome LedgerStatus, detail string, now time.Time) error {
	if outcome != StatusSent && outcome != StatusFailed {
		return fmt.Errorf("store: finalize with non-terminal status %q", outcome)
	}

	_, err := s.pool.ExecContext(ctx, `
		UPDATE notification_ledger
		SET status = $2, error_detail = NULLIF($3, ''), finalized_at = $4
		WHERE idempotency_key = $1 AND status = 'pending'`,
		key, outcome, truncate(detail, errorDetailMax), now,
	)
	if err != nil {
		return unavailable("finalize ledger row", err)
	}
	return nil
}

// GetLedgerEntry fetches the most recent row for a key. Audit/debug read.
func (s *Store) GetLedgerEntry(ctx context.Context, key string) (LedgerEntry, error) {
	row := s.pool.QueryRowContext(ctx, `
		SELECT id, idempotency_key, recipient, kind, status, attempt, error_detail, payload, created_at, finalized_at
		FROM notification_ledger
		WHERE idempotency_key = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		key,
	)

	var e LedgerEntry
	err := row.Scan(&e.ID, &e.IdempotencyKey, &e.Recipient, &e.Kind, &e.Status,
		&e.Attempt, &e.ErrorDetail, &e.Payload, &e.CreatedAt, &e.FinalizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntry{}, sql.ErrNoRows
	}
	if err != nil {
		return LedgerEntry{}, unavailable("read ledger entry", err)
	}
	return e, nil
}

// ListLedgerByRecipient returns the recipient's most recent attempts, newest
// first. Backs the audit endpoint.
func (s *Store) ListLedgerByRecipient(ctx context.Context, recipient string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.QueryContext(ctx, `
		SELECT id, idempotency_key, recipient, kind, status, attempt, error_detail, payload, created_at, finalized_at
		FROM notification_ledger
		WHERE recipient = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		recipient, limit,
	)
	if err != nil {
		return nil, unavailable("list ledger", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.Recipient, &e.Kind, &e.Status,
			&e.Attempt, &e.ErrorDetail, &e.Payload, &e.CreatedAt, &e.FinalizedAt); err != nil {
			return nil, unavailable("scan ledger entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list ledger", err)
	}
	return entries, nil
}

// PurgeLedger deletes finalized rows past their retention horizons. Sent rows
// are kept 90 days, failed rows longer — both cutoffs are supplied by the
// janitor so retention is a config concern, not a SQL constant.
func (s *Store) PurgeLedger(ctx context.Context, sentBefore, failedBefore time.Time) (int64, error) {
	res, err := s.pool.ExecContext(ctx, `
		DELETE FROM notification_ledger
		WHERE (status = 'sent'   AND finalized_at < $1)
		   OR (status = 'failed' AND finalized_at < $2)`,
		nullTime(sentBefore), nullTime(failedBefore),
	)
	if err != nil {
		return 0, unavailable("purge ledger", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("purge ledger", err)
	}
	return n, nil
}
