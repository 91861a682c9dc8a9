package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Preference flag column names, keyed by the kind strings the notify package
// embeds in idempotency keys. Kept here so the per-kind mapping lives in one
// place next to the SQL that uses it.
const (
	kindSessionReport = "SESSION_REPORT"
	kindWeeklyDigest  = "WEEKLY_DIGEST"
)

// Preference is one recipient's opt-in/opt-out record. Absence of a row means
// everything is enabled (opt-out model) — rows are created lazily on first
// send attempt or first preference-page visit.
type Preference struct {
	Recipient             string
	SessionReportsEnabled bool
	WeeklyDigestEnabled   bool
	ManagementToken       string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// EnabledFor reads the flag corresponding to kind. Unknown kinds are treated
// as enabled so that adding a kind never silently suppresses it.
func (p Preference) EnabledFor(kind string) bool {
	switch kind {
	case kindSessionReport:
		return p.SessionReportsEnabled
	case kindWeeklyDigest:
		return p.WeeklyDigestEnabled
	}
	return true
}

// PreferenceUpdate names which flags SetEnabled touches. Nil fields are left
// unchanged; All overrides both.
type PreferenceUpdate struct {
	SessionReports *bool
	WeeklyDigest   *bool
	All            *bool
}

const preferenceColumns = `recipient, session_reports_enabled, weekly_digest_enabled, management_token, created_at, updated_at`

// GetOrCreatePreference returns the recipient's record, creating one with
// default flags and a fresh management token if none exists. The no-op
// DO UPDATE clause makes the statement return the existing row on conflict,
// so two concurrent first-touch callers both get the same record and the
// loser's freshly generated token is discarded.
func (s *Store) GetOrCreatePreference(ctx context.Context, recipient string) (Preference, error) {
	token, err := newManagementToken()
	if err != nil {
		return Preference{}, fmt.Errorf("store: generate management token: %w", err)
	}

	row := s.pool.QueryRowContext(ctx, `
		INSERT INTO notification_preferences (recipient, management_token)
		VALUES ($1, $2)
		ON CONFLICT (recipient) DO UPDATE SET recipient = excluded.recipient
		RETURNING `+preferenceColumns,
		recipient, token,
	)

	pref, err := scanPreference(row)
	if err != nil {
		return Preference{}, unavailable("get or create preference", err)
	}
	return pref, nil
}

// IsEnabled reads the flag for kind without creating a record. A missing row
// means enabled-by-default.
func (s *Store) IsEnabled(ctx context.Context, recipient, kind string) (bool, error) {
	row := s.pool.QueryRowContext(ctx, `
		SELECT `+preferenceColumns+`
		FROM notification_preferences
		WHERE recipient = $1`,
		recipient,
	)

	pref, err := scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, unavailable("read preference", err)
	}
	return pref.EnabledFor(kind), nil
}

// SetEnabled applies the update for a recipient, creating the record first if
// absent. Mutations always touch updated_at.
func (s *Store) SetEnabled(ctx context.Context, recipient string, u PreferenceUpdate) (Preference, error) {
	if _, err := s.GetOrCreatePreference(ctx, recipient); err != nil {
		return Preference{}, err
	}
	return s.applyUpdate(ctx, "recipient", recipient, u)
}

// GetPreferenceByToken resolves a management token to its record. This is the
// no-login preference-management path: the token is unguessable, the raw
// recipient address never appears in a management URL.
func (s *Store) GetPreferenceByToken(ctx context.Context, token string) (Preference, error) {
	row := s.pool.QueryRowContext(ctx, `
		SELECT `+preferenceColumns+`
		FROM notification_preferences
		WHERE management_token = $1`,
		token,
	)

	pref, err := scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Preference{}, ErrTokenNotFound
	}
	if err != nil {
		return Preference{}, unavailable("read preference by token", err)
	}
	return pref, nil
}

// SetEnabledByToken applies the update to the record carrying token.
// Unlike SetEnabled it never creates a record — an unknown token is
// ErrTokenNotFound, not a new recipient.
func (s *Store) SetEnabledByToken(ctx context.Context, token string, u PreferenceUpdate) (Preference, error) {
	return s.applyUpdate(ctx, "management_token", token, u)
}

// DigestRecipients lists every recipient whose weekly digest flag is on.
// The worker fans the weekly run out over this list.
func (s *Store) DigestRecipients(ctx context.Context) ([]string, error) {
	rows, err := s.pool.QueryContext(ctx, `
		SELECT recipient
		FROM notification_preferences
		WHERE weekly_digest_enabled
		ORDER BY recipient`,
	)
	if err != nil {
		return nil, unavailable("list digest recipients", err)
	}
	defer rows.Close()

	var recipients []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, unavailable("scan digest recipient", err)
		}
		recipients = append(recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list digest recipients", err)
	}
	return recipients, nil
}

// applyUpdate is the shared conditional-UPDATE body for the recipient-keyed
// and token-keyed mutation paths.
func (s *Store) applyUpdate(ctx context.Context, keyColumn, key string, u PreferenceUpdate) (Preference, error) {
	sessionReports := u.SessionReports
	weeklyDigest := u.WeeklyDigest
	if u.All != nil {
		sessionReports = u.All
		weeklyDigest = u.All
	}

	row := s.pool.QueryRowContext(ctx, `
		UPDATE notification_preferences
		SET session_reports_enabled = COALESCE($2, session_reports_enabled),
		    weekly_digest_enabled   = COALESCE($3, weekly_digest_enabled),
		    updated_at              = now()
		WHERE `+keyColumn+` = $1
		RETURNING `+preferenceColumns,
		key, nullBool(sessionReports), nullBool(weeklyDigest),
	)

	pref, err := scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Preference{}, ErrTokenNotFound
	}
	if err != nil {
		return Preference{}, unavailable("update preference", err)
	}
	return pref, nil
}

// newManagementToken returns 32 cryptographically random bytes as 64 hex
// characters.
func newManagementToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func scanPreference(row *sql.Row) (Preference, error) {
	var p Preference
	err := row.Scan(
		&p.Recipient,
		&p.SessionReportsEnabled,
		&p.WeeklyDigestEnabled,
		&p.ManagementToken,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}
