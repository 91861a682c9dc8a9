// Package store is the Postgres persistence layer for the notification
// pipeline: recipient preferences, the idempotency ledger, and the throttle
// counters.
//
// Every write that participates in a correctness invariant is a single
// atomic statement (INSERT ... ON CONFLICT, or a conditional UPDATE with
// RETURNING) — never a read followed by a check in application code and a
// second write. The comments on each operation name the race the statement
// shape prevents.
//
// Dependency rule: store imports database/sql and the driver helpers only.
// It never imports notify, api, worker, or email.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks persistence-layer failures (connection refused, query
// execution errors). Callers check it with errors.Is; the HTTP layer maps it
// to 503. Logical conditions (row not found, token unknown) are NOT wrapped
// in it — correctness decisions must be able to tell "the store said no"
// apart from "the store could not answer".
var ErrUnavailable = errors.New("store: unavailable")

// ErrTokenNotFound is returned by the token-keyed preference reads when no
// record carries the given management token.
var ErrTokenNotFound = errors.New("store: management token not found")

// Store holds the connection pool. The three operation files
// (preferences.go, ledger.go, throttle.go) attach methods to this type.
type Store struct {
	pool *sql.DB
}

// New creates a Store from a live connection pool. The pool must already be
// open and verified (e.g. via PingContext) before calling New.
func New(pool *sql.DB) *Store {
	return &Store{pool: pool}
}

// Ping verifies the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// unavailable wraps a driver error so errors.Is(err, ErrUnavailable) holds.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// truncate caps free-text detail columns so an unbounded provider error body
// cannot bloat the ledger.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// nullTime converts a possibly-zero time to sql.NullTime.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
