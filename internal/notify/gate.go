package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sibusisod/tutorhive-backend/internal/store"
)

// Storage is the slice of *store.Store the pipeline uses. Tests inject an
// in-memory fake; production wiring passes the real store.
type Storage interface {
	GetOrCreatePreference(ctx context.Context, recipient string) (store.Preference, error)
	BeginAttempt(ctx context.Context, p store.BeginAttemptParams) (store.BeginDecision, error)
	FinalizeAttempt(ctx context.Context, key string, outcome store.LedgerStatus, detail string, now time.Time) error
	TryIncrementThrottle(ctx context.Context, recipient, kind string, windowStart time.Time, ceiling int, now time.Time) (bool, error)
}

// GateCode is the delivery gate's verdict for one candidate send.
type GateCode int

const (
	GateAllow GateCode = iota
	GateSuppressed
	GateThrottled
	GateDuplicate
	GateInFlight
)

func (c GateCode) String() string {
	switch c {
	case GateAllow:
		return "allow"
	case GateSuppressed:
		return "suppressed"
	case GateThrottled:
		return "throttled"
	case GateDuplicate:
		return "duplicate"
	case GateInFlight:
		return "in_flight"
	}
	return fmt.Sprintf("GateCode(%d)", int(c))
}

// GateResult is the verdict plus what the caller needs to act on it: the
// ledger key to finalize after transport (on allow), the recipient's
// management token for the unsubscribe headers, and the retry-after duration
// (on throttled).
type GateResult struct {
	Code             GateCode
	Key              string
	UnsubscribeToken string
	RetryAfter       time.Duration
}

// GateConfig carries the policy values. Ceilings and staleness are policy,
// not algorithm — they arrive from config.
type GateConfig struct {
	// Ceilings maps each kind to its per-window send limit.
	Ceilings map[Kind]int

	// StaleAfter is the age past which a pending ledger row counts as
	// abandoned and may be reclaimed by the next attempt.
	StaleAfter time.Duration

	// FailClosed controls behaviour when the preference store cannot answer:
	// true suppresses the send, false aborts it with the store error.
	// Guessing "enabled" is never an option.
	FailClosed bool
}

// Gate decides whether one candidate send may proceed. The three checks run
// in a fixed order — preference, idempotency, throttle — chosen so that an
// opted-out recipient or an already-sent event never consumes a throttle
// slot and never writes a ledger row it does not need.
type Gate struct {
	storage Storage
	cfg     GateConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewGate constructs a Gate. nowFn may be nil, in which case time.Now is
// used; tests pass a fixed clock to exercise window rollover and staleness.
func NewGate(storage Storage, cfg GateConfig, logger *slog.Logger, nowFn func() time.Time) *Gate {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Gate{storage: storage, cfg: cfg, logger: logger, now: nowFn}
}

// Evaluate runs the gate checks for (recipient, kind, eventID).
//
//  1. Preference — opted out returns GateSuppressed with no other side
//     effect: no ledger row, no throttle consumption.
//  2. Ledger begin — a key that already reached sent returns GateDuplicate;
//     a live pending row held by a concurrent caller returns GateInFlight.
//     Otherwise this caller now owns a pending row.
//  3. Throttle — if the window is full, the pending row is finalized
//     failed/"throttled" and GateThrottled carries the time until the next
//     window opens.
//
// On GateAllow the caller holds the pending ledger row named by Key and must
// finalize it after the transport attempt.
func (g *Gate) Evaluate(ctx context.Context, recipient string, kind Kind, eventID string, payload json.RawMessage) (GateResult, error) {
	now := g.now()

	// 1. Preference. Created lazily here on first send attempt, so the
	// management token exists before the first email goes out.
	pref, err := g.storage.GetOrCreatePreference(ctx, recipient)
	if err != nil {
		if g.cfg.FailClosed {
			g.logger.Warn("gate: preference store unavailable, failing closed",
				"kind", kind, "error", err)
			return GateResult{Code: GateSuppressed}, nil
		}
		return GateResult{}, fmt.Errorf("gate: preference check: %w", err)
	}
	if !pref.EnabledFor(string(kind)) {
		return GateResult{Code: GateSuppressed, UnsubscribeToken: pref.ManagementToken}, nil
	}

	// 2. Idempotency.
	key := IdempotencyKey(kind, recipient, eventID)
	decision, err := g.storage.BeginAttempt(ctx, store.BeginAttemptParams{
		Key:        key,
		Recipient:  recipient,
		Kind:       string(kind),
		Payload:    payload,
		Now:        now,
		StaleAfter: g.cfg.StaleAfter,
	})
	if err != nil {
		return GateResult{}, fmt.Errorf("gate: ledger begin: %w", err)
	}
	switch decision {
	case store.BeginDuplicateSent:
		return GateResult{Code: GateDuplicate, Key: key}, nil
	case store.BeginInFlight:
		return GateResult{Code: GateInFlight, Key: key}, nil
	}

	// 3. Throttle. From here on we hold the pending row, so every early exit
	// must finalize it.
	ok, err := g.storage.TryIncrementThrottle(ctx, recipient, string(kind),
		WindowStart(kind, now), g.cfg.Ceilings[kind], now)
	if err != nil {
		if finErr := g.storage.FinalizeAttempt(ctx, key, store.StatusFailed, "throttle check failed", now); finErr != nil {
			g.logger.Error("gate: finalize after throttle error failed", "key", key, "error", finErr)
		}
		return GateResult{}, fmt.Errorf("gate: throttle check: %w", err)
	}
	if !ok {
		if finErr := g.storage.FinalizeAttempt(ctx, key, store.StatusFailed, "throttled", now); finErr != nil {
			g.logger.Error("gate: finalize throttled attempt failed", "key", key, "error", finErr)
		}
		return GateResult{
			Code:       GateThrottled,
			Key:        key,
			RetryAfter: NextWindowStart(kind, now).Sub(now),
		}, nil
	}

	return GateResult{
		Code:             GateAllow,
		Key:              key,
		UnsubscribeToken: pref.ManagementToken,
	}, nil
}
