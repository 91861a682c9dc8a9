package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sibusisod/tutorhive-backend/internal/email"
	"github.com/sibusisod/tutorhive-backend/internal/store"
)

// Outcome is the caller-visible result of one Send.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeInFlight   Outcome = "in_flight"
	OutcomeThrottled  Outcome = "throttled"
	OutcomeFailed     Outcome = "failed"
)

// ThrottledError is the one pipeline condition surfaced to callers as a
// distinguishable error: the triggering request may want to show the user a
// rate-limit response with a retry-after duration. Every other non-sent
// outcome is reported as a nil-error Outcome so a notification problem never
// breaks the primary flow that triggered it.
type ThrottledError struct {
	Kind       Kind
	Recipient  string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("notify: %s to %s throttled, retry after %s", e.Kind, e.Recipient, e.RetryAfter.Round(time.Second))
}

// MessageBuilder assembles the outgoing message once the gate has approved
// the send. It receives the recipient's management token for the unsubscribe
// link. Building is delegated so the pipeline stays ignorant of content.
type MessageBuilder func(unsubscribeToken string) (email.Message, error)

// Service is the public entry point of the pipeline: it asks the gate for a
// verdict, drives the transport on approval, and finalizes the ledger row
// with the result.
type Service struct {
	gate             *Gate
	storage          Storage
	sender           email.Sender
	transportTimeout time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// NewService constructs a Service. nowFn may be nil (time.Now); it should be
// the same clock the gate uses.
func NewService(gate *Gate, storage Storage, sender email.Sender, transportTimeout time.Duration, logger *slog.Logger, nowFn func() time.Time) *Service {
	if transportTimeout <= 0 {
		transportTimeout = 30 * time.Second
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{
		gate:             gate,
		storage:          storage,
		sender:           sender,
		transportTimeout: transportTimeout,
		logger:           logger,
		now:              nowFn,
	}
}

// Send runs one candidate notification through the pipeline.
//
// Error contract: the returned error is non-nil only for ThrottledError and
// for store failures (where correctness cannot be guaranteed). Suppression,
// duplicates, in-flight races, and transport failures all come back as their
// Outcome with a nil error — they are expected results, not failures of the
// triggering action.
func (s *Service) Send(ctx context.Context, kind Kind, recipient, eventID string, payload json.RawMessage, build MessageBuilder) (Outcome, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("notify: unknown kind %q", kind)
	}

	log := s.logger.With("kind", kind, "event_id", eventID)

	res, err := s.gate.Evaluate(ctx, recipient, kind, eventID, payload)
	if err != nil {
		return "", err
	}

	switch res.Code {
	case GateSuppressed:
		log.Info("send suppressed by preference")
		return OutcomeSuppressed, nil
	case GateDuplicate:
		log.Info("send skipped, already sent", "key", res.Key)
		return OutcomeDuplicate, nil
	case GateInFlight:
		log.Info("send skipped, attempt in flight", "key", res.Key)
		return OutcomeInFlight, nil
	case GateThrottled:
		log.Warn("send throttled", "key", res.Key, "retry_after", res.RetryAfter)
		return OutcomeThrottled, &ThrottledError{Kind: kind, Recipient: recipient, RetryAfter: res.RetryAfter}
	}

	// Approved — we hold the pending ledger row named by res.Key and must
	// finalize it exactly once on every path below.
	msg, err := build(res.UnsubscribeToken)
	if err != nil {
		s.finalize(ctx, res.Key, store.StatusFailed, "build message: "+err.Error(), log)
		log.Error("message build failed", "key", res.Key, "error", err)
		return OutcomeFailed, nil
	}

	transportCtx, cancel := context.WithTimeout(ctx, s.transportTimeout)
	err = s.sender.Deliver(transportCtx, msg)
	cancel()

	if err != nil {
		detail := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			detail = "timeout"
		}
		s.finalize(ctx, res.Key, store.StatusFailed, detail, log)
		log.Error("transport delivery failed", "key", res.Key, "error", err)
		return OutcomeFailed, nil
	}

	s.finalize(ctx, res.Key, store.StatusSent, "", log)
	log.Info("notification sent", "key", res.Key)
	return OutcomeSent, nil
}

// finalize records the terminal state of the pending row. A finalize failure
// is logged but not returned: the transport attempt already happened, and the
// stale-pending reclaim rule will eventually resolve the row. (A reclaimed
// row after a successful send can cause one duplicate email — the accepted
// residual risk, kept narrow by the short staleness threshold.)
func (s *Service) finalize(ctx context.Context, key string, outcome store.LedgerStatus, detail string, log *slog.Logger) {
	if err := s.storage.FinalizeAttempt(ctx, key, outcome, detail, s.now()); err != nil {
		log.Error("ledger finalize failed", "key", key, "outcome", outcome, "error", err)
	}
}

// ─── ENTRY POINTS ────────────────────────────────────────────────────────────

// SendSessionReport is the entry point the session subsystem calls when a
// session completes. The session id becomes the event identifier.
func (s *Service) SendSessionReport(ctx context.Context, recipient string, summary email.SessionSummary) (Outcome, error) {
	payload, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("notify: marshal session summary: %w", err)
	}
	return s.Send(ctx, KindSessionReport, recipient, summary.SessionID, payload,
		func(token string) (email.Message, error) {
			return email.SessionReportMessage(recipient, summary, token), nil
		})
}

// SendWeeklyDigest is the entry point the scheduled digest job calls. The
// week-start date (YYYY-MM-DD) becomes the event identifier, so a re-run of
// the same week's job deduplicates per recipient.
func (s *Service) SendWeeklyDigest(ctx context.Context, recipient string, digest email.WeekDigest) (Outcome, error) {
	payload, err := json.Marshal(digest)
	if err != nil {
		return "", fmt.Errorf("notify: marshal week digest: %w", err)
	}
	eventID := digest.WeekStart.UTC().Format("2006-01-02")
	return s.Send(ctx, KindWeeklyDigest, recipient, eventID, payload,
		func(token string) (email.Message, error) {
			return email.WeeklyDigestMessage(recipient, digest, token), nil
		})
}
