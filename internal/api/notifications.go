package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/sibusisod/tutorhive-backend/internal/email"
	"github.com/sibusisod/tutorhive-backend/internal/notify"
	"github.com/sibusisod/tutorhive-backend/internal/store"
)

// sendResponse is the common envelope for both trigger endpoints.
type sendResponse struct {
	Outcome string `json:"outcome"`
}

// ─── POST /api/notifications/session-report ───────────────────────────────────

type sessionReportRequest struct {
	Recipient string               `json:"recipient"`
	Summary   email.SessionSummary `json:"summary"`
}

// handleSessionReport triggers a per-session report send. Called by the
// session subsystem when a session completes — frequently twice in a row,
// because completion buttons get double-clicked; the pipeline's idempotency
// makes that a "duplicate" outcome, which is still a 2xx here.
func (s *Server) handleSessionReport(w http.ResponseWriter, r *http.Request) {
	var req sessionReportRequest
	if !decode(w, r, &req) {
		return
	}
	if !validRecipient(req.Recipient) {
		respondErr(w, http.StatusBadRequest, "invalid recipient address")
		return
	}
	if req.Summary.SessionID == "" {
		respondErr(w, http.StatusBadRequest, "summary.session_id is required")
		return
	}

	outcome, err := s.notifier.SendSessionReport(r.Context(), req.Recipient, req.Summary)
	s.respondOutcome(w, r, outcome, err)
}

// ─── POST /api/notifications/weekly-digest ────────────────────────────────────

type weeklyDigestRequest struct {
	Recipient string           `json:"recipient"`
	Digest    email.WeekDigest `json:"digest"`
}

// handleWeeklyDigest is the manual re-run path for a single recipient's
// digest; the cron-driven worker is the usual trigger. A re-run for a week
// that already went out is a "duplicate" outcome.
func (s *Server) handleWeeklyDigest(w http.ResponseWriter, r *http.Request) {
	var req weeklyDigestRequest
	if !decode(w, r, &req) {
		return
	}
	if !validRecipient(req.Recipient) {
		respondErr(w, http.StatusBadRequest, "invalid recipient address")
		return
	}
	if req.Digest.WeekStart.IsZero() {
		respondErr(w, http.StatusBadRequest, "digest.week_start is required")
		return
	}

	outcome, err := s.notifier.SendWeeklyDigest(r.Context(), req.Recipient, req.Digest)
	s.respondOutcome(w, r, outcome, err)
}

// respondOutcome maps a pipeline outcome to HTTP. Suppressed, duplicate, and
// in-flight are successful no-ops from the caller's point of view; throttled
// is the one surfaced rate-limit signal, with Retry-After; store
// unavailability is a 503 so the caller knows to retry the whole trigger.
func (s *Server) respondOutcome(w http.ResponseWriter, r *http.Request, outcome notify.Outcome, err error) {
	var throttled *notify.ThrottledError
	switch {
	case errors.As(err, &throttled):
		w.Header().Set("Retry-After", strconv.Itoa(int(throttled.RetryAfter/time.Second)))
		respond(w, http.StatusTooManyRequests, map[string]string{
			"outcome":     string(outcome),
			"retry_after": throttled.RetryAfter.Round(time.Second).String(),
		})
	case errors.Is(err, store.ErrUnavailable):
		respondErr(w, http.StatusServiceUnavailable, "notification store unavailable")
	case err != nil:
		s.respondInternalErr(w, r, err)
	default:
		respond(w, http.StatusAccepted, sendResponse{Outcome: string(outcome)})
	}
}

// ─── GET /api/notifications/ledger?recipient=&limit= ─────────────────────────

type ledgerEntryResponse struct {
	Key         string    `json:"key"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Attempt     int       `json:"attempt"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	FinalizedAt string    `json:"finalized_at,omitempty"`
}

// handleLedger returns the recipient's recent send attempts, newest first.
// Audit surface for support tooling.
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	if !validRecipient(recipient) {
		respondErr(w, http.StatusBadRequest, "invalid recipient address")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.dir.ListLedgerByRecipient(r.Context(), recipient, limit)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("list ledger: %w", err))
		return
	}

	out := make([]ledgerEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = ledgerEntryResponse{
			Key:         e.IdempotencyKey,
			Kind:        e.Kind,
			Status:      string(e.Status),
			Attempt:     e.Attempt,
			ErrorDetail: e.ErrorDetail.String,
			CreatedAt:   e.CreatedAt,
		}
		if e.FinalizedAt.Valid {
			out[i].FinalizedAt = e.FinalizedAt.Time.Format(time.RFC3339)
		}
	}

	respond(w, http.StatusOK, map[string]any{"entries": out})
}

// validRecipient checks the address parses as RFC 5322. The pipeline treats
// recipients as opaque keys, but rejecting garbage here keeps junk out of all
// three tables.
func validRecipient(addr string) bool {
	if addr == "" {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	return err == nil && parsed.Address == addr
}
