package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sibusisod/tutorhive-backend/internal/store"
)

// preferenceResponse is what the preference-management page renders. The raw
// recipient address is included — the token holder received it by email, so
// it is theirs to see — but it is never logged.
type preferenceResponse struct {
	Recipient      string    `json:"recipient"`
	SessionReports bool      `json:"session_reports"`
	WeeklyDigest   bool      `json:"weekly_digest"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toPreferenceResponse(p store.Preference) preferenceResponse {
	return preferenceResponse{
		Recipient:      p.Recipient,
		SessionReports: p.SessionReportsEnabled,
		WeeklyDigest:   p.WeeklyDigestEnabled,
		UpdatedAt:      p.UpdatedAt,
	}
}

// ─── GET /api/preferences/{token} ─────────────────────────────────────────────

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	pref, err := s.dir.GetPreferenceByToken(r.Context(), token)
	if errors.Is(err, store.ErrTokenNotFound) {
		respondErr(w, http.StatusNotFound, "unknown preference token")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("get preferences: %w", err))
		return
	}

	respond(w, http.StatusOK, toPreferenceResponse(pref))
}

// ─── PUT /api/preferences/{token} ─────────────────────────────────────────────

type setPreferencesRequest struct {
	SessionReports *bool `json:"session_reports"`
	WeeklyDigest   *bool `json:"weekly_digest"`
	All            *bool `json:"all"`
}

// handleSetPreferences mutates one or both flags. A preference change takes
// effect at the next send attempt — sends are gated at send time, so there is
// no pre-filtered list to invalidate.
func (s *Server) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req setPreferencesRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SessionReports == nil && req.WeeklyDigest == nil && req.All == nil {
		respondErr(w, http.StatusBadRequest, "at least one of session_reports, weekly_digest, all is required")
		return
	}

	pref, err := s.dir.SetEnabledByToken(r.Context(), token, store.PreferenceUpdate{
		SessionReports: req.SessionReports,
		WeeklyDigest:   req.WeeklyDigest,
		All:            req.All,
	})
	if errors.Is(err, store.ErrTokenNotFound) {
		respondErr(w, http.StatusNotFound, "unknown preference token")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("set preferences: %w", err))
		return
	}

	respond(w, http.StatusOK, toPreferenceResponse(pref))
}

// ─── POST /api/preferences/{token}/unsubscribe ────────────────────────────────

// handleUnsubscribe is the one-click-unsubscribe target named in the
// List-Unsubscribe header. Mail clients POST a form body here without any
// user-visible page, so the handler accepts any body, turns everything off,
// and answers 200 regardless of prior state.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	off := false
	_, err := s.dir.SetEnabledByToken(r.Context(), token, store.PreferenceUpdate{All: &off})
	if errors.Is(err, store.ErrTokenNotFound) {
		respondErr(w, http.StatusNotFound, "unknown preference token")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("unsubscribe: %w", err))
		return
	}

	respond(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}
