// Package api implements the HTTP layer of the notification pipeline.
// Handlers are methods on *Server. Each handler file is responsible for one
// resource group and only imports the dependencies it actually uses.
//
// Authentication of the trigger endpoints is out of scope here — the
// preference routes are protected by the unguessable management token, the
// trigger routes are expected to sit behind the application's own perimeter.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sibusisod/tutorhive-backend/internal/email"
	"github.com/sibusisod/tutorhive-backend/internal/notify"
	"github.com/sibusisod/tutorhive-backend/internal/store"
)

// Notifier is the slice of *notify.Service the handlers use. Tests inject a
// stub that records calls.
type Notifier interface {
	SendSessionReport(ctx context.Context, recipient string, summary email.SessionSummary) (notify.Outcome, error)
	SendWeeklyDigest(ctx context.Context, recipient string, digest email.WeekDigest) (notify.Outcome, error)
}

// Directory is the slice of *store.Store the handlers use: token-keyed
// preference management, the audit read, and the health ping.
type Directory interface {
	GetPreferenceByToken(ctx context.Context, token string) (store.Preference, error)
	SetEnabledByToken(ctx context.Context, token string, u store.PreferenceUpdate) (store.Preference, error)
	ListLedgerByRecipient(ctx context.Context, recipient string, limit int) ([]store.LedgerEntry, error)
	Ping(ctx context.Context) error
}

// Config holds values read from environment variables at startup.
type Config struct {
	// BaseURL is used to construct preference-management links.
	BaseURL string

	// Env is "production", "staging", or "development".
	Env string
}

// Server holds all shared dependencies. Each handler file attaches methods to
// this type and uses only the fields it needs.
type Server struct {
	notifier Notifier
	dir      Directory
	cfg      Config
	logger   *slog.Logger
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to http.ListenAndServe.
func NewServer(notifier Notifier, dir Directory, cfg Config, logger *slog.Logger) http.Handler {
	s := &Server{
		notifier: notifier,
		dir:      dir,
		cfg:      cfg,
		logger:   logger,
	}

	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(middleware.Timeout(30 * time.Second))

	// ── Health ────────────────────────────────────────────────────────────────
	r.Get("/healthz", s.handleHealth)

	// ── API ───────────────────────────────────────────────────────────────────
	r.Route("/api", func(r chi.Router) {

		// Send triggers — called by the session subsystem and the digest job.
		r.Route("/notifications", func(r chi.Router) {
			r.Post("/session-report", s.handleSessionReport)
			r.Post("/weekly-digest", s.handleWeeklyDigest)
			r.Get("/ledger", s.handleLedger)
		})

		// Preference management — keyed by the management token, never the
		// raw recipient address.
		r.Route("/preferences/{token}", func(r chi.Router) {
			r.Get("/", s.handleGetPreferences)
			r.Put("/", s.handleSetPreferences)
			r.Post("/unsubscribe", s.handleUnsubscribe)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.dir.Ping(r.Context()); err != nil {
		respondErr(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	w.WriteHeader(http.StatusOK)
}
