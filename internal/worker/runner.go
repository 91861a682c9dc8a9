// Package worker contains the scheduled side of the pipeline: the weekly
// digest fan-out and the maintenance janitor. It is decoupled from the HTTP
// layer — both are just concurrent callers of the same notify.Service, and
// the pipeline's idempotency is what makes an overlapping cron re-run and a
// manual trigger for the same week safe.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sibusisod/tutorhive-backend/internal/email"
	"github.com/sibusisod/tutorhive-backend/internal/notify"
)

// DigestSender is the slice of *notify.Service the runner uses.
type DigestSender interface {
	SendWeeklyDigest(ctx context.Context, recipient string, digest email.WeekDigest) (notify.Outcome, error)
}

// RecipientSource lists the recipients whose digest flag is on. Implemented
// by *store.Store. This is a coarse pre-selection only — the gate re-checks
// the preference at send time, so a recipient who opts out between listing
// and sending is still suppressed.
type RecipientSource interface {
	DigestRecipients(ctx context.Context) ([]string, error)
}

// DigestBuilder assembles a recipient's digest content for one week. The
// session statistics live outside this pipeline; production wiring points
// this at the session subsystem.
type DigestBuilder interface {
	BuildWeekDigest(ctx context.Context, recipient string, weekStart time.Time) (email.WeekDigest, error)
}

// Maintenance is the cleanup slice of *store.Store the janitor uses.
type Maintenance interface {
	PurgeLedger(ctx context.Context, sentBefore, failedBefore time.Time) (int64, error)
	PurgeThrottleWindows(ctx context.Context, before time.Time) (int64, error)
}

// Config holds tuning parameters for the Runner. Zero values fall back to the
// defaults noted per field.
type Config struct {
	// Workers is the number of concurrent digest-send goroutines. Default: 3.
	Workers int

	// CronSpec schedules the weekly run, evaluated in UTC.
	// Default: "0 7 * * 1" (Mondays 07:00).
	CronSpec string

	// JobTimeout is the per-recipient send deadline. Default: 1m.
	JobTimeout time.Duration

	// JanitorInterval is how often expired rows are purged. Default: 1h.
	JanitorInterval time.Duration

	// Retention horizons applied by the janitor.
	SentRetention   time.Duration // default 90 days
	FailedRetention time.Duration // default 180 days
	ThrottleGrace   time.Duration // default 7 days past window start
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.CronSpec == "" {
		c.CronSpec = "0 7 * * 1"
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Hour
	}
	if c.SentRetention <= 0 {
		c.SentRetention = 90 * 24 * time.Hour
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 180 * 24 * time.Hour
	}
	if c.ThrottleGrace <= 0 {
		c.ThrottleGrace = 7 * 24 * time.Hour
	}
}

// digestTask is one recipient's digest send, queued for the worker pool.
type digestTask struct {
	recipient string
	weekStart time.Time
}

// Runner owns the digest worker pool, the cron schedule, and the janitor.
type Runner struct {
	sender  DigestSender
	source  RecipientSource
	builder DigestBuilder
	maint   Maintenance
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	queue chan digestTask
	wg    sync.WaitGroup
}

// NewRunner constructs a Runner. nowFn may be nil (time.Now). Call Start to
// begin processing.
func NewRunner(
	sender DigestSender,
	source RecipientSource,
	builder DigestBuilder,
	maint Maintenance,
	cfg Config,
	logger *slog.Logger,
	nowFn func() time.Time,
) *Runner {
	cfg.applyDefaults()
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Runner{
		sender:  sender,
		source:  source,
		builder: builder,
		maint:   maint,
		cfg:     cfg,
		logger:  logger,
		now:     nowFn,
		// Buffer sized so one full fan-out of a modest recipient list does
		// not block the cron goroutine.
		queue: make(chan digestTask, cfg.Workers*32),
	}
}

// Start launches the worker pool, the cron schedule, and the janitor. It
// blocks until ctx is cancelled. Call it in a goroutine from main:
//
//	go runner.Start(ctx)
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("worker: starting",
		"workers", r.cfg.Workers,
		"cron", r.cfg.CronSpec,
		"janitor_interval", r.cfg.JanitorInterval,
	)

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.work(ctx, i)
	}

	r.wg.Add(1)
	go r.janitor(ctx)

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(r.cfg.CronSpec, func() {
		if err := r.RunDigest(ctx); err != nil {
			r.logger.Error("worker: scheduled digest run failed", "error", err)
		}
	}); err != nil {
		r.logger.Error("worker: invalid digest cron spec", "spec", r.cfg.CronSpec, "error", err)
	} else {
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	r.wg.Wait()
	r.logger.Info("worker: stopped")
}

// RunDigest enqueues one digest send per digest-enabled recipient for the
// current week. Safe to call repeatedly — and cron does exactly that when a
// host restarts mid-window: recipients already sent this week come back as
// duplicate outcomes, not second emails.
func (r *Runner) RunDigest(ctx context.Context) error {
	weekStart := notify.WindowStart(notify.KindWeeklyDigest, r.now())

	recipients, err := r.source.DigestRecipients(ctx)
	if err != nil {
		return fmt.Errorf("worker: list digest recipients: %w", err)
	}

	r.logger.Info("worker: digest run", "week_start", weekStart.Format("2006-01-02"), "recipients", len(recipients))

	for _, recipient := range recipients {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r.queue <- digestTask{recipient: recipient, weekStart: weekStart}:
		}
	}
	return nil
}

// work is the inner loop for each worker goroutine.
func (r *Runner) work(ctx context.Context, id int) {
	defer r.wg.Done()
	log := r.logger.With("worker_id", id)

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-r.queue:
			r.runTask(ctx, task, log)
		}
	}
}

func (r *Runner) runTask(ctx context.Context, task digestTask, log *slog.Logger) {
	taskCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	digest, err := r.builder.BuildWeekDigest(taskCtx, task.recipient, task.weekStart)
	if err != nil {
		log.Error("worker: build digest failed", "error", err)
		return
	}

	outcome, err := r.sender.SendWeeklyDigest(taskCtx, task.recipient, digest)
	if err != nil {
		// Throttled included: a digest is a background job, nobody is waiting
		// on a rate-limit response. Log and move on.
		log.Warn("worker: digest send failed", "outcome", outcome, "error", err)
		return
	}
	log.Debug("worker: digest processed", "outcome", outcome)
}

// janitor periodically purges rows past retention: finalized ledger entries
// past their horizons and throttle windows past their grace period.
func (r *Runner) janitor(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.janitorOnce(ctx)
		}
	}
}

func (r *Runner) janitorOnce(ctx context.Context) {
	now := r.now()

	purged, err := r.maint.PurgeLedger(ctx, now.Add(-r.cfg.SentRetention), now.Add(-r.cfg.FailedRetention))
	if err != nil {
		r.logger.Error("worker: ledger purge failed", "error", err)
	} else if purged > 0 {
		r.logger.Info("worker: purged ledger rows", "count", purged)
	}

	// A window is obsolete once it has ended; the grace period keeps it
	// around a little longer for inspection. The longest window is a week.
	cutoff := now.Add(-(7*24*time.Hour + r.cfg.ThrottleGrace))
	purged, err = r.maint.PurgeThrottleWindows(ctx, cutoff)
	if err != nil {
		r.logger.Error("worker: throttle purge failed", "error", err)
	} else if purged > 0 {
		r.logger.Info("worker: purged throttle windows", "count", purged)
	}
}

// EmptyDigestBuilder returns content-free digests. Development wiring until
// the session subsystem's statistics endpoint is connected.
type EmptyDigestBuilder struct{}

func (EmptyDigestBuilder) BuildWeekDigest(_ context.Context, _ string, weekStart time.Time) (email.WeekDigest, error) {
	return email.WeekDigest{WeekStart: weekStart}, nil
}
