package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sibusisod/tutorhive-backend/internal/email"
	"github.com/sibusisod/tutorhive-backend/internal/notify"
)

// ─── FAKES ────────────────────────────────────────────────────────────────────

type fakeSender struct {
	mu       sync.Mutex
	sent     map[string]int // recipient → sends
	outcomes map[string]notify.Outcome
	done     chan struct{} // closed-ish signalling: one tick per send
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent:     make(map[string]int),
		outcomes: make(map[string]notify.Outcome),
		done:     make(chan struct{}, 64),
	}
}

func (f *fakeSender) SendWeeklyDigest(_ context.Context, recipient string, _ email.WeekDigest) (notify.Outcome, error) {
	f.mu.Lock()
	f.sent[recipient]++
	outcome, ok := f.outcomes[recipient]
	f.mu.Unlock()
	if !ok {
		outcome = notify.OutcomeSent
	}
	f.done <- struct{}{}
	return outcome, nil
}

func (f *fakeSender) counts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.sent))
	for k, v := range f.sent {
		out[k] = v
	}
	return out
}

type fakeSource struct {
	recipients []string
	err        error
}

func (f *fakeSource) DigestRecipients(_ context.Context) ([]string, error) {
	return f.recipients, f.err
}

type fakeMaint struct {
	mu             sync.Mutex
	ledgerCalls    int
	throttleCalls  int
	sentBefore     time.Time
	throttleBefore time.Time
}

func (f *fakeMaint) PurgeLedger(_ context.Context, sentBefore, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledgerCalls++
	f.sentBefore = sentBefore
	return 2, nil
}

func (f *fakeMaint) PurgeThrottleWindows(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.throttleCalls++
	f.throttleBefore = before
	return 1, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ─── TESTS ────────────────────────────────────────────────────────────────────

func TestRunDigest_FansOutToAllRecipients(t *testing.T) {
	sender := newFakeSender()
	source := &fakeSource{recipients: []string{"a@example.com", "b@example.com", "c@example.com"}}

	r := NewRunner(sender, source, EmptyDigestBuilder{}, &fakeMaint{}, Config{
		Workers:         2,
		JanitorInterval: time.Hour,
	}, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	if err := r.RunDigest(ctx); err != nil {
		t.Fatalf("run digest: %v", err)
	}

	// Wait for all three sends to complete.
	for i := 0; i < 3; i++ {
		select {
		case <-sender.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for digest sends")
		}
	}

	counts := sender.counts()
	for _, recipient := range source.recipients {
		if counts[recipient] != 1 {
			t.Errorf("%s sent %d times, want 1", recipient, counts[recipient])
		}
	}
}

func TestRunDigest_RerunIsSafe(t *testing.T) {
	// The runner itself does not deduplicate — the pipeline's idempotency
	// does. This test pins the contract: a re-run hands every recipient to
	// the sender again, and the sender (here scripted, in production the
	// notify service) reports duplicate rather than sending twice.
	sender := newFakeSender()
	sender.outcomes["a@example.com"] = notify.OutcomeDuplicate
	source := &fakeSource{recipients: []string{"a@example.com"}}

	r := NewRunner(sender, source, EmptyDigestBuilder{}, &fakeMaint{}, Config{Workers: 1}, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	for i := 0; i < 2; i++ {
		if err := r.RunDigest(ctx); err != nil {
			t.Fatalf("run digest: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-sender.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for digest sends")
		}
	}

	if got := sender.counts()["a@example.com"]; got != 2 {
		t.Errorf("sender invocations = %d, want 2 (dedup happens in the pipeline)", got)
	}
}

func TestRunDigest_SourceError(t *testing.T) {
	source := &fakeSource{err: fmt.Errorf("db down")}
	r := NewRunner(newFakeSender(), source, EmptyDigestBuilder{}, &fakeMaint{}, Config{}, testLogger(), nil)

	if err := r.RunDigest(context.Background()); err == nil {
		t.Fatal("expected error from recipient listing")
	}
}

func TestRunDigest_WeekStartIsCurrentISOWeek(t *testing.T) {
	sender := newFakeSender()
	source := &fakeSource{recipients: []string{"a@example.com"}}

	var mu sync.Mutex
	var gotWeek time.Time
	builder := builderFunc(func(_ context.Context, _ string, weekStart time.Time) (email.WeekDigest, error) {
		mu.Lock()
		gotWeek = weekStart
		mu.Unlock()
		return email.WeekDigest{WeekStart: weekStart}, nil
	})

	now := time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC) // Wed
	r := NewRunner(sender, source, builder, &fakeMaint{}, Config{Workers: 1}, testLogger(), func() time.Time { return now })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	if err := r.RunDigest(ctx); err != nil {
		t.Fatalf("run digest: %v", err)
	}
	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	want := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	if !gotWeek.Equal(want) {
		t.Errorf("week start = %v, want %v", gotWeek, want)
	}
}

// builderFunc adapts a func to DigestBuilder.
type builderFunc func(ctx context.Context, recipient string, weekStart time.Time) (email.WeekDigest, error)

func (f builderFunc) BuildWeekDigest(ctx context.Context, recipient string, weekStart time.Time) (email.WeekDigest, error) {
	return f(ctx, recipient, weekStart)
}

func TestJanitorOnce_AppliesRetentionHorizons(t *testing.T) {
	maint := &fakeMaint{}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	r := NewRunner(newFakeSender(), &fakeSource{}, EmptyDigestBuilder{}, maint, Config{
		SentRetention:   90 * 24 * time.Hour,
		FailedRetention: 180 * 24 * time.Hour,
		ThrottleGrace:   7 * 24 * time.Hour,
	}, testLogger(), func() time.Time { return now })

	r.janitorOnce(context.Background())

	if maint.ledgerCalls != 1 || maint.throttleCalls != 1 {
		t.Fatalf("purge calls = %d/%d, want 1/1", maint.ledgerCalls, maint.throttleCalls)
	}
	if want := now.Add(-90 * 24 * time.Hour); !maint.sentBefore.Equal(want) {
		t.Errorf("sent cutoff = %v, want %v", maint.sentBefore, want)
	}
	// Throttle cutoff: window length (one week, the longest) plus grace.
	if want := now.Add(-14 * 24 * time.Hour); !maint.throttleBefore.Equal(want) {
		t.Errorf("throttle cutoff = %v, want %v", maint.throttleBefore, want)
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	r := NewRunner(newFakeSender(), &fakeSource{}, EmptyDigestBuilder{}, &fakeMaint{}, Config{Workers: 2}, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after context cancellation")
	}
}
