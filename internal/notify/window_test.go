package notify

import (
	"testing"
	"time"
)

func TestWindowStart_SessionReport(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "mid-afternoon maps to that day's midnight",
			now:  time.Date(2025, 3, 12, 15, 42, 7, 0, time.UTC),
			want: time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly midnight stays put",
			now:  time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC),
			want: time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "one nanosecond before midnight is still the prior day",
			now:  time.Date(2025, 3, 12, 23, 59, 59, 999999999, time.UTC),
			want: time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "non-UTC input is normalised to UTC",
			now:  time.Date(2025, 3, 12, 1, 0, 0, 0, time.FixedZone("UTC+3", 3*3600)),
			want: time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := WindowStart(KindSessionReport, tc.now)
			if !got.Equal(tc.want) {
				t.Errorf("WindowStart = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWindowStart_WeeklyDigest(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "wednesday maps to the preceding monday",
			now:  time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC), // Wed
			want: time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),  // Mon
		},
		{
			name: "monday maps to itself",
			now:  time.Date(2025, 1, 6, 23, 0, 0, 0, time.UTC),
			want: time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "sunday maps back six days",
			now:  time.Date(2025, 1, 12, 3, 0, 0, 0, time.UTC), // Sun
			want: time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "week spanning a month boundary",
			now:  time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC), // Sat
			want: time.Date(2025, 1, 27, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := WindowStart(KindWeeklyDigest, tc.now)
			if !got.Equal(tc.want) {
				t.Errorf("WindowStart = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNextWindowStart(t *testing.T) {
	now := time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC) // Wed

	if got, want := NextWindowStart(KindSessionReport, now), time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("session report next window = %v, want %v", got, want)
	}
	if got, want := NextWindowStart(KindWeeklyDigest, now), time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("weekly digest next window = %v, want %v", got, want)
	}
}

func TestWindowStart_AlwaysContainsNow(t *testing.T) {
	now := time.Date(2025, 6, 19, 18, 30, 0, 0, time.UTC)
	for _, kind := range Kinds {
		start := WindowStart(kind, now)
		next := NextWindowStart(kind, now)
		if start.After(now) || !next.After(now) {
			t.Errorf("%s: window [%v, %v) does not contain %v", kind, start, next, now)
		}
	}
}

func TestIdempotencyKey(t *testing.T) {
	got := IdempotencyKey(KindSessionReport, "p@example.com", "sess-1")
	if got != "SESSION_REPORT:p@example.com:sess-1" {
		t.Errorf("key = %q", got)
	}

	got = IdempotencyKey(KindWeeklyDigest, "p@example.com", "2025-01-06")
	if got != "WEEKLY_DIGEST:p@example.com:2025-01-06" {
		t.Errorf("key = %q", got)
	}
}
