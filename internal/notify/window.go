package notify

import "time"

// WindowStart maps a kind and an instant to the start of the throttle window
// that instant falls in. Session reports are limited per UTC calendar day;
// weekly digests per ISO week (Monday 00:00 UTC). Pure — the caller supplies
// the clock.
func WindowStart(kind Kind, now time.Time) time.Time {
	now = now.UTC()
	switch kind {
	case KindWeeklyDigest:
		// Back up to the most recent Monday. time.Weekday numbers Sunday as 0,
		// so Monday-anchored arithmetic needs the +6 %7 shuffle.
		days := (int(now.Weekday()) + 6) % 7
		monday := now.AddDate(0, 0, -days)
		return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// NextWindowStart returns the first instant of the window after the one now
// falls in. Used to compute the Retry-After duration on a throttled send.
func NextWindowStart(kind Kind, now time.Time) time.Time {
	start := WindowStart(kind, now)
	switch kind {
	case KindWeeklyDigest:
		return start.AddDate(0, 0, 7)
	default:
		return start.AddDate(0, 0, 1)
	}
}
