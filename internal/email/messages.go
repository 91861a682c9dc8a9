package email

import (
	"fmt"
	"strings"
	"time"
)

// SessionSummary is the content of a per-session report email. Assembled by
// the session subsystem; this package only lays it out.
type SessionSummary struct {
	SessionID       string   `json:"session_id"`
	StudentName     string   `json:"student_name,omitempty"`
	Subject         string   `json:"subject,omitempty"`
	DurationMinutes int      `json:"duration_minutes,omitempty"`
	TopicsCovered   []string `json:"topics_covered,omitempty"`
	TutorNotes      string   `json:"tutor_notes,omitempty"`
}

// WeekDigest is the content of a weekly digest email.
type WeekDigest struct {
	WeekStart    time.Time `json:"week_start"`
	SessionCount int       `json:"session_count"`
	TotalMinutes int       `json:"total_minutes"`
	Highlights   []string  `json:"highlights,omitempty"`
}

// SessionReportMessage lays out the session report email.
func SessionReportMessage(to string, s SessionSummary, unsubscribeToken string) Message {
	subject := "Your session report"
	if s.Subject != "" {
		subject = fmt.Sprintf("%s — session report", s.Subject)
	}

	return Message{
		To:               to,
		Subject:          subject,
		HTML:             sessionReportHTML(s),
		UnsubscribeToken: unsubscribeToken,
	}
}

// WeeklyDigestMessage lays out the weekly digest email.
func WeeklyDigestMessage(to string, d WeekDigest, unsubscribeToken string) Message {
	return Message{
		To:               to,
		Subject:          fmt.Sprintf("Your week in review — %s", d.WeekStart.Format("Jan 2")),
		HTML:             weeklyDigestHTML(d),
		UnsubscribeToken: unsubscribeToken,
	}
}

// ─── HTML TEMPLATES ───────────────────────────────────────────────────────────

func sessionReportHTML(s SessionSummary) string {
	greeting := "Hello"
	if s.StudentName != "" {
		greeting = fmt.Sprintf("Hello %s", s.StudentName)
	}

	var topics string
	if len(s.TopicsCovered) > 0 {
		var b strings.Builder
		b.WriteString(`<ul>`)
		for _, t := range s.TopicsCovered {
			fmt.Fprintf(&b, "<li>%s</li>", t)
		}
		b.WriteString(`</ul>`)
		topics = b.String()
	}

	duration := ""
	if s.DurationMinutes > 0 {
		duration = fmt.Sprintf("<p>Session length: <strong>%d minutes</strong></p>", s.DurationMinutes)
	}

	notes := ""
	if s.TutorNotes != "" {
		notes = fmt.Sprintf(`<p style="color: #374151;">%s</p>`, s.TutorNotes)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2 style="margin-bottom: 8px;">Session Report</h2>
  <p>%s,</p>
  <p>Here is a summary of your latest tutoring session.</p>
  %s
  %s
  %s
  <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 32px 0;">
  <p style="color: #9ca3af; font-size: 12px;">
    TutorHive · Session reports are sent after each completed session
  </p>
</body>
</html>`, greeting, duration, topics, notes)
}

func weeklyDigestHTML(d WeekDigest) string {
	var highlights string
	if len(d.Highlights) > 0 {
		var b strings.Builder
		b.WriteString(`<ul>`)
		for _, h := range d.Highlights {
			fmt.Fprintf(&b, "<li>%s</li>", h)
		}
		b.WriteString(`</ul>`)
		highlights = b.String()
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2 style="margin-bottom: 8px;">Your Week in Review</h2>
  <p>Week of %s.</p>
  <p>You completed <strong>%d sessions</strong> totalling <strong>%d minutes</strong>.</p>
  %s
  <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 32px 0;">
  <p style="color: #9ca3af; font-size: 12px;">
    TutorHive · Weekly digests are sent once per week
  </p>
</body>
</html>`, d.WeekStart.Format("January 2, 2006"), d.SessionCount, d.TotalMinutes, highlights)
}
