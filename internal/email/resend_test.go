package email

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testResendClient(endpoint string) *resendClient {
	return &resendClient{
		apiKey:     "re_test_key",
		fromAddr:   "reports@tutorhive.app",
		fromName:   "TutorHive",
		baseURL:    "https://app.tutorhive.test",
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func TestResendDeliver_RequestShape(t *testing.T) {
	var captured resendRequest
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(resendResponse{ID: "email_123"})
	}))
	defer srv.Close()

	c := testResendClient(srv.URL)
	err := c.Deliver(context.Background(), Message{
		To:               "p@example.com",
		Subject:          "Your session report",
		HTML:             "<p>hi</p>",
		UnsubscribeToken: "tok123",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if auth != "Bearer re_test_key" {
		t.Errorf("auth header = %q", auth)
	}
	if captured.From != "TutorHive <reports@tutorhive.app>" {
		t.Errorf("from = %q", captured.From)
	}
	if len(captured.To) != 1 || captured.To[0] != "p@example.com" {
		t.Errorf("to = %v", captured.To)
	}

	// One-click unsubscribe headers derived from the management token.
	unsub := captured.Headers["List-Unsubscribe"]
	if want := "<https://app.tutorhive.test/api/preferences/tok123/unsubscribe>"; unsub != want {
		t.Errorf("List-Unsubscribe = %q, want %q", unsub, want)
	}
	if captured.Headers["List-Unsubscribe-Post"] != "List-Unsubscribe=One-Click" {
		t.Errorf("List-Unsubscribe-Post = %q", captured.Headers["List-Unsubscribe-Post"])
	}
}

func TestResendDeliver_NoTokenNoHeaders(t *testing.T) {
	var captured resendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(resendResponse{ID: "email_123"})
	}))
	defer srv.Close()

	c := testResendClient(srv.URL)
	if err := c.Deliver(context.Background(), Message{To: "p@example.com", Subject: "s", HTML: "<p>x</p>"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if captured.Headers != nil {
		t.Errorf("headers = %v, want none without a token", captured.Headers)
	}
}

func TestResendDeliver_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"name": "validation_error", "message": "invalid from", "statusCode": 403},
		})
	}))
	defer srv.Close()

	c := testResendClient(srv.URL)
	err := c.Deliver(context.Background(), Message{To: "p@example.com", Subject: "s", HTML: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "validation_error") {
		t.Errorf("error = %v, want Resend error name surfaced", err)
	}
}

func TestResendDeliver_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := testResendClient(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := c.Deliver(ctx, Message{To: "p@example.com", Subject: "s", HTML: "x"}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestConsoleSender(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewConsoleSender(logger)
	if err := s.Deliver(context.Background(), Message{To: "p@example.com", Subject: "s", HTML: "x"}); err != nil {
		t.Fatalf("console deliver: %v", err)
	}
}

func TestMessageBuilders(t *testing.T) {
	m := SessionReportMessage("p@example.com", SessionSummary{
		SessionID:       "sess-1",
		StudentName:     "Priya",
		Subject:         "Algebra",
		DurationMinutes: 45,
		TopicsCovered:   []string{"factoring", "quadratics"},
	}, "tok123")

	if m.To != "p@example.com" || m.UnsubscribeToken != "tok123" {
		t.Errorf("message envelope wrong: %+v", m)
	}
	if !strings.Contains(m.Subject, "Algebra") {
		t.Errorf("subject = %q", m.Subject)
	}
	for _, want := range []string{"Priya", "45 minutes", "factoring", "quadratics"} {
		if !strings.Contains(m.HTML, want) {
			t.Errorf("html missing %q", want)
		}
	}

	d := WeeklyDigestMessage("p@example.com", WeekDigest{
		WeekStart:    time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
		SessionCount: 3,
		TotalMinutes: 120,
		Highlights:   []string{"finished unit 4"},
	}, "")
	if !strings.Contains(d.Subject, "Jan 6") {
		t.Errorf("digest subject = %q", d.Subject)
	}
	if !strings.Contains(d.HTML, "3 sessions") || !strings.Contains(d.HTML, "120 minutes") {
		t.Errorf("digest html missing counts")
	}
}
