package email

import (
	"context"
	"log/slog"
)

// consoleSender logs messages instead of sending them. Used in development so
// the pipeline can run end to end without a Resend key.
type consoleSender struct {
	logger *slog.Logger
}

// NewConsoleSender returns a Sender that writes each message to the log.
func NewConsoleSender(logger *slog.Logger) Sender {
	return &consoleSender{logger: logger}
}

func (c *consoleSender) Deliver(_ context.Context, m Message) error {
	c.logger.Info("email (console)",
		"to", m.To,
		"subject", m.Subject,
		"html_bytes", len(m.HTML),
		"unsubscribe_token_set", m.UnsubscribeToken != "",
	)
	return nil
}
