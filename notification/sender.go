// Package notification turns USER_REGISTERED events into welcome emails.
// Delivery of the email itself is left to a Sender.
package notification

import (
	"context"
	"log/slog"
)

// Email is a rendered message ready to send
type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers an email
type Sender interface {
	Send(ctx context.Context, email Email) error
}

// LogSender logs emails instead of sending them
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a sender writing to logger
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender
func (s *LogSender) Send(ctx context.Context, email Email) error {
	s.logger.InfoContext(ctx, "email sent",
		"to", email.To,
		"subject", email.Subject,
		"htmlSize", len(email.HTML))
	return nil
}
