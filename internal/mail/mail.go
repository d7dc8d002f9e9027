// Package mail renders and transmits confirmation and alert emails.
package mail

import (
	"context"

	"go.uber.org/zap"
)

// Message is one outgoing email with HTML and plain-text bodies.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer transmits a message. Implementations must be safe for concurrent use.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer logs messages instead of sending them. It backs deployments
// without an SMTP server configured.
type LogMailer struct{}

// Send implements Mailer.
func (LogMailer) Send(_ context.Context, msg Message) error {
	zap.L().Info("mail: delivery disabled, logging message",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("text_bytes", len(msg.Text)),
	)
	return nil
}
