// Package mailtest provides an in-memory Mailer for tests.
package mailtest

import (
	"context"
	"sync"

	"github.com/algotips/leadsdb/internal/mail"
)

// Recorder captures sent messages. Setting Err makes every send fail.
type Recorder struct {
	mu   sync.Mutex
	sent []mail.Message
	Err  error
}

// Send implements mail.Mailer.
func (r *Recorder) Send(_ context.Context, msg mail.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, msg)
	return nil
}

// Sent returns a copy of the messages sent so far.
func (r *Recorder) Sent() []mail.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mail.Message(nil), r.sent...)
}

// To returns the messages addressed to recipient.
func (r *Recorder) To(recipient string) []mail.Message {
	var out []mail.Message
	for _, m := range r.Sent() {
		if m.To == recipient {
			out = append(out, m)
		}
	}
	return out
}
