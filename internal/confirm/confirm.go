// Package confirm proves that a user controls an email address before any
// alert is delivered to it.
package confirm

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/algotips/leadsdb/internal/links"
	"github.com/algotips/leadsdb/internal/mail"
	"github.com/algotips/leadsdb/internal/metrics"
	"github.com/algotips/leadsdb/internal/model"
	"github.com/algotips/leadsdb/internal/store"
	"github.com/algotips/leadsdb/internal/token"
)

const (
	// DefaultMinDelay throttles confirmations triggered by alert writes.
	DefaultMinDelay = 24 * time.Hour
	// ResendMinDelay throttles explicit resend requests.
	ResendMinDelay = 5 * time.Minute
)

var (
	// ErrInvalidToken covers forged, mangled, and expired confirmation tokens.
	ErrInvalidToken = eris.New("confirm: invalid or expired token")
	// ErrNoSuchConfirmation means the token is authentic but its pending row
	// no longer exists.
	ErrNoSuchConfirmation = eris.New("confirm: no pending confirmation")
)

// Outcome is the result of asking for a confirmation.
type Outcome int

const (
	// Sent means a new pending confirmation was recorded and mail is due.
	Sent Outcome = iota
	// AlreadyConfirmed means the user already owns the address.
	AlreadyConfirmed
	// Pending means a confirmation went to the address within the throttle window.
	Pending
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case AlreadyConfirmed:
		return "already_confirmed"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// Staged is a confirmation recorded inside a transaction whose mail has not
// been sent yet.
type Staged struct {
	Outcome   Outcome
	PendingID int64
	Email     string
	Link      string
}

// Result is the outcome of Request.
type Result struct {
	Outcome   Outcome
	Delivered bool
}

// Workflow issues and redeems email confirmations.
type Workflow struct {
	store    store.Store
	links    *links.Builder
	codec    *token.Codec
	renderer *mail.Renderer
	mailer   mail.Mailer
	now      func() time.Time
}

// New creates a Workflow. now defaults to time.Now.
func New(st store.Store, lb *links.Builder, renderer *mail.Renderer, mailer mail.Mailer, now func() time.Time) *Workflow {
	if now == nil {
		now = time.Now
	}
	return &Workflow{
		store:    st,
		links:    lb,
		codec:    lb.Codec,
		renderer: renderer,
		mailer:   mailer,
		now:      now,
	}
}

// Stage records a pending confirmation for (userID, email) using q, which is
// normally the caller's transaction. Throttling is keyed on the address
// alone so that one address cannot be flooded from several accounts.
func (w *Workflow) Stage(ctx context.Context, q store.Queries, userID int64, email string, minDelay time.Duration) (Staged, error) {
	confirmed, err := q.IsConfirmed(ctx, userID, email)
	if err != nil {
		return Staged{}, eris.Wrap(err, "confirm: check confirmed")
	}
	if confirmed {
		return Staged{Outcome: AlreadyConfirmed, Email: email}, nil
	}

	now := w.now()
	recent, err := q.HasPendingSince(ctx, email, now.Add(-minDelay))
	if err != nil {
		return Staged{}, eris.Wrap(err, "confirm: check pending")
	}
	if recent {
		return Staged{Outcome: Pending, Email: email}, nil
	}

	pc := &model.PendingConfirmation{UserID: userID, Email: email, SendDate: now}
	if err := q.CreatePendingConfirmation(ctx, pc); err != nil {
		return Staged{}, eris.Wrap(err, "confirm: record pending")
	}
	link, err := w.links.ConfirmLink(pc.ID)
	if err != nil {
		return Staged{}, err
	}
	return Staged{Outcome: Sent, PendingID: pc.ID, Email: email, Link: link}, nil
}

// Deliver sends the mail for a Sent outcome. It reports whether the relay
// accepted the message; failures are logged and leave the pending row in place.
func (w *Workflow) Deliver(ctx context.Context, s Staged) bool {
	if s.Outcome != Sent {
		return false
	}
	log := zap.L().With(zap.Int64("pending_id", s.PendingID), zap.String("email", s.Email))

	msg, err := w.renderer.Confirmation(s.Email, s.Link)
	if err != nil {
		log.Error("confirm: render mail", zap.Error(err))
		metrics.ConfirmationMail.WithLabelValues(metrics.ResultFailed).Inc()
		return false
	}
	if err := w.mailer.Send(ctx, msg); err != nil {
		log.Warn("confirm: send mail", zap.Error(err))
		metrics.ConfirmationMail.WithLabelValues(metrics.ResultFailed).Inc()
		return false
	}
	metrics.ConfirmationMail.WithLabelValues(metrics.ResultSent).Inc()
	log.Info("confirm: confirmation sent")
	return true
}

// Request stages a confirmation in its own transaction and delivers it
// after commit.
func (w *Workflow) Request(ctx context.Context, userID int64, email string, minDelay time.Duration) (Result, error) {
	var staged Staged
	err := w.store.InTx(ctx, func(q store.Queries) error {
		var err error
		staged, err = w.Stage(ctx, q, userID, email, minDelay)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: staged.Outcome, Delivered: w.Deliver(ctx, staged)}, nil
}

// Redeem verifies a confirmation token and marks its address confirmed for
// the requesting user. Redeeming twice fails with ErrNoSuchConfirmation.
func (w *Workflow) Redeem(ctx context.Context, tok string) error {
	var pendingID int64
	if err := w.codec.Verify(tok, token.NamespaceConfirm, token.ConfirmMaxAge, &pendingID); err != nil {
		if errors.Is(err, token.ErrExpired) {
			zap.L().Debug("confirm: token expired")
		}
		return ErrInvalidToken
	}

	return w.store.InTx(ctx, func(q store.Queries) error {
		pc, err := q.GetPendingConfirmation(ctx, pendingID)
		if err != nil {
			return eris.Wrap(err, "confirm: load pending")
		}
		if pc == nil {
			return ErrNoSuchConfirmation
		}

		confirmed, err := q.IsConfirmed(ctx, pc.UserID, pc.Email)
		if err != nil {
			return eris.Wrap(err, "confirm: check confirmed")
		}
		if !confirmed {
			if err := q.AddConfirmedEmail(ctx, pc.UserID, pc.Email); err != nil {
				return eris.Wrap(err, "confirm: add confirmed email")
			}
		}
		if _, err := q.DeletePendingConfirmations(ctx, pc.UserID, pc.Email); err != nil {
			return eris.Wrap(err, "confirm: clear pending")
		}

		zap.L().Info("confirm: email confirmed",
			zap.Int64("user_id", pc.UserID),
			zap.String("email", pc.Email),
		)
		return nil
	})
}
