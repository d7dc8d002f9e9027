// Package alert implements the user-facing alert operations: CRUD behind a
// session plus the tokenised delete and unsubscribe links in alert mail.
package alert

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/algotips/leadsdb/internal/confirm"
	"github.com/algotips/leadsdb/internal/links"
	"github.com/algotips/leadsdb/internal/model"
	"github.com/algotips/leadsdb/internal/store"
)

var (
	// ErrNotFound covers alerts that do not exist, are not owned by the
	// caller, or were already removed.
	ErrNotFound = eris.New("alert: not found")
	// ErrInvalid is returned when input fails validation.
	ErrInvalid = eris.New("alert: invalid alert data")
	// ErrEmailClaimed means another user owns the recipient address.
	ErrEmailClaimed = eris.New("alert: email address is claimed by another user")
	// ErrCreateFailed means the database rejected a new alert.
	ErrCreateFailed = eris.New("alert: unable to create alert")
	// ErrInvalidToken is returned for delete/unsubscribe tokens that do not verify.
	ErrInvalidToken = eris.New("alert: invalid token")
	// ErrAlreadyConfirmed is returned by ResendConfirmation.
	ErrAlreadyConfirmed = eris.New("alert: recipient already confirmed")
	// ErrConfirmationPending is returned by ResendConfirmation inside the throttle window.
	ErrConfirmationPending = eris.New("alert: confirmation sent too recently")
)

// Input is the client-supplied part of an alert.
type Input struct {
	Filter    string          `json:"filter"`
	Sources   model.Sources   `json:"sources"`
	Frequency model.Frequency `json:"frequency"`
	Recipient string          `json:"recipient"`
}

// Validate checks the recipient pattern and frequency.
func (in Input) Validate() error {
	if !model.ValidEmail(in.Recipient) {
		return eris.Wrap(ErrInvalid, "recipient is not a valid email address")
	}
	if !in.Frequency.Valid() {
		return eris.Wrapf(ErrInvalid, "unknown frequency %d", in.Frequency)
	}
	return nil
}

func (in Input) toAlert(userID int64) model.Alert {
	return model.Alert{
		UserID:    userID,
		Filter:    strings.TrimSpace(in.Filter),
		Sources:   in.Sources.Normalize(),
		Frequency: in.Frequency,
		Recipient: in.Recipient,
	}
}

// View is an alert as returned to its owner.
type View struct {
	model.Alert
	Confirmed bool `json:"confirmed"`
}

// Result describes a create or update.
type Result struct {
	ID           int64
	Confirmation confirm.Outcome
	Delivered    bool
}

// Service coordinates the alert store and the confirmation workflow.
type Service struct {
	store   store.Store
	confirm *confirm.Workflow
	links   *links.Builder
}

// NewService creates a Service.
func NewService(st store.Store, wf *confirm.Workflow, lb *links.Builder) *Service {
	return &Service{store: st, confirm: wf, links: lb}
}

// Create stores a new alert for userID and asks its recipient to confirm.
func (s *Service) Create(ctx context.Context, userID int64, in Input) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	a := in.toAlert(userID)

	var staged confirm.Staged
	err := s.store.InTx(ctx, func(q store.Queries) error {
		if err := checkClaim(ctx, q, userID, a.Recipient); err != nil {
			return err
		}
		if err := q.CreateAlert(ctx, &a); err != nil {
			zap.L().Warn("alert: create failed", zap.Int64("user_id", userID), zap.Error(err))
			return ErrCreateFailed
		}
		var err error
		staged, err = s.confirm.Stage(ctx, q, userID, a.Recipient, confirm.DefaultMinDelay)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	zap.L().Info("alert: created",
		zap.Int64("alert_id", a.ID),
		zap.Int64("user_id", userID),
		zap.Stringer("confirmation", staged.Outcome),
	)
	return Result{ID: a.ID, Confirmation: staged.Outcome, Delivered: s.confirm.Deliver(ctx, staged)}, nil
}

// Update replaces every field of an owned alert.
func (s *Service) Update(ctx context.Context, userID, alertID int64, in Input) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	a := in.toAlert(userID)
	a.ID = alertID

	var staged confirm.Staged
	err := s.store.InTx(ctx, func(q store.Queries) error {
		if err := checkClaim(ctx, q, userID, a.Recipient); err != nil {
			return err
		}
		ok, err := q.UpdateAlert(ctx, &a)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		staged, err = s.confirm.Stage(ctx, q, userID, a.Recipient, confirm.DefaultMinDelay)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return Result{ID: alertID, Confirmation: staged.Outcome, Delivered: s.confirm.Deliver(ctx, staged)}, nil
}

func checkClaim(ctx context.Context, q store.Queries, userID int64, email string) error {
	claimed, err := q.EmailClaimedByOther(ctx, userID, email)
	if err != nil {
		return err
	}
	if claimed {
		return ErrEmailClaimed
	}
	return nil
}

// Get returns an owned alert.
func (s *Service) Get(ctx context.Context, userID, alertID int64) (View, error) {
	a, err := s.store.GetAlert(ctx, userID, alertID)
	if err != nil {
		return View{}, err
	}
	if a == nil {
		return View{}, ErrNotFound
	}
	confirmed, err := s.store.IsConfirmed(ctx, userID, a.Recipient)
	if err != nil {
		return View{}, err
	}
	return View{Alert: *a, Confirmed: confirmed}, nil
}

// List returns every alert owned by userID.
func (s *Service) List(ctx context.Context, userID int64) ([]View, error) {
	alerts, err := s.store.ListAlerts(ctx, userID)
	if err != nil {
		return nil, err
	}
	confirmed, err := s.store.ConfirmedRecipients(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, View{Alert: a, Confirmed: confirmed[a.Recipient]})
	}
	return out, nil
}

// Delete removes an owned alert. Its send history is kept.
func (s *Service) Delete(ctx context.Context, userID, alertID int64) error {
	ok, err := s.store.DeleteAlert(ctx, userID, alertID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// ResendConfirmation asks the recipient of an owned alert to confirm again,
// subject to the short resend throttle.
func (s *Service) ResendConfirmation(ctx context.Context, userID, alertID int64) (confirm.Result, error) {
	a, err := s.store.GetAlert(ctx, userID, alertID)
	if err != nil {
		return confirm.Result{}, err
	}
	if a == nil {
		return confirm.Result{}, ErrNotFound
	}

	res, err := s.confirm.Request(ctx, userID, a.Recipient, confirm.ResendMinDelay)
	if err != nil {
		return confirm.Result{}, err
	}
	switch res.Outcome {
	case confirm.AlreadyConfirmed:
		return res, ErrAlreadyConfirmed
	case confirm.Pending:
		return res, ErrConfirmationPending
	}
	return res, nil
}

// History lists the deliveries of an owned alert, oldest first.
func (s *Service) History(ctx context.Context, userID, alertID int64) ([]model.SentAlert, error) {
	a, err := s.store.GetAlert(ctx, userID, alertID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotFound
	}
	return s.store.ListSentAlerts(ctx, alertID)
}

// DeleteViaLink deletes the alert that produced the delivery named by tok.
func (s *Service) DeleteViaLink(ctx context.Context, tok string) error {
	pt, err := s.links.ReadPrivateToken(tok)
	if err != nil {
		return ErrInvalidToken
	}

	var deleted int64
	err = s.store.InTx(ctx, func(q store.Queries) error {
		sent, err := q.GetSentAlert(ctx, pt.SendID, pt.UserID)
		if err != nil || sent == nil {
			return err
		}
		deleted, err = q.DeleteAlertByID(ctx, sent.AlertID)
		return err
	})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}
	zap.L().Info("alert: deleted via link", zap.Int64("send_id", pt.SendID), zap.Int64("user_id", pt.UserID))
	return nil
}

// UnsubscribeViaLink revokes the confirmation of the delivery's recipient
// and deletes every alert addressed to it, whoever owns them. Removed
// confirmations stay removed even when no alert remained.
func (s *Service) UnsubscribeViaLink(ctx context.Context, tok string) error {
	pt, err := s.links.ReadPrivateToken(tok)
	if err != nil {
		return ErrInvalidToken
	}

	var deleted int64
	err = s.store.InTx(ctx, func(q store.Queries) error {
		sent, err := q.GetSentAlert(ctx, pt.SendID, pt.UserID)
		if err != nil || sent == nil {
			return err
		}
		if _, err := q.DeleteConfirmedEmails(ctx, sent.Recipient); err != nil {
			return err
		}
		deleted, err = q.DeleteAlertsByRecipient(ctx, sent.Recipient)
		return err
	})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}
	zap.L().Info("alert: recipient unsubscribed",
		zap.Int64("send_id", pt.SendID),
		zap.Int64("alerts_deleted", deleted),
	)
	return nil
}
