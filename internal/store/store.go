package store

import (
	"context"
	"time"

	"github.com/algotips/leadsdb/internal/leads"
	"github.com/algotips/leadsdb/internal/model"
)

// Queries is the read/write surface of the alert database. Both a Store and
// the transaction handed to InTx satisfy it. Lookups that find nothing
// return a nil result and a nil error.
type Queries interface {
	// Users
	GetUserByExternalID(ctx context.Context, externalID, externalType string) (*model.User, error)
	CreateUser(ctx context.Context, u *model.User) error
	EmailClaimedByOther(ctx context.Context, userID int64, email string) (bool, error)

	// Alerts
	CreateAlert(ctx context.Context, a *model.Alert) error
	UpdateAlert(ctx context.Context, a *model.Alert) (bool, error)
	GetAlert(ctx context.Context, userID, alertID int64) (*model.Alert, error)
	ListAlerts(ctx context.Context, userID int64) ([]model.Alert, error)
	DeleteAlert(ctx context.Context, userID, alertID int64) (bool, error)
	DeleteAlertByID(ctx context.Context, alertID int64) (int64, error)
	DeleteAlertsByRecipient(ctx context.Context, email string) (int64, error)

	// Confirmations
	IsConfirmed(ctx context.Context, userID int64, email string) (bool, error)
	ConfirmedRecipients(ctx context.Context, userID int64) (map[string]bool, error)
	AddConfirmedEmail(ctx context.Context, userID int64, email string) error
	DeleteConfirmedEmails(ctx context.Context, email string) (int64, error)
	HasPendingSince(ctx context.Context, email string, since time.Time) (bool, error)
	CreatePendingConfirmation(ctx context.Context, p *model.PendingConfirmation) error
	GetPendingConfirmation(ctx context.Context, id int64) (*model.PendingConfirmation, error)
	DeletePendingConfirmations(ctx context.Context, userID int64, email string) (int64, error)

	// Sends
	ListConfirmedAlerts(ctx context.Context, freq *model.Frequency) ([]model.AlertStatus, error)
	LockAlert(ctx context.Context, alertID int64) error
	LastSent(ctx context.Context, alertID int64) (*time.Time, error)
	MatchLeads(ctx context.Context, sel leads.Selection) ([]model.LeadMatch, error)
	CreateSentAlert(ctx context.Context, s *model.SentAlert) error
	AddSentAlertContents(ctx context.Context, sendID int64, leadIDs []int64) error
	GetSentAlert(ctx context.Context, sendID, userID int64) (*model.SentAlert, error)
	ListSentAlerts(ctx context.Context, alertID int64) ([]model.SentAlert, error)
}

// Store is the persistence interface for the alert engine.
type Store interface {
	Queries

	// InTx runs fn in one transaction, committing only if fn returns nil.
	InTx(ctx context.Context, fn func(q Queries) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
