package model

import "time"

// ExternalTypeGoogle tags users authenticated with a Google ID token.
const ExternalTypeGoogle = "GOOGLE"

// User is an internal identity backed by an external provider account.
type User struct {
	ID           int64   `json:"id"`
	ExternalID   string  `json:"external_id"`
	ExternalType string  `json:"external_type"`
	Email        *string `json:"email,omitempty"`
}

// PendingConfirmation is an outstanding confirmation mail for (user, email).
type PendingConfirmation struct {
	ID       int64     `json:"id"`
	UserID   int64     `json:"user_id"`
	Email    string    `json:"email"`
	SendDate time.Time `json:"send_date"`
}
