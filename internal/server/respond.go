package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/algotips/leadsdb/internal/alert"
	"github.com/algotips/leadsdb/internal/auth"
	"github.com/algotips/leadsdb/internal/confirm"
)

// Notes attached to successful create and update responses.
const (
	NoteConfirmationSent = "You will not receive alerts until your email has been confirmed. " +
		"You should receive a confirmation email momentarily. Follow the instructions within to confirm your address."
	NoteCreatePending = "A confirmation for this recipient is already pending."
	NoteUpdatePending = "A confirmation email is pending."
)

// Error reasons.
const (
	ReasonInvalidAlert     = "Unable to read or validate alert data"
	ReasonEmailClaimed     = "Email address is already claimed by another user."
	ReasonCreateFailed     = "Unable to create alert in database"
	ReasonNoSuchAlert      = "No such alert"
	ReasonMissingToken     = "Missing token"
	ReasonInvalidToken     = "Invalid token"
	ReasonAlreadyConfirmed = "This email address is already confirmed."
	ReasonTooRecent        = "The most recent confirmation was sent too recently. Please wait a few minutes and try again."
	ReasonBadConfirmToken  = "That token is invalid or has expired. You can request another confirmation email on the Alerts page."
	ReasonNoConfirmation   = "No pending confirmation for that address"
	ReasonBadFrequency     = "Unknown frequency"
	ReasonInternal         = "Internal server error"
)

type errorBody struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type okBody struct {
	ID     int64    `json:"id,omitempty"`
	Status string   `json:"status"`
	Notes  []string `json:"notes,omitempty"`
}

// healthBody is the /health response. Only the database gates the status code.
type healthBody struct {
	Status string `json:"status"`
	Mail   string `json:"mail,omitempty"`
}

func statusOK() okBody { return okBody{Status: "ok"} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, errorBody{Status: "error", Reason: reason})
}

// fail maps a service error to a response. Unknown errors are logged and
// reported as 500 without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, alert.ErrInvalid):
		writeError(w, http.StatusBadRequest, ReasonInvalidAlert)
	case errors.Is(err, alert.ErrEmailClaimed):
		writeError(w, http.StatusBadRequest, ReasonEmailClaimed)
	case errors.Is(err, alert.ErrCreateFailed):
		writeError(w, http.StatusBadRequest, ReasonCreateFailed)
	case errors.Is(err, alert.ErrNotFound):
		writeError(w, http.StatusNotFound, ReasonNoSuchAlert)
	case errors.Is(err, alert.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, ReasonInvalidToken)
	case errors.Is(err, alert.ErrAlreadyConfirmed):
		writeError(w, http.StatusBadRequest, ReasonAlreadyConfirmed)
	case errors.Is(err, alert.ErrConfirmationPending):
		writeError(w, http.StatusBadRequest, ReasonTooRecent)
	case errors.Is(err, confirm.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, ReasonBadConfirmToken)
	case errors.Is(err, confirm.ErrNoSuchConfirmation):
		writeError(w, http.StatusBadRequest, ReasonNoConfirmation)
	case errors.Is(err, auth.ErrInvalidIDToken):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	default:
		zap.L().Error("server: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, ReasonInternal)
	}
}
