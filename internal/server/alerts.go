package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/algotips/leadsdb/internal/alert"
	"github.com/algotips/leadsdb/internal/confirm"
	"github.com/algotips/leadsdb/internal/model"
	"github.com/algotips/leadsdb/internal/trigger"
)

func alertID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, ReasonNoSuchAlert)
		return 0, false
	}
	return id, true
}

func decodeInput(w http.ResponseWriter, r *http.Request) (alert.Input, bool) {
	var in alert.Input
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, ReasonInvalidAlert)
		return in, false
	}
	return in, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}
	view, err := s.Alerts.Get(r.Context(), userID(r), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	views, err := s.Alerts.List(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Alerts []alert.View `json:"alerts"`
	}{views})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeInput(w, r)
	if !ok {
		return
	}
	res, err := s.Alerts.Create(r.Context(), userID(r), in)
	if err != nil {
		fail(w, r, err)
		return
	}
	body := okBody{ID: res.ID, Status: "ok"}
	switch res.Confirmation {
	case confirm.Sent:
		body.Notes = []string{NoteConfirmationSent}
	case confirm.Pending:
		body.Notes = []string{NoteCreatePending}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}
	in, ok := decodeInput(w, r)
	if !ok {
		return
	}
	res, err := s.Alerts.Update(r.Context(), userID(r), id, in)
	if err != nil {
		fail(w, r, err)
		return
	}
	body := statusOK()
	switch res.Confirmation {
	case confirm.Sent:
		body.Notes = []string{NoteConfirmationSent}
	case confirm.Pending:
		body.Notes = []string{NoteUpdatePending}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}
	if err := s.Alerts.Delete(r.Context(), userID(r), id); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK())
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}
	if _, err := s.Alerts.ResendConfirmation(r.Context(), userID(r), id); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK())
}

type sendView struct {
	ID       int64     `json:"id"`
	SendDate time.Time `json:"send_date"`
	DBLink   string    `json:"db_link"`
	Leads    []int64   `json:"leads"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}
	sends, err := s.Alerts.History(r.Context(), userID(r), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	out := make([]sendView, 0, len(sends))
	for _, sa := range sends {
		leads := sa.LeadIDs
		if leads == nil {
			leads = []int64{}
		}
		out = append(out, sendView{ID: sa.ID, SendDate: sa.SendDate, DBLink: sa.DBLink, Leads: leads})
	}
	writeJSON(w, http.StatusOK, struct {
		Sends []sendView `json:"sends"`
	}{out})
}

func (s *Server) handleDeleteViaLink(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		writeError(w, http.StatusBadRequest, ReasonMissingToken)
		return
	}
	if err := s.Alerts.DeleteViaLink(r.Context(), tok); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK())
}

func (s *Server) handleUnsubscribeViaLink(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		writeError(w, http.StatusBadRequest, ReasonMissingToken)
		return
	}
	if err := s.Alerts.UnsubscribeViaLink(r.Context(), tok); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK())
}

// parseFrequency accepts a frequency name or its numeric code.
func parseFrequency(s string) (model.Frequency, bool) {
	if n, err := strconv.ParseInt(s, 10, 16); err == nil {
		f := model.Frequency(n)
		return f, f.Valid()
	}
	f, err := model.ParseFrequency(s)
	return f, err == nil
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var opts trigger.RunOptions
	if v := r.URL.Query().Get("frequency"); v != "" {
		f, ok := parseFrequency(v)
		if !ok {
			writeError(w, http.StatusBadRequest, ReasonBadFrequency)
			return
		}
		opts.Frequency = &f
	}

	report, err := s.Trigger.Run(r.Context(), opts)
	if err != nil {
		fail(w, r, err)
		return
	}
	if s.OnTrigger != nil {
		s.OnTrigger(r.Context(), report)
	}
	writeJSON(w, http.StatusOK, struct {
		Status string         `json:"status"`
		Report trigger.Report `json:"report"`
	}{"ok", report})
}
