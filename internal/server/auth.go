package server

import (
	"encoding/json"
	"net/http"
)

type signInRequest struct {
	IDToken string `json:"id_token"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.IDToken == "" {
		writeError(w, http.StatusBadRequest, "Missing id_token")
		return
	}
	uid, err := s.SignIn.SignIn(r.Context(), req.IDToken)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := s.Sessions.Set(w, uid); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK())
}

func (s *Server) handleSignOut(w http.ResponseWriter, _ *http.Request) {
	s.Sessions.Clear(w)
	writeJSON(w, http.StatusOK, statusOK())
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		writeError(w, http.StatusBadRequest, ReasonBadConfirmToken)
		return
	}
	if err := s.Confirm.Redeem(r.Context(), tok); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK())
}
