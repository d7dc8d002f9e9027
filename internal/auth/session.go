// Package auth manages browser sessions and Google sign-in.
package auth

import (
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/rotisserie/eris"
)

// SessionCookie is the name of the session cookie.
const SessionCookie = "leadsdb_session"

// SessionMaxAge bounds how long a session stays valid.
const SessionMaxAge = 30 * 24 * time.Hour

type session struct {
	UserID int64 `json:"uid"`
}

// SessionManager reads and writes the signed session cookie.
type SessionManager struct {
	sc     *securecookie.SecureCookie
	secure bool
}

// NewSessionManager creates a SessionManager from hex-encoded keys. An
// empty blockKey signs the cookie without encrypting it.
func NewSessionManager(hashKey, blockKey string, secure bool) (*SessionManager, error) {
	hk, err := hex.DecodeString(hashKey)
	if err != nil || len(hk) == 0 {
		return nil, eris.New("auth: session hash key must be non-empty hex")
	}
	var bk []byte
	if blockKey != "" {
		bk, err = hex.DecodeString(blockKey)
		if err != nil {
			return nil, eris.Wrap(err, "auth: decode session block key")
		}
	}
	sc := securecookie.New(hk, bk).
		SetSerializer(securecookie.JSONEncoder{}).
		MaxAge(int(SessionMaxAge.Seconds()))
	return &SessionManager{sc: sc, secure: secure}, nil
}

// Set starts a session for userID.
func (m *SessionManager) Set(w http.ResponseWriter, userID int64) error {
	value, err := m.sc.Encode(SessionCookie, session{UserID: userID})
	if err != nil {
		return eris.Wrap(err, "auth: encode session")
	}
	http.SetCookie(w, m.cookie(value, int(SessionMaxAge.Seconds())))
	return nil
}

// UserID returns the signed-in user of r, if any.
func (m *SessionManager) UserID(r *http.Request) (int64, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return 0, false
	}
	var s session
	if err := m.sc.Decode(SessionCookie, c.Value, &s); err != nil || s.UserID == 0 {
		return 0, false
	}
	return s.UserID, true
}

// Clear ends the session.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, m.cookie("", -1))
}

func (m *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
