package auth

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"

	"github.com/algotips/leadsdb/internal/model"
	"github.com/algotips/leadsdb/internal/store"
)

// ErrInvalidIDToken is returned when a sign-in token does not verify.
var ErrInvalidIDToken = eris.New("auth: invalid id token")

var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// Identity is what a verified ID token says about its holder.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
}

// Verifier checks a provider ID token.
type Verifier interface {
	Verify(ctx context.Context, idToken string) (Identity, error)
}

// GoogleVerifier validates Google-issued ID tokens for one client id.
type GoogleVerifier struct {
	clientID string
	validate func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)
}

// NewGoogleVerifier creates a GoogleVerifier for clientID.
func NewGoogleVerifier(clientID string) *GoogleVerifier {
	return &GoogleVerifier{clientID: clientID, validate: idtoken.Validate}
}

// Verify implements Verifier.
func (g *GoogleVerifier) Verify(ctx context.Context, tok string) (Identity, error) {
	if g.clientID == "" {
		return Identity{}, eris.Wrap(ErrInvalidIDToken, "google client id not configured")
	}
	p, err := g.validate(ctx, tok, g.clientID)
	if err != nil {
		return Identity{}, eris.Wrap(ErrInvalidIDToken, err.Error())
	}
	if !googleIssuers[p.Issuer] {
		return Identity{}, eris.Wrapf(ErrInvalidIDToken, "wrong issuer %q", p.Issuer)
	}

	id := Identity{Subject: p.Subject}
	if email, ok := p.Claims["email"].(string); ok {
		id.Email = email
	}
	switch v := p.Claims["email_verified"].(type) {
	case bool:
		id.EmailVerified = v
	case string:
		id.EmailVerified = v == "true"
	}
	return id, nil
}

// Service signs users in.
type Service struct {
	store    store.Store
	verifier Verifier
}

// NewService creates a Service.
func NewService(st store.Store, v Verifier) *Service {
	return &Service{store: st, verifier: v}
}

// SignIn verifies idToken and returns the matching internal user id,
// creating the user on first sign-in. A new user's verified email is
// recorded as confirmed.
func (s *Service) SignIn(ctx context.Context, idToken string) (int64, error) {
	id, err := s.verifier.Verify(ctx, idToken)
	if err != nil {
		return 0, err
	}
	if id.Subject == "" {
		return 0, eris.Wrap(ErrInvalidIDToken, "token has no subject")
	}

	var userID int64
	err = s.store.InTx(ctx, func(q store.Queries) error {
		u, err := q.GetUserByExternalID(ctx, id.Subject, model.ExternalTypeGoogle)
		if err != nil {
			return err
		}
		if u != nil {
			userID = u.ID
			return nil
		}

		u = &model.User{ExternalID: id.Subject, ExternalType: model.ExternalTypeGoogle}
		verified := id.EmailVerified && model.ValidEmail(id.Email)
		if verified {
			u.Email = &id.Email
		}
		if err := q.CreateUser(ctx, u); err != nil {
			return err
		}
		userID = u.ID
		if verified {
			return q.AddConfirmedEmail(ctx, u.ID, id.Email)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	zap.L().Info("auth: signed in", zap.Int64("user_id", userID))
	return userID, nil
}
