package auth

import (
	"context"
	"errors"

	"whatsapp-bridge/internal/model"
	"whatsapp-bridge/internal/store"
)

var (
	ErrUnknownUser  = errors.New("unknown user")
	ErrUserDisabled = errors.New("user disabled")
)

// Authorizer turns a bearer token into an active user.
type Authorizer struct {
	cfg   TokenConfig
	users store.UserStore
}

// NewAuthorizer returns an Authorizer. A nil users store skips the account
// lookup and trusts the token subject.
func NewAuthorizer(cfg TokenConfig, users store.UserStore) *Authorizer {
	return &Authorizer{cfg: cfg, users: users}
}

func (a *Authorizer) Config() TokenConfig { return a.cfg }

func (a *Authorizer) Authorize(ctx context.Context, token string) (*model.User, error) {
	claims, err := VerifyToken(token, a.cfg)
	if err != nil {
		return nil, err
	}
	if a.users == nil {
		return &model.User{ID: claims.UserID, Status: model.UserStatusActive}, nil
	}

	u, err := a.users.FindByID(ctx, claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, err
	}
	if u.Status == model.UserStatusDisabled {
		return nil, ErrUserDisabled
	}
	return u, nil
}
