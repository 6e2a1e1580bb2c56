// Package store persists sessions, credential rows and reads users.
package store

import (
	"context"

	"whatsapp-bridge/internal/model"
)

type storageError string

const ErrNotFound = storageError("not found")

func (e storageError) Error() string {
	return string(e)
}

// Interface is implemented by every storage backend.
type Interface interface {
	Sessions() SessionStore
	Credentials() CredentialStore
	Users() UserStore
}

// SessionStore manages the whatsapp_session rows.
type SessionStore interface {
	Create(ctx context.Context, m *model.Session) error
	FindBySessionID(ctx context.Context, sessionID string) (*model.Session, error)
	FindActiveByChatflow(ctx context.Context, chatflowID string) (*model.Session, error)
	ListActive(ctx context.Context) ([]model.Session, error)
	ListByUser(ctx context.Context, userID string) ([]model.Session, error)
	// SetActive flips the active flag. An empty phone keeps the stored number.
	SetActive(ctx context.Context, sessionID string, active bool, phone string) error
	Delete(ctx context.Context, sessionID string) error
}

// CredentialStore manages opaque authentication rows keyed by session id.
type CredentialStore interface {
	List(ctx context.Context, sessionID string) ([]model.CredentialRecord, error)
	// Put upserts every key of values for the session.
	Put(ctx context.Context, sessionID string, values map[string][]byte) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// UserStore reads users of the host application.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}
