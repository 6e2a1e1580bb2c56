// Package authstate loads and persists the opaque authentication state of a
// messaging session so callers never see the storage technology.
package authstate

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"whatsapp-bridge/internal/model"
	"whatsapp-bridge/internal/store"
)

// State is the credential material of one session: a primary creds blob and
// any number of auxiliary keys.
type State struct {
	mu        sync.RWMutex
	sessionID string
	creds     []byte
	keys      map[string][]byte
	fresh     bool
}

func newState(sessionID string) *State {
	return &State{sessionID: sessionID, keys: make(map[string][]byte), fresh: true}
}

func (s *State) SessionID() string { return s.sessionID }

// Fresh reports whether nothing was stored for the session when it was loaded.
func (s *State) Fresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fresh
}

func (s *State) Creds() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.creds...)
}

func (s *State) SetCreds(creds []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = append([]byte(nil), creds...)
}

func (s *State) Key(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.keys[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (s *State) SetKey(name string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[name] = append([]byte(nil), value...)
}

func (s *State) snapshot() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make(map[string][]byte, len(s.keys)+1)
	for k, v := range s.keys {
		values[k] = v
	}
	creds := s.creds
	if creds == nil {
		creds = []byte{}
	}
	values[model.CredentialKeyCreds] = creds
	return values
}

// Handle couples a loaded State with the operations that persist it.
type Handle struct {
	State *State
	store store.CredentialStore
}

// Save writes the current state. Concurrent saves are last-write-wins.
func (h *Handle) Save(ctx context.Context) error {
	if err := h.store.Put(ctx, h.State.sessionID, h.State.snapshot()); err != nil {
		return err
	}
	h.State.mu.Lock()
	h.State.fresh = false
	h.State.mu.Unlock()
	return nil
}

// Remove deletes every stored row of the session.
func (h *Handle) Remove(ctx context.Context) error {
	return h.store.DeleteSession(ctx, h.State.sessionID)
}

type Adapter struct {
	store store.CredentialStore
}

func NewAdapter(st store.CredentialStore) *Adapter {
	return &Adapter{store: st}
}

// Load returns the stored state of sessionID, or a fresh empty state when
// nothing is stored. A fresh state is not persisted until Save.
func (a *Adapter) Load(ctx context.Context, sessionID string) (*Handle, error) {
	if sessionID == "" {
		return nil, errors.New("empty session id")
	}

	rows, err := a.store.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st := newState(sessionID)
	for _, row := range rows {
		if row.Key == model.CredentialKeyCreds {
			st.creds = row.Value
		} else {
			st.keys[row.Key] = row.Value
		}
	}
	st.fresh = len(rows) == 0

	return &Handle{State: st, store: a.store}, nil
}

// Remove deletes the stored rows of sessionID without loading them.
func (a *Adapter) Remove(ctx context.Context, sessionID string) error {
	return a.store.DeleteSession(ctx, sessionID)
}
