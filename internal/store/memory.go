package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"whatsapp-bridge/internal/model"
)

// Memory is an in-process backend used by tests and local runs.
type Memory struct {
	sessions    *memorySessionStore
	credentials *memoryCredentialStore
	users       *memoryUserStore
}

func NewMemory() *Memory {
	return &Memory{
		sessions:    &memorySessionStore{bySessionID: make(map[string]model.Session)},
		credentials: &memoryCredentialStore{rows: make(map[string]map[string][]byte)},
		users:       &memoryUserStore{byID: make(map[string]model.User)},
	}
}

func (m *Memory) Sessions() SessionStore       { return m.sessions }
func (m *Memory) Credentials() CredentialStore { return m.credentials }
func (m *Memory) Users() UserStore             { return m.users }

// PutUser seeds a user; the host application owns users in production.
func (m *Memory) PutUser(u model.User) {
	m.users.mu.Lock()
	defer m.users.mu.Unlock()
	m.users.byID[u.ID] = u
}

type memorySessionStore struct {
	mu          sync.RWMutex
	bySessionID map[string]model.Session
}

func (s *memorySessionStore) Create(_ context.Context, m *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bySessionID[m.SessionID]; exists {
		return errors.Errorf("session %s already exists", m.SessionID)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedDate = now
	m.UpdatedDate = now
	s.bySessionID[m.SessionID] = *m
	return nil
}

func (s *memorySessionStore) FindBySessionID(_ context.Context, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.bySessionID[sessionID]; ok {
		return &m, nil
	}
	return nil, ErrNotFound
}

func (s *memorySessionStore) FindActiveByChatflow(_ context.Context, chatflowID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.bySessionID {
		if m.ChatflowID == chatflowID && m.IsActive {
			return &m, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memorySessionStore) ListActive(_ context.Context) ([]model.Session, error) {
	return s.filter(func(m model.Session) bool { return m.IsActive }), nil
}

func (s *memorySessionStore) ListByUser(_ context.Context, userID string) ([]model.Session, error) {
	return s.filter(func(m model.Session) bool { return m.UserID == userID }), nil
}

func (s *memorySessionStore) filter(keep func(model.Session) bool) []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Session, 0)
	for _, m := range s.bySessionID {
		if keep(m) {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedDate.Before(result[j].CreatedDate)
	})
	return result
}

func (s *memorySessionStore) SetActive(_ context.Context, sessionID string, active bool, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.bySessionID[sessionID]
	if !ok {
		return ErrNotFound
	}
	m.IsActive = active
	if phone != "" {
		m.PhoneNumber = phone
	}
	m.UpdatedDate = time.Now().UTC()
	s.bySessionID[sessionID] = m
	return nil
}

func (s *memorySessionStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bySessionID[sessionID]; !ok {
		return ErrNotFound
	}
	delete(s.bySessionID, sessionID)
	return nil
}

type memoryCredentialStore struct {
	mu   sync.RWMutex
	rows map[string]map[string][]byte
}

func (s *memoryCredentialStore) List(_ context.Context, sessionID string) ([]model.CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.rows[sessionID]
	result := make([]model.CredentialRecord, 0, len(keys))
	for k, v := range keys {
		result = append(result, model.CredentialRecord{SessionID: sessionID, Key: k, Value: append([]byte(nil), v...)})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (s *memoryCredentialStore) Put(_ context.Context, sessionID string, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, ok := s.rows[sessionID]
	if !ok {
		keys = make(map[string][]byte, len(values))
		s.rows[sessionID] = keys
	}
	for k, v := range values {
		keys[k] = append([]byte(nil), v...)
	}
	return nil
}

func (s *memoryCredentialStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, sessionID)
	return nil
}

type memoryUserStore struct {
	mu   sync.RWMutex
	byID map[string]model.User
}

func (s *memoryUserStore) FindByID(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.byID[id]; ok {
		return &u, nil
	}
	return nil, ErrNotFound
}
