package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default in-process session store.
type MemoryStore struct {
	sessions map[string]*Session
	mu       sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

func (m *MemoryStore) Save(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	if time.Now().After(session.ExpiresAt) {
		delete(m.sessions, id)
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) DeleteOwner(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		if session.OwnerID == ownerID {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *MemoryStore) CleanupExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}
