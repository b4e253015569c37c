package challenge

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the default single-instance backing store. A single mutex
// covers every operation, which is what makes Take atomic.
type MemoryStore struct {
	challenges map[string]*Challenge
	mu         sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges: make(map[string]*Challenge),
	}
}

func (m *MemoryStore) Put(ctx context.Context, key string, ch *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.challenges[key] = ch
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.challenges[key]
	if !ok {
		return nil, nil
	}
	copied := *ch
	return &copied, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.challenges, key)
	return nil
}

// Take removes and returns the record under one lock acquisition, so two
// concurrent callers can never both observe it.
func (m *MemoryStore) Take(ctx context.Context, key string) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.challenges[key]
	if !ok {
		return nil, nil
	}
	delete(m.challenges, key)
	return ch, nil
}

func (m *MemoryStore) DeleteOwner(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := ownerID + ":"
	for key := range m.challenges {
		if strings.HasPrefix(key, prefix) {
			delete(m.challenges, key)
		}
	}
	return nil
}

func (m *MemoryStore) CleanupExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, ch := range m.challenges {
		if now.After(ch.ExpiresAt) {
			delete(m.challenges, key)
			removed++
		}
	}
	return removed, nil
}
