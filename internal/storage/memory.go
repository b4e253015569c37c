package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value []byte
	meta  *Metadata
}

// MemoryStore is the default in-process backend. It offers no hardware
// backing and does not survive a restart; it exists for tests and for
// single-instance deployments that keep durable state elsewhere.
type MemoryStore struct {
	prefix  string
	entries map[string]memoryEntry
	mu      sync.RWMutex
}

func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{
		prefix:  prefix,
		entries: make(map[string]memoryEntry),
	}
}

func (m *MemoryStore) Store(ctx context.Context, key string, value []byte, meta *Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, len(value))
	copy(buf, value)
	m.entries[m.prefix+key] = memoryEntry{value: buf, meta: meta}
	return nil
}

func (m *MemoryStore) Retrieve(ctx context.Context, key string) ([]byte, *Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[m.prefix+key]
	if !ok {
		return nil, nil, nil
	}
	if entry.meta.Expired(time.Now()) {
		delete(m.entries, m.prefix+key)
		return nil, nil, nil
	}

	buf := make([]byte, len(entry.value))
	copy(buf, entry.value)
	return buf, entry.meta, nil
}

func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, m.prefix+key)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[m.prefix+key]
	if !ok {
		return false, nil
	}
	if entry.meta.Expired(time.Now()) {
		delete(m.entries, m.prefix+key)
		return false, nil
	}
	return true, nil
}

// Clear removes every entry under this store's namespace, leaving entries
// written under other prefixes untouched.
func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.entries {
		if strings.HasPrefix(key, m.prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *MemoryStore) Capabilities() Capabilities {
	return Capabilities{Encrypted: false, SurvivesRestart: false}
}
