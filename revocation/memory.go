package revocation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process revocation list. Expired entries are swept
// lazily on Revoke and dropped when read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time), now: time.Now}
}

// Revoke implements [Store].
func (m *MemoryStore) Revoke(_ context.Context, tokenID string, expiresAt time.Time) error {
	id, err := normalizeID(tokenID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweepLocked(now)
	if !expiresAt.After(now) {
		return nil
	}
	if cur, ok := m.entries[id]; !ok || expiresAt.After(cur) {
		m.entries[id] = expiresAt
	}
	return nil
}

// IsRevoked implements [Store].
func (m *MemoryStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	id, err := normalizeID(tokenID)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.entries[id]
	if !ok {
		return false, nil
	}
	if !exp.After(m.now()) {
		delete(m.entries, id)
		return false, nil
	}
	return true, nil
}

// Len returns the number of entries, live or not yet swept.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryStore) sweepLocked(now time.Time) {
	for id, exp := range m.entries {
		if !exp.After(now) {
			delete(m.entries, id)
		}
	}
}
