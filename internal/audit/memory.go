package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps the decision chain in memory. It is the default store
// for development and the fallback when no DATABASE_URL is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Decision
	ordered []*Decision
	head    string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]*Decision{}}
}

func (m *MemoryStore) AppendDecision(ctx context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := seal(d, m.head); err != nil {
		return err
	}
	stored := *d
	m.byID[stored.ID] = &stored
	m.ordered = append(m.ordered, &stored)
	m.head = stored.Hash
	return nil
}

func (m *MemoryStore) GetDecision(ctx context.Context, id string) (*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *d
	return &out, nil
}

// Recent returns up to n decisions, newest last.
func (m *MemoryStore) Recent(n int) []*Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.ordered) {
		n = len(m.ordered)
	}
	out := make([]*Decision, 0, n)
	for _, d := range m.ordered[len(m.ordered)-n:] {
		copied := *d
		out = append(out, &copied)
	}
	return out
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
