package attempts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts []*Attempt
	byID     map[string]*Attempt
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Attempt)}
}

func (m *MemoryStore) Append(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneAttempt(a)
	m.attempts = append(m.attempts, cp)
	m.byID[cp.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAttempt(a), nil
}

func (m *MemoryStore) CountSince(_ context.Context, typ Type, origin Origin, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.attempts {
		if a.Type != typ || a.CreatedAt.Before(since) {
			continue
		}
		if o, ok := OriginOf(a); ok && o == origin {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*Attempt, error) {
	m.mu.RLock()
	var result []*Attempt
	for _, a := range m.attempts {
		if filter.Type != "" && a.Type != filter.Type ||
			filter.UserID != "" && a.UserID != filter.UserID ||
			filter.IP != "" && a.IP != filter.IP ||
			filter.DeviceFingerprint != "" && a.DeviceFingerprint != filter.DeviceFingerprint {
			continue
		}
		if !filter.Cursor.Before(a.CreatedAt, a.ID) {
			continue
		}
		result = append(result, cloneAttempt(a))
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}
