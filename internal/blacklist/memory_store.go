package blacklist

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is an in-memory blacklist for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry // id -> entry
	index   map[string]string    // type|value -> id
}

// memEntry keeps the hit counter outside the RWMutex so concurrent lookups
// of the same entry only need the read lock.
type memEntry struct {
	entry Entry
	hits  atomic.Int64
}

func (m *memEntry) snapshot() *Entry {
	cp := m.entry
	cp.ExpiresAt = copyTime(m.entry.ExpiresAt)
	cp.HitCount = m.hits.Load()
	return &cp
}

// NewMemoryStore creates a new in-memory blacklist store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		index:   make(map[string]string),
	}
}

func (m *MemoryStore) Add(_ context.Context, entry *Entry) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := indexKey(entry.Type, entry.Value)
	if id, ok := m.index[key]; ok {
		existing := m.entries[id]
		existing.entry.merge(entry, entry.UpdatedAt)
		return existing.snapshot(), nil
	}

	me := &memEntry{entry: *entry}
	me.entry.ExpiresAt = copyTime(entry.ExpiresAt)
	me.entry.IsActive = true
	me.hits.Store(entry.HitCount)
	m.entries[entry.ID] = me
	m.index[key] = entry.ID
	return me.snapshot(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	me, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return me.snapshot(), nil
}

func (m *MemoryStore) Lookup(_ context.Context, t Type, value string, now time.Time) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.index[indexKey(t, value)]
	if !ok {
		return nil, nil
	}
	me := m.entries[id]
	if !me.entry.Live(now) {
		return nil, nil
	}
	me.hits.Add(1)
	return me.snapshot(), nil
}

func (m *MemoryStore) Deactivate(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	me, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	me.entry.IsActive = false
	me.entry.UpdatedAt = now
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, me := range m.entries {
		if filter.Type != "" && me.entry.Type != filter.Type {
			continue
		}
		if filter.ActiveOnly && !me.entry.IsActive {
			continue
		}
		result = append(result, me.snapshot())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, me := range m.entries {
		if me.entry.IsActive && me.entry.Expired(now) {
			me.entry.IsActive = false
			me.entry.UpdatedAt = now
			n++
		}
	}
	return n, nil
}
