package rules

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists rules.
type Store interface {
	Create(ctx context.Context, rule *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	// Update replaces the editable fields. TriggerCount and CreatedAt are
	// never taken from the argument.
	Update(ctx context.Context, rule *Rule) error
	SetActive(ctx context.Context, id string, active bool, now time.Time) error
	// IncrementTriggerCount adds one to the rule's counter atomically.
	IncrementTriggerCount(ctx context.Context, id string) error
	List(ctx context.Context, filter Filter) ([]*Rule, error)
	// ListActive returns active rules in evaluation order.
	ListActive(ctx context.Context) ([]*Rule, error)
	Count(ctx context.Context) (int, error)
}

// MemoryStore is an in-memory rule store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewMemoryStore creates a new in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*Rule)}
}

func (m *MemoryStore) Create(_ context.Context, rule *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, rule *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rules[rule.ID]
	if !ok {
		return ErrNotFound
	}
	cp := rule.clone()
	cp.TriggerCount = existing.TriggerCount
	cp.CreatedAt = existing.CreatedAt
	m.rules[rule.ID] = cp
	return nil
}

func (m *MemoryStore) SetActive(_ context.Context, id string, active bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.IsActive = active
	r.UpdatedAt = now
	return nil
}

func (m *MemoryStore) IncrementTriggerCount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.TriggerCount++
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Rule
	for _, r := range m.rules {
		if filter.Type != "" && r.Type != filter.Type {
			continue
		}
		if filter.ActiveOnly && !r.IsActive {
			continue
		}
		result = append(result, r.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	SortForEvaluation(result)
	return result, nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Rule, error) {
	return m.List(ctx, Filter{ActiveOnly: true})
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules), nil
}
