package fraud

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/fraudguard/internal/pagination"
)

// ListFilter selects scores for the review queue. Results are newest first.
type ListFilter struct {
	Status  Status
	OrderID string
	Limit   int
	Cursor  *pagination.Cursor
}

// Store persists scores.
type Store interface {
	Create(ctx context.Context, s *Score) error
	Get(ctx context.Context, id string) (*Score, error)
	List(ctx context.Context, filter ListFilter) ([]*Score, error)
	// Resolve applies upd only if the stored status still equals expected.
	// A lost race returns errStatusChanged.
	Resolve(ctx context.Context, id string, expected Status, upd ReviewUpdate) (*Score, error)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	scores map[string]*Score
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[string]*Score)}
}

func (m *MemoryStore) Create(_ context.Context, s *Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scores[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Score, error) {
	m.mu.RLock()
	var result []*Score
	for _, s := range m.scores {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.OrderID != "" && s.OrderID != filter.OrderID {
			continue
		}
		if !filter.Cursor.Before(s.CreatedAt, s.ID) {
			continue
		}
		result = append(result, s.clone())
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

func (m *MemoryStore) Resolve(_ context.Context, id string, expected Status, upd ReviewUpdate) (*Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != expected {
		return nil, errStatusChanged
	}
	reviewedAt := upd.ReviewedAt
	s.Status = upd.Status
	s.FalsePositive = upd.FalsePositive
	s.ReviewedBy = upd.ReviewedBy
	s.ReviewedAt = &reviewedAt
	s.ReviewNotes = upd.Notes
	s.UpdatedAt = upd.ReviewedAt
	return s.clone(), nil
}
