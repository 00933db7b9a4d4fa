package velocity

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// bucket is immutable once published; increments swap in a new one.
type bucket struct {
	start time.Time
	end   time.Time
	count int64
}

// tombstone marks a slot that Purge has retired. An incrementer that sees it
// drops the slot from the map and retries on a fresh one.
var tombstone = &bucket{}

type slot struct {
	subject Subject
	cur     atomic.Pointer[bucket]
}

// MemoryTracker is a lock-free in-process tracker. Counts are exact within
// one process only; use the Redis or Postgres tracker behind multiple replicas.
type MemoryTracker struct {
	slots sync.Map // Subject.key() -> *slot
	now   func() time.Time
}

// NewMemoryTracker creates an in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (m *MemoryTracker) WithClock(now func() time.Time) *MemoryTracker {
	m.now = now
	return m
}

func (m *MemoryTracker) CheckAndIncrement(_ context.Context, s Subject, limit int64) (Result, error) {
	s = s.withDefaults()
	if err := s.validate(); err != nil {
		return Result{}, err
	}
	key := s.key()

	for {
		v, _ := m.slots.LoadOrStore(key, &slot{subject: s})
		sl := v.(*slot)

		for {
			old := sl.cur.Load()
			if old == tombstone {
				break
			}
			now := m.now()
			var next *bucket
			if old == nil || !now.Before(old.end) {
				next = &bucket{start: now, end: now.Add(s.Size), count: 1}
			} else {
				next = &bucket{start: old.start, end: old.end, count: old.count + 1}
			}
			if sl.cur.CompareAndSwap(old, next) {
				return newResult(s, next.count, next.start, limit), nil
			}
		}
		m.slots.CompareAndDelete(key, sl)
	}
}

func (m *MemoryTracker) Stats(_ context.Context, identifier, identifierType string) ([]Window, error) {
	now := m.now()
	var out []Window
	m.slots.Range(func(_, v any) bool {
		sl := v.(*slot)
		if sl.subject.Identifier != identifier || sl.subject.IdentifierType != identifierType {
			return true
		}
		b := sl.cur.Load()
		if b == nil || b == tombstone || !now.Before(b.end) {
			return true
		}
		out = append(out, newResult(sl.subject, b.count, b.start, 0).Window)
		return true
	})
	sortWindows(out)
	return out, nil
}

func (m *MemoryTracker) Purge(_ context.Context, before time.Time) (int, error) {
	n := 0
	m.slots.Range(func(k, v any) bool {
		sl := v.(*slot)
		b := sl.cur.Load()
		if b == nil || b == tombstone || !b.end.Before(before) {
			return true
		}
		// A concurrent increment that already swapped b out wins; the
		// slot is live again and stays.
		if sl.cur.CompareAndSwap(b, tombstone) {
			m.slots.CompareAndDelete(k, sl)
			n++
		}
		return true
	})
	return n, nil
}

func sortWindows(ws []Window) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].Action != ws[j].Action {
			return ws[i].Action < ws[j].Action
		}
		return ws[i].Size < ws[j].Size
	})
}
