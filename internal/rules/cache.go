package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// reloadTimeout bounds one load of the active rule set.
const reloadTimeout = 2 * time.Second

// Cache is the evaluator's read-only view of the active rule set. Once a
// snapshot is loaded, Active never waits on the store: a snapshot older
// than ttl is still served while one shared background reload replaces
// it. A failed reload keeps serving the previous snapshot. Returned rules
// are shared and must not be modified.
type Cache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	snapshot []*Rule
	loadedAt time.Time
	loaded   bool

	group singleflight.Group
}

// NewCache creates a rule cache over store.
func NewCache(store Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Active returns active rules in evaluation order. Only the very first
// load blocks, and then no longer than ctx allows.
func (c *Cache) Active(ctx context.Context) ([]*Rule, error) {
	c.mu.RLock()
	snap, loadedAt, loaded := c.snapshot, c.loadedAt, c.loaded
	c.mu.RUnlock()

	if loaded {
		if c.now().Sub(loadedAt) >= c.ttl {
			c.refreshInBackground(loadedAt)
		}
		return snap, nil
	}

	ch := c.group.DoChan("active", func() (interface{}, error) {
		return c.reload(context.Background())
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]*Rule), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("load active rules: %w", ctx.Err())
	}
}

// refreshInBackground starts a reload unless one is already running. The
// result channel is buffered by singleflight, so nobody has to read it.
func (c *Cache) refreshInBackground(staleAt time.Time) {
	c.group.DoChan("active", func() (interface{}, error) {
		// Another caller may have reloaded since the snapshot was read.
		c.mu.RLock()
		if c.loaded && c.now().Sub(c.loadedAt) < c.ttl {
			fresh := c.snapshot
			c.mu.RUnlock()
			return fresh, nil
		}
		c.mu.RUnlock()

		rs, err := c.reload(context.Background())
		if err != nil {
			c.logger.Warn("rule cache refresh failed, serving stale rules",
				"error", err, "age", c.now().Sub(staleAt).String())
		}
		return rs, err
	})
}

// Refresh reloads the snapshot now. It does not join a background reload,
// which may have read the store before the caller's last write.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return c.reload(ctx)
	})
	return err
}

// Invalidate marks the snapshot stale so the next Active call starts a
// background reload. The old snapshot is served until that succeeds.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// LoadedAt returns when the current snapshot was loaded.
func (c *Cache) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// Fresh reports whether the snapshot is younger than maxAge.
func (c *Cache) Fresh(maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.loadedAt.IsZero() && c.now().Sub(c.loadedAt) <= maxAge
}

func (c *Cache) reload(ctx context.Context) ([]*Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	started := c.now()
	rs, err := c.store.ListActive(ctx)
	if err != nil {
		cacheRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	SortForEvaluation(rs)

	c.mu.Lock()
	// A load that started later has already landed.
	if c.loaded && c.loadedAt.After(started) {
		newer := c.snapshot
		c.mu.Unlock()
		return newer, nil
	}
	c.snapshot = rs
	c.loadedAt = c.now()
	c.loaded = true
	c.mu.Unlock()

	cacheRefreshes.WithLabelValues("ok").Inc()
	activeRules.Set(float64(len(rs)))
	return rs, nil
}

// Timer refreshes the cache in the background so the hot path rarely
// pays for a reload.
type Timer struct {
	cache    *Cache
	interval time.Duration
	logger   *slog.Logger
	running  atomic.Bool
}

// NewTimer creates a refresh timer.
func NewTimer(cache *Cache, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = cache.ttl
	}
	return &Timer{cache: cache, interval: interval, logger: logger}
}

// Running reports whether the refresh loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the refresh loop until ctx is done. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.safeRefresh(ctx)
		}
	}
}

func (t *Timer) safeRefresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in rule cache refresh", "panic", fmt.Sprint(r))
		}
	}()
	if err := t.cache.Refresh(ctx); err != nil {
		t.logger.Warn("rule cache refresh failed", "error", err)
	}
}
