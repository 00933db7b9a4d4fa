package blacklist

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically flips expired entries inactive. Matching never depends
// on it: expired entries are already skipped at lookup time.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	running  atomic.Bool
}

// NewTimer creates a sweep timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{service: service, interval: interval, logger: logger}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is done. Call in a goroutine.
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
			t.safeSweep(ctx)
		}
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in blacklist sweep", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.service.Sweep(ctx); err != nil {
		t.logger.Warn("blacklist sweep failed", "error", err)
	}
}
