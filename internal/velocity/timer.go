package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically purges windows older than the retention period.
type Timer struct {
	service   *Service
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	running   atomic.Bool
}

// NewTimer creates a purge timer.
func NewTimer(service *Service, interval, retention time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Timer{service: service, interval: interval, retention: retention, logger: logger}
}

// Running reports whether the purge loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the purge loop until ctx is done. Call in a goroutine.
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
			t.safePurge(ctx)
		}
	}
}

func (t *Timer) safePurge(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in velocity purge", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.service.PurgeOlderThan(ctx, t.retention); err != nil {
		t.logger.Warn("velocity purge failed", "error", err)
	}
}
