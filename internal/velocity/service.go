package velocity

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/fraudguard/internal/traces"
)

// Service wraps a Tracker with tracing and metrics. It satisfies Tracker
// itself, so the evaluator can take either.
type Service struct {
	tracker Tracker
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a velocity service over tracker.
func NewService(tracker Tracker, logger *slog.Logger) *Service {
	return &Service{tracker: tracker, logger: logger, now: time.Now}
}

// WithClock replaces the time source used for purge cutoffs.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) CheckAndIncrement(ctx context.Context, subj Subject, limit int64) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "velocity.CheckAndIncrement", traces.IdentifierType(subj.IdentifierType))
	defer span.End()

	start := time.Now()
	res, err := s.tracker.CheckAndIncrement(ctx, subj, limit)
	velIncrementDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		velIncrements.WithLabelValues(subj.IdentifierType, "error").Inc()
		traces.Fail(span, err, "increment failed")
		return Result{}, err
	}
	if res.Exceeded {
		velIncrements.WithLabelValues(subj.IdentifierType, "exceeded").Inc()
	} else {
		velIncrements.WithLabelValues(subj.IdentifierType, "ok").Inc()
	}
	return res, nil
}

func (s *Service) Stats(ctx context.Context, identifier, identifierType string) ([]Window, error) {
	return s.tracker.Stats(ctx, identifier, identifierType)
}

func (s *Service) Purge(ctx context.Context, before time.Time) (int, error) {
	n, err := s.tracker.Purge(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		velPurged.Add(float64(n))
		s.logger.Info("velocity windows purged", "count", n, "before", before)
	}
	return n, nil
}

// PurgeOlderThan purges windows that ended more than retention ago.
func (s *Service) PurgeOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	return s.Purge(ctx, s.now().Add(-retention))
}
