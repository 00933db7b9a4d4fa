package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mbd888/fraudguard/internal/attempts"
	"github.com/mbd888/fraudguard/internal/events"
	"github.com/mbd888/fraudguard/internal/rules"
	"github.com/mbd888/fraudguard/internal/traces"
	"github.com/mbd888/fraudguard/internal/validation"
)

// AttemptRecorder logs flagged and blocked verdicts.
type AttemptRecorder interface {
	Record(ctx context.Context, a *attempts.Attempt) (string, error)
}

// Service ties evaluation to persistence, events and the attempt log.
type Service struct {
	evaluator *Evaluator
	store     Store
	publisher events.Publisher
	attempts  AttemptRecorder
	logger    *slog.Logger
	now       func() time.Time

	queue   chan followUp
	workers int
	running atomic.Bool
	done    chan struct{}
}

// NewService creates a fraud service.
func NewService(evaluator *Evaluator, store Store, logger *slog.Logger) *Service {
	return &Service{
		evaluator: evaluator,
		store:     store,
		publisher: events.Discard{},
		logger:    logger,
		now:       time.Now,
		queue:     make(chan followUp, defaultFollowUpBuffer),
		workers:   defaultFollowUpWorkers,
		done:      make(chan struct{}),
	}
}

// WithPublisher sets where score events go.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithAttempts enables attempt logging for non-clean verdicts.
func (s *Service) WithAttempts(a AttemptRecorder) *Service {
	s.attempts = a
	return s
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Evaluate scores tx and returns the verdict. Storing, announcing and
// attempt logging happen after the return, on the follow-up workers;
// their failures are logged and counted.
func (s *Service) Evaluate(ctx context.Context, tx TransactionContext) (*Score, error) {
	score, err := s.evaluator.Evaluate(ctx, tx)
	if err != nil {
		return nil, err
	}

	s.logger.Info("transaction evaluated",
		"score_id", score.ID, "order_id", score.OrderID, "total_score", score.TotalScore,
		"risk_level", score.RiskLevel, "action", score.Action, "status", score.Status,
		"degraded", score.Degraded, "triggered", len(score.TriggeredRules))

	s.enqueue(ctx, score, tx)
	return score, nil
}

func (s *Service) recordAttempt(ctx context.Context, score *Score, tx TransactionContext) {
	typ := attempts.TypeFlaggedTransaction
	if score.Action == rules.ActionBlock {
		typ = attempts.TypeBlockedTransaction
	}
	a := &attempts.Attempt{
		Type:              typ,
		UserID:            tx.UserID,
		IP:                tx.IP,
		UserAgent:         tx.UserAgent,
		DeviceFingerprint: tx.DeviceFingerprint,
		Email:             tx.Email,
		OrderID:           tx.OrderID,
		Severity:          attemptSeverity(score.RiskLevel),
		Blocked:           score.Action == rules.ActionBlock,
		Metadata: map[string]string{
			"scoreId":        score.ID,
			"totalScore":     strconv.Itoa(score.TotalScore),
			"action":         string(score.Action),
			"triggeredRules": strings.Join(score.TriggeredRules, ","),
		},
	}
	if a.Blocked {
		a.BlockReason = validation.SanitizeString(strings.Join(score.TriggeredRules, ", "), validation.MaxStringLength)
	}
	if _, err := s.attempts.Record(ctx, a); err != nil {
		s.logger.Warn("failed to record attempt for verdict", "score_id", score.ID, "error", err)
	}
}

func attemptSeverity(level RiskLevel) int {
	switch level {
	case RiskCritical:
		return 9
	case RiskHigh:
		return 7
	case RiskMedium:
		return 5
	default:
		return 3
	}
}

// Resolve applies a reviewer decision. Concurrent reviewers race on a
// compare-and-set of the status; the loser gets ErrInvalidTransition.
func (s *Service) Resolve(ctx context.Context, id string, res Resolution) (*Score, error) {
	ctx, span := traces.StartSpan(ctx, "fraud.Resolve", traces.ScoreID(id))
	defer span.End()

	if errs := validation.Validate(
		validation.Required("reviewerId", res.ReviewerID),
		validation.MaxLength("notes", res.Notes, validation.MaxStringLength),
	); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	status, fp, err := plan(current, res.Decision)
	if err != nil {
		reviewsTotal.WithLabelValues(string(res.Decision), "invalid_transition").Inc()
		return nil, err
	}

	updated, err := s.store.Resolve(ctx, id, current.Status, ReviewUpdate{
		Status:        status,
		FalsePositive: fp,
		ReviewedBy:    res.ReviewerID,
		ReviewedAt:    s.now(),
		Notes:         validation.SanitizeString(res.Notes, validation.MaxStringLength),
	})
	if errors.Is(err, errStatusChanged) {
		reviewsTotal.WithLabelValues(string(res.Decision), "conflict").Inc()
		return nil, fmt.Errorf("%w: score %s was resolved concurrently", ErrInvalidTransition, id)
	}
	if err != nil {
		traces.Fail(span, err, "resolve failed")
		return nil, err
	}

	reviewsTotal.WithLabelValues(string(res.Decision), "ok").Inc()
	s.logger.Info("fraud score resolved",
		"score_id", id, "decision", res.Decision, "from", current.Status, "to", updated.Status,
		"false_positive", updated.FalsePositive, "reviewer", res.ReviewerID)
	s.publish(ctx, events.TypeScoreResolved, updated)
	return updated, nil
}

// Get returns one score.
func (s *Service) Get(ctx context.Context, id string) (*Score, error) {
	return s.store.Get(ctx, id)
}

// List returns scores newest first, typically the review queue.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Score, error) {
	if filter.Status != "" {
		switch filter.Status {
		case StatusPending, StatusApproved, StatusRejected, StatusUnderReview:
		default:
			return nil, &ValidationError{Fields: validation.ValidationErrors{{Field: "status", Message: "unknown status"}}}
		}
	}
	return s.store.List(ctx, filter)
}

func (s *Service) publish(ctx context.Context, typ events.Type, score *Score) {
	attrs := map[string]string{
		"scoreId":   score.ID,
		"riskLevel": string(score.RiskLevel),
		"action":    string(score.Action),
		"status":    string(score.Status),
		"degraded":  strconv.FormatBool(score.Degraded),
	}
	if err := s.publisher.Publish(ctx, events.New(typ, s.now(), attrs, score)); err != nil {
		s.logger.Warn("publish score event failed", "type", typ, "score_id", score.ID, "error", err)
	}
}
