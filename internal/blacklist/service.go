package blacklist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/traces"
	"github.com/mbd888/fraudguard/internal/validation"
)

// AddRequest describes a new or escalated blacklist entry.
type AddRequest struct {
	Type      Type       `json:"type" binding:"required"`
	Value     string     `json:"value" binding:"required"`
	Reason    string     `json:"reason"`
	Severity  Severity   `json:"severity" binding:"required"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Source    Source     `json:"-"`
	CreatedBy string     `json:"-"`
}

// Service wraps a Store with validation, normalization and instrumentation.
type Service struct {
	store      Store
	normalizer *Normalizer
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new blacklist service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		normalizer: NewNormalizer(""),
		logger:     logger,
		now:        time.Now,
	}
}

// WithNormalizer sets the value normalizer.
func (s *Service) WithNormalizer(n *Normalizer) *Service {
	s.normalizer = n
	return s
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Add validates req and inserts or merges the entry.
func (s *Service) Add(ctx context.Context, req AddRequest) (*Entry, error) {
	ctx, span := traces.StartSpan(ctx, "blacklist.Add", traces.IdentifierType(string(req.Type)))
	defer span.End()

	now := s.now()
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
	}
	if !req.Severity.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, req.Severity)
	}
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return nil, fmt.Errorf("%w: expiresAt must be in the future", ErrInvalidExpiry)
		}
		if req.Severity == SeverityPermanent {
			return nil, fmt.Errorf("%w: permanent entries cannot expire", ErrInvalidExpiry)
		}
	}
	value, err := s.normalizer.Normalize(req.Type, req.Value)
	if err != nil {
		return nil, err
	}
	if req.Source == "" {
		req.Source = SourceManual
	}

	entry, err := s.store.Add(ctx, &Entry{
		ID:        idgen.WithPrefix(idgen.PrefixBlacklist),
		Type:      req.Type,
		Value:     value,
		Reason:    validation.SanitizeString(req.Reason, validation.MaxStringLength),
		Severity:  req.Severity,
		ExpiresAt: req.ExpiresAt,
		IsActive:  true,
		Source:    req.Source,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		traces.Fail(span, err, "add failed")
		return nil, fmt.Errorf("blacklist add: %w", err)
	}

	blEntriesAdded.WithLabelValues(string(req.Source)).Inc()
	s.logger.Info("blacklist entry added",
		"id", entry.ID, "type", entry.Type, "severity", entry.Severity,
		"source", entry.Source, "expires_at", entry.ExpiresAt)
	return entry, nil
}

// Remove deactivates an entry. Entries are never physically deleted.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.Deactivate(ctx, id, s.now()); err != nil {
		return err
	}
	blEntriesRemoved.Inc()
	s.logger.Info("blacklist entry removed", "id", id)
	return nil
}

// Get returns an entry by id.
func (s *Service) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}

// List returns entries matching filter, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, filter.Type)
	}
	return s.store.List(ctx, filter)
}

// Lookup normalizes value and returns the live entry for it, incrementing
// its hit count. Empty or unparseable values never match.
func (s *Service) Lookup(ctx context.Context, t Type, value string) (*Entry, error) {
	if value == "" {
		return nil, nil
	}
	normalized, err := s.normalizer.Normalize(t, value)
	if err != nil {
		blLookups.WithLabelValues(string(t), "miss").Inc()
		return nil, nil
	}

	ctx, span := traces.StartSpan(ctx, "blacklist.Lookup", traces.IdentifierType(string(t)))
	defer span.End()

	entry, err := s.store.Lookup(ctx, t, normalized, s.now())
	if err != nil {
		blLookups.WithLabelValues(string(t), "error").Inc()
		traces.Fail(span, err, "lookup failed")
		return nil, fmt.Errorf("blacklist lookup: %w", err)
	}
	if entry == nil {
		blLookups.WithLabelValues(string(t), "miss").Inc()
		return nil, nil
	}
	blLookups.WithLabelValues(string(t), "hit").Inc()
	return entry, nil
}

// Sweep flips expired entries inactive.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.SweepExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		blEntriesSwept.Add(float64(n))
		s.logger.Info("expired blacklist entries swept", "count", n)
	}
	return n, nil
}
