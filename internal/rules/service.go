package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/traces"
	"github.com/mbd888/fraudguard/internal/validation"
)

// CreateRequest describes a new rule.
type CreateRequest struct {
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	Type        Type            `json:"type" binding:"required"`
	Conditions  json.RawMessage `json:"conditions"`
	RiskScore   int             `json:"riskScore"`
	Action      Action          `json:"action" binding:"required"`
	Priority    int             `json:"priority"`
	IsActive    *bool           `json:"isActive,omitempty"`
}

// UpdateRequest changes some fields of a rule. Nil fields are left as is.
// Changing Type requires new Conditions.
type UpdateRequest struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Type        *Type           `json:"type,omitempty"`
	Conditions  json.RawMessage `json:"conditions,omitempty"`
	RiskScore   *int            `json:"riskScore,omitempty"`
	Action      *Action         `json:"action,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	IsActive    *bool           `json:"isActive,omitempty"`
}

// Service is the rule administration API. Writes go to the store; the
// local cache is invalidated so this replica picks them up immediately,
// others within one refresh interval.
type Service struct {
	store  Store
	cache  *Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a rule service. cache may be nil.
func NewService(store Store, cache *Cache, logger *slog.Logger) *Service {
	return &Service{store: store, cache: cache, logger: logger, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates and stores a new rule.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Rule, error) {
	ctx, span := traces.StartSpan(ctx, "rules.Create")
	defer span.End()

	cond, err := DecodeConditions(req.Type, req.Conditions)
	if err != nil {
		return nil, err
	}
	now := s.now()
	rule := &Rule{
		ID:          idgen.WithPrefix(idgen.PrefixRule),
		Name:        validation.SanitizeString(req.Name, 200),
		Description: validation.SanitizeString(req.Description, validation.MaxStringLength),
		Type:        req.Type,
		Conditions:  cond,
		RiskScore:   req.RiskScore,
		Action:      req.Action,
		IsActive:    req.IsActive == nil || *req.IsActive,
		Priority:    req.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, rule); err != nil {
		traces.Fail(span, err, "create failed")
		return nil, fmt.Errorf("create rule: %w", err)
	}

	ruleMutations.WithLabelValues("create").Inc()
	s.refreshCache(ctx)
	s.logger.Info("rule created", "id", rule.ID, "type", rule.Type, "action", rule.Action, "priority", rule.Priority)
	return rule, nil
}

// Update applies req to rule id.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Rule, error) {
	rule, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		rule.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.Description != nil {
		rule.Description = validation.SanitizeString(*req.Description, validation.MaxStringLength)
	}
	if req.Type != nil {
		rule.Type = *req.Type
	}
	if len(req.Conditions) > 0 {
		cond, err := DecodeConditions(rule.Type, req.Conditions)
		if err != nil {
			return nil, err
		}
		rule.Conditions = cond
	}
	if req.RiskScore != nil {
		rule.RiskScore = *req.RiskScore
	}
	if req.Action != nil {
		rule.Action = *req.Action
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	rule.UpdatedAt = s.now()

	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, rule); err != nil {
		return nil, err
	}

	ruleMutations.WithLabelValues("update").Inc()
	s.refreshCache(ctx)
	s.logger.Info("rule updated", "id", rule.ID, "active", rule.IsActive)
	return s.store.Get(ctx, id)
}

// Deactivate turns a rule off. Rules are never deleted.
func (s *Service) Deactivate(ctx context.Context, id string) (*Rule, error) {
	return s.setActive(ctx, id, false)
}

// Activate turns a rule back on.
func (s *Service) Activate(ctx context.Context, id string) (*Rule, error) {
	return s.setActive(ctx, id, true)
}

func (s *Service) setActive(ctx context.Context, id string, active bool) (*Rule, error) {
	if err := s.store.SetActive(ctx, id, active, s.now()); err != nil {
		return nil, err
	}
	op := "deactivate"
	if active {
		op = "activate"
	}
	ruleMutations.WithLabelValues(op).Inc()
	s.refreshCache(ctx)
	s.logger.Info("rule "+op+"d", "id", id)
	return s.store.Get(ctx, id)
}

// Get returns a rule by id.
func (s *Service) Get(ctx context.Context, id string) (*Rule, error) {
	return s.store.Get(ctx, id)
}

// List returns rules in evaluation order.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Rule, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRule, filter.Type)
	}
	return s.store.List(ctx, filter)
}

// Seed stores rs when the store is empty and reports how many were added.
func (s *Service) Seed(ctx context.Context, rs []*Rule) (int, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	now := s.now()
	for _, r := range rs {
		if err := r.Validate(); err != nil {
			return 0, fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
		r.CreatedAt, r.UpdatedAt = now, now
		if err := s.store.Create(ctx, r); err != nil {
			return 0, fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
	}
	s.refreshCache(ctx)
	s.logger.Info("seeded default rules", "count", len(rs))
	return len(rs), nil
}

// refreshCache makes a write visible to local evaluations at once. The
// writer pays for the reload; if it fails the snapshot is marked stale and
// evaluations pick the change up in the background.
func (s *Service) refreshCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Refresh(ctx); err != nil {
		s.logger.Warn("rule cache refresh after write failed", "error", err)
		s.cache.Invalidate()
	}
}
