// Package rules holds the fraud detection rule set: typed conditions, the
// backing store, and the read-mostly cache the evaluator reads from.
//
// Rules are never deleted, only deactivated. TriggerCount is owned by the
// store and changes only through Store.IncrementTriggerCount.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrNotFound          = errors.New("rules: rule not found")
	ErrInvalidRule       = errors.New("rules: invalid rule")
	ErrInvalidConditions = errors.New("rules: invalid conditions")
)

// Type selects a rule's predicate.
type Type string

const (
	TypeVelocityCheck     Type = "velocity_check"
	TypeAmountThreshold   Type = "amount_threshold"
	TypeLocationMismatch  Type = "location_mismatch"
	TypeDeviceFingerprint Type = "device_fingerprint"
	TypeBehavioralPattern Type = "behavioral_pattern"
	TypeBlacklistMatch    Type = "blacklist_match"
	TypeHighRiskCountry   Type = "high_risk_country"
	TypeSuspiciousEmail   Type = "suspicious_email"
	TypeMultipleCards     Type = "multiple_cards"
	TypeUnusualTime       Type = "unusual_time"
)

// Types lists every rule type.
var Types = []Type{
	TypeVelocityCheck, TypeAmountThreshold, TypeLocationMismatch, TypeDeviceFingerprint,
	TypeBehavioralPattern, TypeBlacklistMatch, TypeHighRiskCountry, TypeSuspiciousEmail,
	TypeMultipleCards, TypeUnusualTime,
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Action is what a triggered rule asks for. ActionNone is only ever an
// overall verdict, never a rule's declared action.
type Action string

const (
	ActionNone   Action = "none"
	ActionFlag   Action = "flag"
	ActionReview Action = "review"
	ActionBlock  Action = "block"
)

// Rank orders actions by severity: block > review > flag > none.
func (a Action) Rank() int {
	switch a {
	case ActionFlag:
		return 1
	case ActionReview:
		return 2
	case ActionBlock:
		return 3
	default:
		return 0
	}
}

// Valid reports whether a is usable as a rule action.
func (a Action) Valid() bool {
	return a.Rank() > 0
}

// MaxAction returns the more severe of a and b.
func MaxAction(a, b Action) Action {
	if b.Rank() > a.Rank() {
		return b
	}
	if a == "" {
		return ActionNone
	}
	return a
}

// Rule is a configured predicate with a score contribution and an action.
type Rule struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Type         Type      `json:"type"`
	Conditions   Condition `json:"conditions"`
	RiskScore    int       `json:"riskScore"`
	Action       Action    `json:"action"`
	IsActive     bool      `json:"isActive"`
	Priority     int       `json:"priority"`
	TriggerCount int64     `json:"triggerCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Validate checks the rule's scalar fields and that Conditions matches Type.
func (r *Rule) Validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	case !r.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, r.Type)
	case r.RiskScore < 0 || r.RiskScore > 100:
		return fmt.Errorf("%w: riskScore must be between 0 and 100", ErrInvalidRule)
	case !r.Action.Valid():
		return fmt.Errorf("%w: action must be flag, review or block", ErrInvalidRule)
	case r.Conditions == nil:
		return fmt.Errorf("%w: conditions are required", ErrInvalidConditions)
	case r.Conditions.RuleType() != r.Type:
		return fmt.Errorf("%w: %s conditions on a %s rule", ErrInvalidConditions, r.Conditions.RuleType(), r.Type)
	}
	return r.Conditions.Validate()
}

// clone copies r. Conditions are immutable values and are shared.
func (r *Rule) clone() *Rule {
	cp := *r
	return &cp
}

type ruleJSON struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Type         Type            `json:"type"`
	Conditions   json.RawMessage `json:"conditions"`
	RiskScore    int             `json:"riskScore"`
	Action       Action          `json:"action"`
	IsActive     bool            `json:"isActive"`
	Priority     int             `json:"priority"`
	TriggerCount int64           `json:"triggerCount"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// UnmarshalJSON decodes Conditions according to Type.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var aux ruleJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	cond, err := DecodeConditions(aux.Type, aux.Conditions)
	if err != nil {
		return err
	}
	*r = Rule{
		ID: aux.ID, Name: aux.Name, Description: aux.Description, Type: aux.Type,
		Conditions: cond, RiskScore: aux.RiskScore, Action: aux.Action, IsActive: aux.IsActive,
		Priority: aux.Priority, TriggerCount: aux.TriggerCount,
		CreatedAt: aux.CreatedAt, UpdatedAt: aux.UpdatedAt,
	}
	return nil
}

// Filter narrows List results.
type Filter struct {
	Type       Type
	ActiveOnly bool
}

// SortForEvaluation orders rules by priority descending, then id ascending.
func SortForEvaluation(rs []*Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}
