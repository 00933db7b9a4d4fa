// Package fraud evaluates transactions against the active rule set and
// produces auditable risk verdicts, then carries those verdicts through
// manual review.
//
// Evaluation never fails because a backend is unhealthy: a dependency
// failure is resolved by the rule's fail policy, and anything unexpected
// yields a degraded verdict routed to review. The only error Evaluate
// returns is a *ValidationError for malformed input.
package fraud

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudguard/internal/rules"
	"github.com/mbd888/fraudguard/internal/validation"
)

var (
	ErrNotFound              = errors.New("fraud: score not found")
	ErrInvalidTransition     = errors.New("fraud: invalid status transition")
	ErrDependencyUnavailable = errors.New("fraud: dependency unavailable")

	// errStatusChanged is returned by stores when the compare-and-set on
	// the expected status loses.
	errStatusChanged = errors.New("fraud: status changed concurrently")
)

// ValidationError lists the offending fields of a TransactionContext.
type ValidationError struct {
	Fields validation.ValidationErrors
}

func (e *ValidationError) Error() string {
	return "fraud: validation failed: " + e.Fields.Error()
}

// RiskLevel is a coarse bucket over the total score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Status is where a score sits in the review workflow.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusUnderReview Status = "under_review"
)

// Final reports whether s can no longer change.
func (s Status) Final() bool {
	return s == StatusApproved || s == StatusRejected
}

// Outcome is what happened to one rule during an evaluation.
type Outcome string

const (
	OutcomeTriggered     Outcome = "triggered"
	OutcomeSkipped       Outcome = "skipped"       // dependency down, rule fails open
	OutcomeIndeterminate Outcome = "indeterminate" // dependency down or rule error, fails closed
)

// BreakdownEntry records one rule's contribution.
type BreakdownEntry struct {
	RuleID   string       `json:"ruleId"`
	RuleName string       `json:"ruleName"`
	RuleType rules.Type   `json:"ruleType"`
	Outcome  Outcome      `json:"outcome"`
	Points   int          `json:"points"`
	Action   rules.Action `json:"action"`
	Detail   string       `json:"detail,omitempty"`
}

// BlacklistHit is a matched blacklist entry as seen at evaluation time.
type BlacklistHit struct {
	Type     string `json:"type"`
	EntryID  string `json:"entryId"`
	Severity string `json:"severity"`
}

// Analysis is a snapshot of the facts an evaluation used.
type Analysis struct {
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency,omitempty"`
	IPCountry        string           `json:"ipCountry,omitempty"`
	IPCountrySource  string           `json:"ipCountrySource,omitempty"` // "request" or "geoip"
	BillingCountry   string           `json:"billingCountry,omitempty"`
	ShippingCountry  string           `json:"shippingCountry,omitempty"`
	KnownDevice      bool             `json:"knownDevice"`
	AccountAgeHours  *float64         `json:"accountAgeHours,omitempty"`
	RecentOrderCount int              `json:"recentOrderCount"`
	RecentCardCount  int              `json:"recentCardCount"`
	VelocityCounts   map[string]int64 `json:"velocityCounts,omitempty"`
	BlacklistHits    []BlacklistHit   `json:"blacklistHits,omitempty"`
	RulesEvaluated   int              `json:"rulesEvaluated"`
}

// Score is a persisted verdict.
type Score struct {
	ID              string           `json:"id"`
	OrderID         string           `json:"orderId"`
	UserID          string           `json:"userId,omitempty"`
	TotalScore      int              `json:"totalScore"`
	RiskLevel       RiskLevel        `json:"riskLevel"`
	Action          rules.Action     `json:"action"`
	TriggeredRules  []string         `json:"triggeredRules"`
	Breakdown       []BreakdownEntry `json:"breakdown"`
	Analysis        Analysis         `json:"analysis"`
	Status          Status           `json:"status"`
	FalsePositive   bool             `json:"falsePositive"`
	Degraded        bool             `json:"degraded"`
	DegradedReasons []string         `json:"degradedReasons,omitempty"`
	ReviewedBy      string           `json:"reviewedBy,omitempty"`
	ReviewedAt      *time.Time       `json:"reviewedAt,omitempty"`
	ReviewNotes     string           `json:"reviewNotes,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

func (s *Score) clone() *Score {
	cp := *s
	cp.TriggeredRules = append([]string(nil), s.TriggeredRules...)
	cp.Breakdown = append([]BreakdownEntry(nil), s.Breakdown...)
	cp.DegradedReasons = append([]string(nil), s.DegradedReasons...)
	cp.Analysis.BlacklistHits = append([]BlacklistHit(nil), s.Analysis.BlacklistHits...)
	if s.Analysis.VelocityCounts != nil {
		cp.Analysis.VelocityCounts = make(map[string]int64, len(s.Analysis.VelocityCounts))
		for k, v := range s.Analysis.VelocityCounts {
			cp.Analysis.VelocityCounts[k] = v
		}
	}
	if s.ReviewedAt != nil {
		t := *s.ReviewedAt
		cp.ReviewedAt = &t
	}
	return &cp
}

// TransactionContext is everything the caller knows about one transaction.
type TransactionContext struct {
	OrderID             string
	UserID              string
	Amount              decimal.Decimal
	Currency            string
	IP                  string
	IPCountry           string
	DeviceFingerprint   string
	KnownDevice         bool
	Email               string
	Phone               string
	BillingCountry      string
	ShippingCountry     string
	BillingAddressHash  string
	ShippingAddressHash string
	CardHash            string
	RecentOrderCount    int
	RecentCardCount     int
	AccountAge          *time.Duration // nil when unknown
	OccurredAt          time.Time
	UserAgent           string
	VelocityAction      string // defaults to "checkout"
}

// Validate checks field formats and returns a *ValidationError.
func (tx *TransactionContext) Validate() error {
	errs := validation.Validate(
		validation.Required("orderId", tx.OrderID),
		validation.MaxLength("orderId", tx.OrderID, validation.MaxIdentifierLength),
		validation.NonNegativeAmount("amount", tx.Amount),
		validation.ValidIP("ip", tx.IP),
		validation.ValidCountry("ipCountry", tx.IPCountry),
		validation.ValidCountry("billingCountry", tx.BillingCountry),
		validation.ValidCountry("shippingCountry", tx.ShippingCountry),
		validation.MaxLength("deviceFingerprint", tx.DeviceFingerprint, validation.MaxIdentifierLength),
		validation.MaxLength("email", tx.Email, validation.MaxIdentifierLength),
		validation.MaxLength("cardHash", tx.CardHash, validation.MaxIdentifierLength),
	)
	if tx.RecentOrderCount < 0 {
		errs = append(errs, validation.ValidationError{Field: "recentOrderCount", Message: "must not be negative"})
	}
	if tx.RecentCardCount < 0 {
		errs = append(errs, validation.ValidationError{Field: "recentCardCount", Message: "must not be negative"})
	}
	if tx.AccountAge != nil && *tx.AccountAge < 0 {
		errs = append(errs, validation.ValidationError{Field: "accountAge", Message: "must not be negative"})
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// normalized fills defaults and canonicalizes case so rules compare like
// with like.
func (tx TransactionContext) normalized(now time.Time) TransactionContext {
	if tx.OccurredAt.IsZero() {
		tx.OccurredAt = now
	}
	if tx.VelocityAction == "" {
		tx.VelocityAction = "checkout"
	}
	tx.Currency = strings.ToUpper(strings.TrimSpace(tx.Currency))
	tx.IPCountry = strings.ToUpper(strings.TrimSpace(tx.IPCountry))
	tx.BillingCountry = strings.ToUpper(strings.TrimSpace(tx.BillingCountry))
	tx.ShippingCountry = strings.ToUpper(strings.TrimSpace(tx.ShippingCountry))
	tx.Email = strings.TrimSpace(tx.Email)
	tx.IP = strings.TrimSpace(tx.IP)
	return tx
}
