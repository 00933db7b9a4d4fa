package fraud

import (
	"fmt"
	"time"

	"github.com/mbd888/fraudguard/internal/validation"
)

// Decision is a reviewer's action on a score.
type Decision string

const (
	DecisionApproved         Decision = "approved"
	DecisionRejected         Decision = "rejected"
	DecisionUnderReview      Decision = "under_review"
	DecisionFalsePositive    Decision = "false_positive"
	DecisionNotFalsePositive Decision = "not_false_positive"
)

// Decisions lists every accepted decision.
var Decisions = []Decision{DecisionApproved, DecisionRejected, DecisionUnderReview, DecisionFalsePositive, DecisionNotFalsePositive}

// Resolution is a reviewer's request.
type Resolution struct {
	Decision   Decision `json:"decision" binding:"required"`
	ReviewerID string   `json:"reviewerId"`
	Notes      string   `json:"notes"`
}

// ReviewUpdate is what a store writes when a resolution is accepted.
type ReviewUpdate struct {
	Status        Status
	FalsePositive bool
	ReviewedBy    string
	ReviewedAt    time.Time
	Notes         string
}

// transitions lists the allowed status moves. Approved and rejected are
// terminal.
var transitions = map[Status][]Status{
	StatusPending:     {StatusApproved, StatusRejected, StatusUnderReview},
	StatusUnderReview: {StatusApproved, StatusRejected},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// plan validates d against the current score and returns the resulting
// status and false-positive flag.
func plan(s *Score, d Decision) (Status, bool, error) {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionUnderReview:
		to := Status(d)
		if !CanTransition(s.Status, to) {
			return "", false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
		}
		return to, s.FalsePositive, nil
	case DecisionFalsePositive, DecisionNotFalsePositive:
		if !s.Status.Final() {
			return "", false, fmt.Errorf("%w: %s requires an approved or rejected score, status is %s",
				ErrInvalidTransition, d, s.Status)
		}
		return s.Status, d == DecisionFalsePositive, nil
	}
	return "", false, &ValidationError{Fields: validation.ValidationErrors{{Field: "decision", Message: "unknown decision " + string(d)}}}
}
