package fraud

import (
	"fmt"

	"github.com/mbd888/fraudguard/internal/rules"
)

// Score range.
const (
	MinScore = 0
	MaxScore = 100
)

// Thresholds are the lower bounds of the medium, high and critical levels.
type Thresholds struct {
	Medium   int
	High     int
	Critical int
}

// DefaultThresholds: 0-24 low, 25-49 medium, 50-74 high, 75-100 critical.
func DefaultThresholds() Thresholds {
	return Thresholds{Medium: 25, High: 50, Critical: 75}
}

// Validate checks the bounds are strictly increasing inside the score range.
func (t Thresholds) Validate() error {
	if !(MinScore < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= MaxScore) {
		return fmt.Errorf("fraud: thresholds must satisfy 0 < medium < high < critical <= 100, got %d/%d/%d",
			t.Medium, t.High, t.Critical)
	}
	return nil
}

// Level maps a clamped total score to its risk level.
func (t Thresholds) Level(score int) RiskLevel {
	switch {
	case score >= t.Critical:
		return RiskCritical
	case score >= t.High:
		return RiskHigh
	case score >= t.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ClampScore bounds a raw sum to [MinScore, MaxScore].
func ClampScore(sum int) int {
	if sum < MinScore {
		return MinScore
	}
	if sum > MaxScore {
		return MaxScore
	}
	return sum
}

// StatusPolicy decides the initial status of a fresh verdict.
type StatusPolicy struct {
	AutoApproveClean  bool // action none -> approved instead of pending
	AutoRejectBlocked bool // action block -> rejected instead of pending
}

// DefaultStatusPolicy approves clean verdicts and holds blocks for review.
func DefaultStatusPolicy() StatusPolicy {
	return StatusPolicy{AutoApproveClean: true}
}

// InitialStatus applies the policy. Degraded verdicts always go to review.
func (p StatusPolicy) InitialStatus(action rules.Action, degraded bool) Status {
	if degraded {
		return StatusUnderReview
	}
	switch action {
	case rules.ActionNone:
		if p.AutoApproveClean {
			return StatusApproved
		}
	case rules.ActionBlock:
		if p.AutoRejectBlocked {
			return StatusRejected
		}
	}
	return StatusPending
}

// verdict folds rule contributions into the final score fields.
type verdict struct {
	sum      int
	action   rules.Action
	degraded bool
}

func (v *verdict) add(points int, action rules.Action) {
	v.sum += points
	v.action = rules.MaxAction(v.action, action)
}

func (v *verdict) apply(s *Score, th Thresholds, policy StatusPolicy) {
	action := rules.MaxAction(rules.ActionNone, v.action)
	if v.degraded {
		action = rules.MaxAction(action, rules.ActionReview)
	}
	s.TotalScore = ClampScore(v.sum)
	s.RiskLevel = th.Level(s.TotalScore)
	s.Action = action
	s.Degraded = v.degraded
	s.Status = policy.InitialStatus(action, v.degraded)
}
