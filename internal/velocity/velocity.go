// Package velocity counts actions per identifier in fixed time windows.
//
// A window is [Start, Start+Size). The first increment for a subject opens a
// window at "now" with count 1; later increments inside the window add one;
// the first increment at or after End replaces the window with a fresh one
// at count 1. The check and the replacement are a single atomic step in
// every backend, so two concurrent requests can never both open a window.
//
// Fixed windows cost O(1) memory and O(1) work per increment. The price is
// the boundary burst: a caller can land up to limit events at the end of one
// window and limit more at the start of the next, i.e. 2x limit inside one
// Size-long interval straddling the boundary. That trade-off is accepted.
package velocity

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

var ErrInvalidSubject = errors.New("velocity: invalid subject")

// DefaultAction is used when a subject names no action.
const DefaultAction = "checkout"

// Subject identifies one counter. Size is part of the identity so two rules
// with different windows over the same action keep separate counts.
type Subject struct {
	Identifier     string
	IdentifierType string
	Action         string
	Size           time.Duration
}

func (s Subject) validate() error {
	switch {
	case s.Identifier == "":
		return errors.Join(ErrInvalidSubject, errors.New("identifier is required"))
	case s.IdentifierType == "":
		return errors.Join(ErrInvalidSubject, errors.New("identifier type is required"))
	case s.Size <= 0:
		return errors.Join(ErrInvalidSubject, errors.New("window size must be positive"))
	}
	return nil
}

func (s Subject) withDefaults() Subject {
	if s.Action == "" {
		s.Action = DefaultAction
	}
	return s
}

func (s Subject) key() string {
	return s.IdentifierType + "\x1f" + s.Identifier + "\x1f" + s.Action + "\x1f" + strconv.FormatInt(s.Size.Milliseconds(), 10)
}

// Window is one fixed counting bucket.
type Window struct {
	Identifier     string        `json:"identifier"`
	IdentifierType string        `json:"identifierType"`
	Action         string        `json:"action"`
	Size           time.Duration `json:"-"`
	Count          int64         `json:"count"`
	Start          time.Time     `json:"windowStart"`
	End            time.Time     `json:"windowEnd"`
}

// MarshalJSON renders Size in seconds.
func (w Window) MarshalJSON() ([]byte, error) {
	type alias Window
	return json.Marshal(struct {
		alias
		SizeSeconds float64 `json:"windowSeconds"`
	}{alias(w), w.Size.Seconds()})
}

// Live reports whether now falls inside the window.
func (w Window) Live(now time.Time) bool {
	return !now.Before(w.Start) && now.Before(w.End)
}

// Result is the outcome of CheckAndIncrement.
type Result struct {
	Count    int64
	Exceeded bool
	Window   Window
}

// Tracker is a fixed-window counter backend.
type Tracker interface {
	// CheckAndIncrement atomically counts one event for s and reports
	// whether the new count is above limit.
	CheckAndIncrement(ctx context.Context, s Subject, limit int64) (Result, error)
	// Stats returns the live windows for an identifier, across actions and sizes.
	Stats(ctx context.Context, identifier, identifierType string) ([]Window, error)
	// Purge removes windows that ended before before. Live windows are never touched.
	Purge(ctx context.Context, before time.Time) (int, error)
}

func newResult(s Subject, count int64, start time.Time, limit int64) Result {
	return Result{
		Count:    count,
		Exceeded: count > limit,
		Window: Window{
			Identifier:     s.Identifier,
			IdentifierType: s.IdentifierType,
			Action:         s.Action,
			Size:           s.Size,
			Count:          count,
			Start:          start,
			End:            start.Add(s.Size),
		},
	}
}
