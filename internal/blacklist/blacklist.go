// Package blacklist maintains denylisted identifiers (IPs, emails, card and
// address hashes, devices, phones, user ids, countries) with severity and
// optional expiry.
//
// Lookups are O(1) on (type, value) and increment the entry's hit count in
// the same atomic step. An entry whose expiry has passed never matches, even
// before the background sweep flips it inactive.
package blacklist

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("blacklist: entry not found")
	ErrInvalidType     = errors.New("blacklist: invalid entry type")
	ErrInvalidSeverity = errors.New("blacklist: invalid severity")
	ErrInvalidValue    = errors.New("blacklist: invalid value")
	ErrInvalidExpiry   = errors.New("blacklist: invalid expiry")
)

// Type is the kind of identifier an entry denies.
type Type string

const (
	TypeIP          Type = "ip"
	TypeEmail       Type = "email"
	TypeCardHash    Type = "card_hash"
	TypeDevice      Type = "device"
	TypePhone       Type = "phone"
	TypeAddressHash Type = "address_hash"
	TypeUserID      Type = "user_id"
	TypeCountry     Type = "country"
)

// Types lists every entry type.
var Types = []Type{TypeIP, TypeEmail, TypeCardHash, TypeDevice, TypePhone, TypeAddressHash, TypeUserID, TypeCountry}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Severity weights a match. It never decides whether an entry matches.
type Severity string

const (
	SeverityLow       Severity = "low"
	SeverityMedium    Severity = "medium"
	SeverityHigh      Severity = "high"
	SeverityPermanent Severity = "permanent"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Rank orders severities; 0 means unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityPermanent:
		return 4
	default:
		return 0
	}
}

// Points is the score contribution of a match at this severity.
func (s Severity) Points() int {
	switch s {
	case SeverityLow:
		return 20
	case SeverityMedium:
		return 40
	case SeverityHigh:
		return 70
	case SeverityPermanent:
		return 100
	default:
		return 0
	}
}

// Source records who created an entry.
type Source string

const (
	SourceManual Source = "manual"
	SourceAuto   Source = "auto"
)

// Entry is a denylisted identifier.
type Entry struct {
	ID        string     `json:"id"`
	Type      Type       `json:"type"`
	Value     string     `json:"value"`
	Reason    string     `json:"reason"`
	Severity  Severity   `json:"severity"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	IsActive  bool       `json:"isActive"`
	HitCount  int64      `json:"hitCount"`
	Source    Source     `json:"source"`
	CreatedBy string     `json:"createdBy,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Expired reports whether the entry's expiry is at or before now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// Live reports whether the entry can match at now.
func (e *Entry) Live(now time.Time) bool {
	return e.IsActive && !e.Expired(now)
}

// merge folds an incoming upsert into an existing entry. A live entry is
// never weakened: the higher severity and the later expiry (nil = never)
// win, and an automatic upsert leaves its reason, source and creator
// alone. A dead entry is replaced outright. Identity and hit count are
// kept.
func (e *Entry) merge(in *Entry, now time.Time) {
	live := e.Live(now)
	if live {
		if in.Severity.Rank() > e.Severity.Rank() {
			e.Severity = in.Severity
		}
		switch {
		case e.ExpiresAt == nil || in.ExpiresAt == nil:
			e.ExpiresAt = nil
		case in.ExpiresAt.After(*e.ExpiresAt):
			t := *in.ExpiresAt
			e.ExpiresAt = &t
		}
	} else {
		e.Severity = in.Severity
		e.ExpiresAt = copyTime(in.ExpiresAt)
	}
	if !live || in.Source != SourceAuto {
		e.Reason = in.Reason
		e.Source = in.Source
		e.CreatedBy = in.CreatedBy
	}
	e.IsActive = true
	e.UpdatedAt = now
}

// Filter narrows List results.
type Filter struct {
	Type       Type
	ActiveOnly bool
	Limit      int
}

// Store persists blacklist entries. Implementations must make Lookup's
// match-and-increment a single atomic step.
type Store interface {
	// Add inserts an entry or merges it into the existing (type, value) entry.
	Add(ctx context.Context, entry *Entry) (*Entry, error)
	Get(ctx context.Context, id string) (*Entry, error)
	// Lookup returns the live entry for (t, value) with its hit count
	// already incremented, or nil when nothing matches.
	Lookup(ctx context.Context, t Type, value string, now time.Time) (*Entry, error)
	Deactivate(ctx context.Context, id string, now time.Time) error
	List(ctx context.Context, filter Filter) ([]*Entry, error)
	// SweepExpired flips expired active entries inactive and returns how many changed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func indexKey(t Type, value string) string {
	return string(t) + "|" + value
}
