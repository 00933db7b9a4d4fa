// Package attempts keeps an append-only log of suspicious activity and
// escalates repeat offenders to the blacklist.
package attempts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/fraudguard/internal/pagination"
	"github.com/mbd888/fraudguard/internal/validation"
)

var (
	ErrInvalidAttempt = errors.New("attempts: invalid attempt")
	ErrNotFound       = errors.New("attempts: attempt not found")
)

// Type classifies an attempt. The set is open; these are the ones the
// service itself records or that callers commonly report.
type Type string

const (
	TypeCardTesting        Type = "card_testing"
	TypeAccountTakeover    Type = "account_takeover"
	TypeCredentialStuffing Type = "credential_stuffing"
	TypePaymentFailure     Type = "payment_failure"
	TypeBlockedTransaction Type = "blocked_transaction"
	TypeFlaggedTransaction Type = "flagged_transaction"
)

// Attempt is one logged event. Attempts are write-once.
type Attempt struct {
	ID                string            `json:"id"`
	Type              Type              `json:"type"`
	UserID            string            `json:"userId,omitempty"`
	IP                string            `json:"ip,omitempty"`
	UserAgent         string            `json:"userAgent,omitempty"`
	DeviceFingerprint string            `json:"deviceFingerprint,omitempty"`
	Email             string            `json:"email,omitempty"`
	OrderID           string            `json:"orderId,omitempty"`
	Severity          int               `json:"severity"`
	Blocked           bool              `json:"blocked"`
	BlockReason       string            `json:"blockReason,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// Validate checks the caller-supplied fields.
func (a *Attempt) Validate() error {
	errs := validation.Validate(
		validation.Required("type", string(a.Type)),
		validation.MaxLength("type", string(a.Type), 64),
		validation.IntRange("severity", a.Severity, 1, 10),
		validation.ValidIP("ip", a.IP),
		validation.MaxLength("deviceFingerprint", a.DeviceFingerprint, validation.MaxIdentifierLength),
		validation.MaxLength("blockReason", a.BlockReason, validation.MaxStringLength),
	)
	if a.UserID == "" && a.IP == "" && a.DeviceFingerprint == "" && a.Email == "" {
		errs = append(errs, validation.ValidationError{Field: "userId", Message: "one of userId, ip, deviceFingerprint or email is required"})
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidAttempt, errs.Error())
	}
	return nil
}

// Origin is the identifier escalation counts by: the device when known,
// otherwise the IP.
type Origin struct {
	Field string // "device" or "ip"
	Value string
}

// OriginOf returns a's escalation origin. ok is false when a has neither.
func OriginOf(a *Attempt) (o Origin, ok bool) {
	switch {
	case a.DeviceFingerprint != "":
		return Origin{Field: "device", Value: a.DeviceFingerprint}, true
	case a.IP != "":
		return Origin{Field: "ip", Value: a.IP}, true
	}
	return Origin{}, false
}

// Filter narrows List results. Results are newest first.
type Filter struct {
	Type              Type
	UserID            string
	IP                string
	DeviceFingerprint string
	Limit             int
	Cursor            *pagination.Cursor
}

// Store is append-only: there is no update or delete.
type Store interface {
	Append(ctx context.Context, a *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)
	// CountSince counts attempts of typ from origin created at or after since.
	CountSince(ctx context.Context, typ Type, origin Origin, since time.Time) (int, error)
	List(ctx context.Context, filter Filter) ([]*Attempt, error)
}

func cloneAttempt(a *Attempt) *Attempt {
	cp := *a
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
