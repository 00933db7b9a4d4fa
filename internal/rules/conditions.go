package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudguard/internal/blacklist"
)

// Condition is the closed set of per-type rule predicates. Each concrete
// type carries only the fields its rule type needs; the evaluator switches
// over them exhaustively.
type Condition interface {
	RuleType() Type
	Validate() error
	isCondition()
}

// VelocityCheck triggers when more than Limit events of Action occur for one
// identifier within WindowSeconds.
type VelocityCheck struct {
	IdentifierType string `json:"identifierType"` // ip, device, user_id, email, card_hash, phone
	Action         string `json:"action,omitempty"`
	WindowSeconds  int    `json:"windowSeconds"`
	Limit          int64  `json:"limit"`
}

// AmountThreshold triggers when the amount falls in [Min, Max]. Either bound
// may be omitted. Currency, when set, restricts the rule to that currency.
type AmountThreshold struct {
	Min      *decimal.Decimal `json:"min,omitempty"`
	Max      *decimal.Decimal `json:"max,omitempty"`
	Currency string           `json:"currency,omitempty"`
}

// LocationMismatch triggers when compared countries are both known and differ.
type LocationMismatch struct {
	BillingVsShipping bool `json:"billingVsShipping"`
	IPVsBilling       bool `json:"ipVsBilling"`
	IPVsShipping      bool `json:"ipVsShipping"`
}

// DeviceFingerprint triggers on a missing fingerprint or an unrecognised device.
type DeviceFingerprint struct {
	RequireFingerprint bool `json:"requireFingerprint"`
	FlagNewDevice      bool `json:"flagNewDevice"`
}

// BehavioralPattern triggers for young accounts with a burst of recent orders.
// MaxAccountAgeHours of 0 ignores account age.
type BehavioralPattern struct {
	MaxAccountAgeHours int `json:"maxAccountAgeHours"`
	MinRecentOrders    int `json:"minRecentOrders"`
}

// BlacklistMatch triggers when any checked identifier is blacklisted. The
// contribution is the severity points of the most severe match, not the
// rule's RiskScore. An empty Types checks every identifier type.
type BlacklistMatch struct {
	Types []blacklist.Type `json:"types,omitempty"`
}

// HighRiskCountry triggers when a checked country is listed, or blacklisted
// under the country type when UseBlacklist is set. Fields picks which
// countries to check: "ip", "billing", "shipping" (default all).
type HighRiskCountry struct {
	Countries    []string `json:"countries,omitempty"`
	UseBlacklist bool     `json:"useBlacklist"`
	Fields       []string `json:"fields,omitempty"`
}

// SuspiciousEmail triggers on a listed domain, a malformed address, or a
// local part with more than MaxLocalDigits digits.
type SuspiciousEmail struct {
	Domains            []string `json:"domains,omitempty"`
	RequireValidFormat bool     `json:"requireValidFormat"`
	MaxLocalDigits     int      `json:"maxLocalDigits,omitempty"`
}

// MultipleCards triggers when more than MaxCards distinct cards were used recently.
type MultipleCards struct {
	MaxCards int `json:"maxCards"`
}

// UnusualTime triggers when the transaction hour falls in [StartHour, EndHour)
// in Timezone. The range wraps past midnight when StartHour > EndHour.
type UnusualTime struct {
	StartHour int    `json:"startHour"`
	EndHour   int    `json:"endHour"`
	Timezone  string `json:"timezone,omitempty"`
}

func (VelocityCheck) RuleType() Type     { return TypeVelocityCheck }
func (AmountThreshold) RuleType() Type   { return TypeAmountThreshold }
func (LocationMismatch) RuleType() Type  { return TypeLocationMismatch }
func (DeviceFingerprint) RuleType() Type { return TypeDeviceFingerprint }
func (BehavioralPattern) RuleType() Type { return TypeBehavioralPattern }
func (BlacklistMatch) RuleType() Type    { return TypeBlacklistMatch }
func (HighRiskCountry) RuleType() Type   { return TypeHighRiskCountry }
func (SuspiciousEmail) RuleType() Type   { return TypeSuspiciousEmail }
func (MultipleCards) RuleType() Type     { return TypeMultipleCards }
func (UnusualTime) RuleType() Type       { return TypeUnusualTime }

func (VelocityCheck) isCondition()     {}
func (AmountThreshold) isCondition()   {}
func (LocationMismatch) isCondition()  {}
func (DeviceFingerprint) isCondition() {}
func (BehavioralPattern) isCondition() {}
func (BlacklistMatch) isCondition()    {}
func (HighRiskCountry) isCondition()   {}
func (SuspiciousEmail) isCondition()   {}
func (MultipleCards) isCondition()     {}
func (UnusualTime) isCondition()       {}

// VelocityIdentifierTypes are the identifiers a velocity rule may count.
var VelocityIdentifierTypes = []string{"ip", "device", "user_id", "email", "card_hash", "phone"}

// Window returns the window size as a duration.
func (c VelocityCheck) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c VelocityCheck) Validate() error {
	if !contains(VelocityIdentifierTypes, c.IdentifierType) {
		return invalid("identifierType must be one of %s", strings.Join(VelocityIdentifierTypes, ", "))
	}
	if c.WindowSeconds <= 0 {
		return invalid("windowSeconds must be positive")
	}
	if c.Limit < 0 {
		return invalid("limit must not be negative")
	}
	return nil
}

func (c AmountThreshold) Validate() error {
	if c.Min == nil && c.Max == nil {
		return invalid("min or max is required")
	}
	if c.Min != nil && c.Min.IsNegative() || c.Max != nil && c.Max.IsNegative() {
		return invalid("bounds must not be negative")
	}
	if c.Min != nil && c.Max != nil && c.Min.GreaterThan(*c.Max) {
		return invalid("min must not exceed max")
	}
	return nil
}

// Contains reports whether amount is within the bounds for currency.
func (c AmountThreshold) Contains(amount decimal.Decimal, currency string) bool {
	if c.Currency != "" && !strings.EqualFold(c.Currency, currency) {
		return false
	}
	if c.Min != nil && amount.LessThan(*c.Min) {
		return false
	}
	if c.Max != nil && amount.GreaterThan(*c.Max) {
		return false
	}
	return true
}

func (c LocationMismatch) Validate() error {
	if !c.BillingVsShipping && !c.IPVsBilling && !c.IPVsShipping {
		return invalid("at least one comparison must be enabled")
	}
	return nil
}

func (c DeviceFingerprint) Validate() error {
	if !c.RequireFingerprint && !c.FlagNewDevice {
		return invalid("requireFingerprint or flagNewDevice must be set")
	}
	return nil
}

func (c BehavioralPattern) Validate() error {
	if c.MaxAccountAgeHours < 0 {
		return invalid("maxAccountAgeHours must not be negative")
	}
	if c.MinRecentOrders <= 0 {
		return invalid("minRecentOrders must be positive")
	}
	return nil
}

func (c BlacklistMatch) Validate() error {
	for _, t := range c.Types {
		if !t.Valid() {
			return invalid("unknown blacklist type %q", t)
		}
	}
	return nil
}

// HighRiskFields are the country fields a high_risk_country rule may check.
var HighRiskFields = []string{"ip", "billing", "shipping"}

func (c HighRiskCountry) Validate() error {
	if len(c.Countries) == 0 && !c.UseBlacklist {
		return invalid("countries or useBlacklist is required")
	}
	for _, cc := range c.Countries {
		if len(cc) != 2 {
			return invalid("country %q is not a two-letter code", cc)
		}
	}
	for _, f := range c.Fields {
		if !contains(HighRiskFields, f) {
			return invalid("field %q must be one of %s", f, strings.Join(HighRiskFields, ", "))
		}
	}
	return nil
}

// CheckedFields returns Fields or every field when none are set.
func (c HighRiskCountry) CheckedFields() []string {
	if len(c.Fields) == 0 {
		return HighRiskFields
	}
	return c.Fields
}

// Listed reports whether country is in Countries, case-insensitively.
func (c HighRiskCountry) Listed(country string) bool {
	for _, cc := range c.Countries {
		if strings.EqualFold(cc, country) {
			return true
		}
	}
	return false
}

func (c SuspiciousEmail) Validate() error {
	if len(c.Domains) == 0 && !c.RequireValidFormat && c.MaxLocalDigits <= 0 {
		return invalid("domains, requireValidFormat or maxLocalDigits is required")
	}
	if c.MaxLocalDigits < 0 {
		return invalid("maxLocalDigits must not be negative")
	}
	return nil
}

func (c MultipleCards) Validate() error {
	if c.MaxCards <= 0 {
		return invalid("maxCards must be positive")
	}
	return nil
}

func (c UnusualTime) Validate() error {
	if c.StartHour < 0 || c.StartHour > 23 || c.EndHour < 0 || c.EndHour > 24 {
		return invalid("hours must be within 0-23 (end up to 24)")
	}
	if c.StartHour == c.EndHour {
		return invalid("startHour and endHour must differ")
	}
	if _, err := c.Location(); err != nil {
		return invalid("unknown timezone %q", c.Timezone)
	}
	return nil
}

// Location resolves Timezone, defaulting to UTC.
func (c UnusualTime) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Covers reports whether hour falls in the configured range.
func (c UnusualTime) Covers(hour int) bool {
	if c.StartHour < c.EndHour {
		return hour >= c.StartHour && hour < c.EndHour
	}
	return hour >= c.StartHour || hour < c.EndHour
}

// DecodeConditions parses raw into the concrete condition for t and
// validates it. Unknown fields are rejected.
func DecodeConditions(t Type, raw json.RawMessage) (Condition, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}

	var (
		cond Condition
		err  error
	)
	switch t {
	case TypeVelocityCheck:
		cond, err = decodeInto[VelocityCheck](raw)
	case TypeAmountThreshold:
		cond, err = decodeInto[AmountThreshold](raw)
	case TypeLocationMismatch:
		cond, err = decodeInto[LocationMismatch](raw)
	case TypeDeviceFingerprint:
		cond, err = decodeInto[DeviceFingerprint](raw)
	case TypeBehavioralPattern:
		cond, err = decodeInto[BehavioralPattern](raw)
	case TypeBlacklistMatch:
		cond, err = decodeInto[BlacklistMatch](raw)
	case TypeHighRiskCountry:
		cond, err = decodeInto[HighRiskCountry](raw)
	case TypeSuspiciousEmail:
		cond, err = decodeInto[SuspiciousEmail](raw)
	case TypeMultipleCards:
		cond, err = decodeInto[MultipleCards](raw)
	case TypeUnusualTime:
		cond, err = decodeInto[UnusualTime](raw)
	default:
		return nil, fmt.Errorf("%w: unknown rule type %q", ErrInvalidRule, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConditions, t, err)
	}
	if err := cond.Validate(); err != nil {
		return nil, err
	}
	return cond, nil
}

func decodeInto[T Condition](raw json.RawMessage) (Condition, error) {
	var c T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, err
	}
	return c, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConditions, fmt.Sprintf(format, args...))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
