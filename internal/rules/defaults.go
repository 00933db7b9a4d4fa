package rules

import (
	"github.com/shopspring/decimal"
)

// DefaultRules returns a starter rule set for development. IDs are stable
// so reseeding is idempotent.
func DefaultRules() []*Rule {
	amount := func(s string) *decimal.Decimal {
		d := decimal.RequireFromString(s)
		return &d
	}
	return []*Rule{
		{
			ID: "rule_blacklist_identifiers", Name: "Blacklisted identifier", Type: TypeBlacklistMatch,
			Conditions: BlacklistMatch{}, Action: ActionBlock, Priority: 100, IsActive: true,
			Description: "Any transaction identifier is on the blacklist; points follow entry severity.",
		},
		{
			ID: "rule_velocity_device_checkout", Name: "Checkout burst per device", Type: TypeVelocityCheck,
			Conditions: VelocityCheck{IdentifierType: "device", Action: "checkout", WindowSeconds: 60, Limit: 5},
			RiskScore:  25, Action: ActionReview, Priority: 90, IsActive: true,
		},
		{
			ID: "rule_velocity_ip_checkout", Name: "Checkout burst per IP", Type: TypeVelocityCheck,
			Conditions: VelocityCheck{IdentifierType: "ip", Action: "checkout", WindowSeconds: 600, Limit: 20},
			RiskScore:  20, Action: ActionFlag, Priority: 85, IsActive: true,
		},
		{
			ID: "rule_multiple_cards", Name: "Many cards on one account", Type: TypeMultipleCards,
			Conditions: MultipleCards{MaxCards: 3}, RiskScore: 25, Action: ActionReview, Priority: 80, IsActive: true,
		},
		{
			ID: "rule_high_risk_country", Name: "High-risk country", Type: TypeHighRiskCountry,
			Conditions: HighRiskCountry{UseBlacklist: true}, RiskScore: 30, Action: ActionReview, Priority: 70, IsActive: true,
			Description: "A country on the transaction is blacklisted under the country type.",
		},
		{
			ID: "rule_amount_large", Name: "Large order", Type: TypeAmountThreshold,
			Conditions: AmountThreshold{Min: amount("10000")}, RiskScore: 30, Action: ActionReview, Priority: 60, IsActive: true,
		},
		{
			ID: "rule_amount_elevated", Name: "Elevated order amount", Type: TypeAmountThreshold,
			Conditions: AmountThreshold{Min: amount("2000"), Max: amount("9999.99")}, RiskScore: 10, Action: ActionFlag, Priority: 55, IsActive: true,
		},
		{
			ID: "rule_new_account_burst", Name: "New account ordering heavily", Type: TypeBehavioralPattern,
			Conditions: BehavioralPattern{MaxAccountAgeHours: 24, MinRecentOrders: 3}, RiskScore: 20, Action: ActionReview, Priority: 50, IsActive: true,
		},
		{
			ID: "rule_location_mismatch", Name: "Billing and shipping countries differ", Type: TypeLocationMismatch,
			Conditions: LocationMismatch{BillingVsShipping: true, IPVsBilling: true}, RiskScore: 10, Action: ActionFlag, Priority: 40, IsActive: true,
		},
		{
			ID: "rule_suspicious_email", Name: "Disposable or malformed email", Type: TypeSuspiciousEmail,
			Conditions: SuspiciousEmail{
				Domains:            []string{"mailinator.com", "guerrillamail.com", "10minutemail.com", "tempmail.com", "yopmail.com"},
				RequireValidFormat: true,
				MaxLocalDigits:     6,
			},
			RiskScore: 15, Action: ActionFlag, Priority: 30, IsActive: true,
		},
		{
			ID: "rule_new_device", Name: "Unrecognised device", Type: TypeDeviceFingerprint,
			Conditions: DeviceFingerprint{RequireFingerprint: true, FlagNewDevice: true}, RiskScore: 10, Action: ActionFlag, Priority: 20, IsActive: true,
		},
		{
			ID: "rule_unusual_hour", Name: "Order placed overnight", Type: TypeUnusualTime,
			Conditions: UnusualTime{StartHour: 1, EndHour: 5}, RiskScore: 5, Action: ActionFlag, Priority: 10, IsActive: true,
		},
	}
}
