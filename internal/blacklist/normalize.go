package blacklist

import (
	"fmt"
	"net"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Normalizer canonicalizes identifier values so that the same identifier
// always hits the same (type, value) key. Hashed types are opaque and only
// trimmed; callers must hash them before they reach this service.
type Normalizer struct {
	region string
}

// NewNormalizer creates a Normalizer. defaultRegion is the ISO country used
// to parse phone numbers written without a country prefix.
func NewNormalizer(defaultRegion string) *Normalizer {
	if defaultRegion == "" {
		defaultRegion = "US"
	}
	return &Normalizer{region: strings.ToUpper(defaultRegion)}
}

// Normalize returns the canonical form of value for type t.
func (n *Normalizer) Normalize(t Type, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidValue)
	}

	switch t {
	case TypeIP:
		ip := net.ParseIP(v)
		if ip == nil {
			return "", fmt.Errorf("%w: %q is not an IP address", ErrInvalidValue, v)
		}
		return ip.String(), nil
	case TypeEmail:
		return strings.ToLower(v), nil
	case TypePhone:
		return n.phone(v), nil
	case TypeCountry:
		if len(v) != 2 {
			return "", fmt.Errorf("%w: country must be a two-letter code", ErrInvalidValue)
		}
		return strings.ToUpper(v), nil
	case TypeCardHash, TypeAddressHash:
		return strings.ToLower(v), nil
	default:
		return v, nil
	}
}

// phone formats dialable numbers as E.164. Anything else (typically a
// pre-hashed value) passes through unchanged.
func (n *Normalizer) phone(v string) string {
	if !looksDialable(v) {
		return v
	}
	num, err := phonenumbers.Parse(v, n.region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return v
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

func looksDialable(v string) bool {
	digits := 0
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 7
}
