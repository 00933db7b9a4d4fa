// Package geo resolves IP addresses to ISO country codes for location rules.
package geo

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Resolver maps an IP to an upper-case ISO 3166-1 alpha-2 code. An empty
// code with a nil error means the address is not in the database.
type Resolver interface {
	Country(ctx context.Context, ip string) (string, error)
}

// MaxMindResolver reads a GeoLite2/GeoIP2 Country or City database.
type MaxMindResolver struct {
	reader *geoip2.Reader
}

// OpenMaxMind opens the .mmdb database at path.
func OpenMaxMind(path string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

// Country looks up ip. The database is memory-mapped, so the lookup never
// blocks on I/O and ctx is not consulted.
func (r *MaxMindResolver) Country(_ context.Context, ip string) (string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", fmt.Errorf("geo: %q is not an IP address", ip)
	}
	record, err := r.reader.Country(parsed)
	if err != nil {
		return "", fmt.Errorf("geo lookup: %w", err)
	}
	return strings.ToUpper(record.Country.IsoCode), nil
}

// Close releases the database.
func (r *MaxMindResolver) Close() error {
	return r.reader.Close()
}

// StaticResolver answers from a fixed prefix table. Used in development and
// tests, and as a fallback when no database is configured.
type StaticResolver struct {
	prefixes []staticPrefix
}

type staticPrefix struct {
	prefix  netip.Prefix
	country string
}

// NewStaticResolver builds a resolver from CIDR or single-IP keys.
func NewStaticResolver(table map[string]string) (*StaticResolver, error) {
	s := &StaticResolver{}
	for k, cc := range table {
		p, err := netip.ParsePrefix(k)
		if err != nil {
			addr, aerr := netip.ParseAddr(k)
			if aerr != nil {
				return nil, fmt.Errorf("geo: bad prefix %q: %w", k, err)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		s.prefixes = append(s.prefixes, staticPrefix{prefix: p.Masked(), country: strings.ToUpper(cc)})
	}
	return s, nil
}

// Country returns the country of the longest matching prefix.
func (s *StaticResolver) Country(_ context.Context, ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("geo: %q is not an IP address", ip)
	}
	addr = addr.Unmap()
	best, bits := "", -1
	for _, p := range s.prefixes {
		if p.prefix.Contains(addr) && p.prefix.Bits() > bits {
			best, bits = p.country, p.prefix.Bits()
		}
	}
	return best, nil
}
