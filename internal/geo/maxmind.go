package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindResolver resolves IPs against a GeoLite2/GeoIP2 Country or City database.
type MaxMindResolver struct {
	db *geoip2.Reader
}

// OpenMaxMind opens the database at path.
func OpenMaxMind(path string) (*MaxMindResolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
	}
	return &MaxMindResolver{db: db}, nil
}

// CountryForIP implements Resolver.
func (r *MaxMindResolver) CountryForIP(ip string) (string, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", false
	}
	rec, err := r.db.Country(parsed)
	if err != nil || rec.Country.IsoCode == "" {
		return "", false
	}
	return rec.Country.IsoCode, true
}

// Close releases the database.
func (r *MaxMindResolver) Close() error {
	return r.db.Close()
}
