// Package geoip annotates client addresses with location data from MaxMind
// databases.
package geoip

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Location is the subset of a lookup stored with a result.
type Location struct {
	Country string
	City    string
	ASN     uint
}

type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

type asnRecord struct {
	Number uint `maxminddb:"autonomous_system_number"`
}

// Resolver looks up locations. A nil Resolver returns empty locations.
type Resolver struct {
	city *maxminddb.Reader
	asn  *maxminddb.Reader
}

// Open loads the city and ASN databases. Either path may be empty; Open
// returns nil when both are.
func Open(cityPath, asnPath string) (*Resolver, error) {
	if cityPath == "" && asnPath == "" {
		return nil, nil
	}
	r := &Resolver{}
	if cityPath != "" {
		reader, err := maxminddb.Open(cityPath)
		if err != nil {
			return nil, fmt.Errorf("open geoip database: %w", err)
		}
		r.city = reader
	}
	if asnPath != "" {
		reader, err := maxminddb.Open(asnPath)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open asn database: %w", err)
		}
		r.asn = reader
	}
	return r, nil
}

// Lookup returns what the databases know about ip. Lookup errors yield
// empty fields.
func (r *Resolver) Lookup(ip net.IP) Location {
	var loc Location
	if r == nil || ip == nil {
		return loc
	}
	if r.city != nil {
		var rec cityRecord
		if err := r.city.Lookup(ip, &rec); err == nil {
			loc.Country = rec.Country.ISOCode
			loc.City = rec.City.Names["en"]
		}
	}
	if r.asn != nil {
		var rec asnRecord
		if err := r.asn.Lookup(ip, &rec); err == nil {
			loc.ASN = rec.Number
		}
	}
	return loc
}

// LookupHost parses host and looks it up.
func (r *Resolver) LookupHost(host string) Location {
	return r.Lookup(net.ParseIP(host))
}

func (r *Resolver) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.city != nil {
		errs = append(errs, r.city.Close())
	}
	if r.asn != nil {
		errs = append(errs, r.asn.Close())
	}
	return errors.Join(errs...)
}
