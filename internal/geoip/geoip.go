// Package geoip attaches GeoLite2 City/ASN data to connection events.
package geoip

import (
	"errors"
	"io"
	"net"
	"os"

	"http-tarpit/internal/model"
	"http-tarpit/internal/netaddr"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"
)

type cityReader interface {
	City(ip net.IP) (*geoip2.City, error)
}

type asnReader interface {
	ASN(ip net.IP) (*geoip2.ASN, error)
}

// Enricher wraps the two read-only GeoLite2 databases. Either half may be
// missing; Lookup then fills in what it can. Safe for concurrent use
// (the underlying readers are mmap'd and read-only).
type Enricher struct {
	city    cityReader
	asn     asnReader
	closers []io.Closer
}

// Open loads the City and ASN databases. A missing file disables that half
// with a warning; a corrupt file is logged at error level and also
// disabled. Open never fails.
func Open(cityPath, asnPath string) *Enricher {
	e := &Enricher{}

	if r := openReader("city", cityPath); r != nil {
		e.city = r
		e.closers = append(e.closers, r)
	}
	if r := openReader("asn", asnPath); r != nil {
		e.asn = r
		e.closers = append(e.closers, r)
	}
	return e
}

func openReader(kind, path string) *geoip2.Reader {
	if path == "" {
		log.Warn().Str("db", kind).Msg("geoip: no database path configured, lookup disabled")
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("db", kind).Str("path", path).Msg("geoip: database not found, lookup disabled")
		return nil
	}
	r, err := geoip2.Open(path)
	if err != nil {
		log.Error().Err(err).Str("db", kind).Str("path", path).Msg("geoip: failed to load database")
		return nil
	}
	log.Info().Str("db", kind).Str("path", path).Msg("geoip: database loaded")
	return r
}

// Enabled reports whether at least one database is loaded.
func (e *Enricher) Enabled() bool {
	return e != nil && (e.city != nil || e.asn != nil)
}

// Lookup
//
// Returns nil for non-public addresses (without touching the databases),
// for unparseable input, and when neither database knows the address.
// Lookup errors are logged and treated as "no data".
func (e *Enricher) Lookup(ip string) *model.GeoRecord {
	if !e.Enabled() || !netaddr.IsPublic(ip) {
		return nil
	}
	addr, _ := netaddr.Parse(ip)
	nip := net.IP(addr.AsSlice())

	rec := &model.GeoRecord{}

	if e.city != nil {
		c, err := e.city.City(nip)
		switch {
		case err != nil:
			log.Error().Err(err).Str("client_ip", ip).Msg("geoip: city lookup failed")
		case c != nil:
			rec.CountryISOCode = c.Country.IsoCode
			rec.CountryName = c.Country.Names["en"]
			rec.CityName = c.City.Names["en"]
			rec.Latitude = c.Location.Latitude
			rec.Longitude = c.Location.Longitude
		}
	}

	if e.asn != nil {
		a, err := e.asn.ASN(nip)
		switch {
		case err != nil:
			log.Error().Err(err).Str("client_ip", ip).Msg("geoip: asn lookup failed")
		case a != nil:
			rec.ASNNumber = a.AutonomousSystemNumber
			rec.ASNOrganization = a.AutonomousSystemOrganization
		}
	}

	if rec.Empty() {
		log.Debug().Str("client_ip", ip).Msg("geoip: no data")
		return nil
	}
	return rec
}

// Close releases the database readers.
func (e *Enricher) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
