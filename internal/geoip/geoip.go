// Package geoip resolves a client's country and region, preferring the
// hints set by a fronting CDN and falling back to a local MaxMind database.
package geoip

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"
)

// Default request headers carrying CDN geo hints.
const (
	DefaultCountryHeader = "CF-IPCountry"
	RegionHeader         = "CF-Region"
	RayHeader            = "CF-RAY"
)

// Location is a database lookup result. Empty fields are unknown.
type Location struct {
	Country string // ISO 3166-1 alpha-2, upper case
	Region  string
}

// Hints are the geo fields attached to a request.
type Hints struct {
	Country string
	Region  string
	RayID   string
}

// GeoReader abstracts the database reader so tests can substitute one.
type GeoReader interface {
	Lookup(ip netip.Addr) Location
	Close() error
}

// OpenFunc opens a database file.
type OpenFunc func(path string) (GeoReader, error)

type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"subdivisions"`
}

type mmdbReader struct{ r *maxminddb.Reader }

func (m mmdbReader) Lookup(ip netip.Addr) Location {
	var rec mmdbRecord
	if err := m.r.Lookup(net.IP(ip.AsSlice()), &rec); err != nil {
		return Location{}
	}
	loc := Location{Country: strings.ToUpper(rec.Country.ISOCode)}
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].ISOCode
	}
	return loc
}

func (m mmdbReader) Close() error { return m.r.Close() }

// MaxMindOpen opens a GeoIP2/GeoLite2 country or city database.
func MaxMindOpen(path string) (GeoReader, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return mmdbReader{r: r}, nil
}

// ServiceConfig configures the GeoIP service.
type ServiceConfig struct {
	DBPath         string   // empty disables database lookups
	ReloadSchedule string   // cron expression, default "0 * * * *"
	CountryHeader  string   // default CF-IPCountry
	OpenDB         OpenFunc // default MaxMindOpen
}

// Service resolves Hints with a hot-reloadable database.
type Service struct {
	mu      sync.RWMutex
	reader  GeoReader // nil until loaded
	modTime time.Time

	dbPath        string
	countryHeader string
	openDB        OpenFunc
	cron          *cron.Cron
	reloadMu      sync.Mutex
}

// NewService creates a service. An invalid schedule is an error.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.ReloadSchedule == "" {
		cfg.ReloadSchedule = "0 * * * *"
	}
	if cfg.CountryHeader == "" {
		cfg.CountryHeader = DefaultCountryHeader
	}
	if cfg.OpenDB == nil {
		cfg.OpenDB = MaxMindOpen
	}
	s := &Service{
		dbPath:        cfg.DBPath,
		countryHeader: http.CanonicalHeaderKey(cfg.CountryHeader),
		openDB:        cfg.OpenDB,
	}
	if s.dbPath == "" {
		return s, nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(cfg.ReloadSchedule, func() {
		if _, err := s.ReloadIfChanged(); err != nil {
			log.Printf("[geoip] scheduled reload failed: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("geoip: invalid reload schedule %q: %w", cfg.ReloadSchedule, err)
	}
	return s, nil
}

// Start loads the database, if one is configured and present, and starts
// the reload schedule. A missing file is not an error; the next scheduled
// check picks it up.
func (s *Service) Start() error {
	if s.dbPath == "" {
		return nil
	}
	if _, err := s.ReloadIfChanged(); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		log.Printf("[geoip] database %s not found, lookups disabled until it appears", s.dbPath)
	}
	s.cron.Start()
	return nil
}

// Stop stops the schedule and closes the reader.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// ReloadIfChanged re-opens the database when its modification time differs
// from the loaded one, reporting whether a reload happened.
func (s *Service) ReloadIfChanged() (bool, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	info, err := os.Stat(s.dbPath)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	unchanged := s.reader != nil && info.ModTime().Equal(s.modTime)
	s.mu.RUnlock()
	if unchanged {
		return false, nil
	}
	if err := s.reloadReader(s.dbPath, info.ModTime()); err != nil {
		return false, err
	}
	log.Printf("[geoip] loaded %s (modified %s)", s.dbPath, info.ModTime().Format(time.RFC3339))
	return true, nil
}

// reloadReader swaps in a new reader. RLock holders finish before the old
// reader is closed.
func (s *Service) reloadReader(path string, modTime time.Time) error {
	newReader, err := s.openDB(path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.modTime = modTime
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Lookup queries the database; it returns the zero Location when no
// database is loaded.
func (s *Service) Lookup(ip netip.Addr) Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil || !ip.IsValid() {
		return Location{}
	}
	return s.reader.Lookup(ip.Unmap())
}

// Resolve returns the hints for r. The CDN country header wins; the
// database is consulted only when that header is absent or unusable.
func (s *Service) Resolve(r *http.Request) Hints {
	h := Hints{
		Country: normalizeCountry(r.Header.Get(s.countryHeader)),
		Region:  strings.TrimSpace(r.Header.Get(RegionHeader)),
		RayID:   strings.TrimSpace(r.Header.Get(RayHeader)),
	}
	if h.Country != "" {
		return h
	}
	loc := s.Lookup(clientAddr(r.RemoteAddr))
	h.Country = loc.Country
	if h.Region == "" {
		h.Region = loc.Region
	}
	return h
}

// LastLoaded returns the modification time of the loaded database.
func (s *Service) LastLoaded() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modTime
}

func clientAddr(remote string) netip.Addr {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr()
	}
	if a, err := netip.ParseAddr(remote); err == nil {
		return a
	}
	return netip.Addr{}
}

// normalizeCountry accepts two ASCII letters; CDN placeholders such as
// "XX" or "T1" pass through unchanged apart from case.
func normalizeCountry(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if len(v) != 2 {
		return ""
	}
	for i := 0; i < 2; i++ {
		c := v[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return v
}
