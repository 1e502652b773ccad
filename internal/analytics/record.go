// Package analytics records one log record per served image request,
// batches the records into the analytics store and maintains hourly and
// daily counters for the summary and realtime reports.
package analytics

import (
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Resinat/Lumen/internal/config"
	"github.com/Resinat/Lumen/internal/netutil"
)

// Request types carried in LogRecord.RequestType.
const (
	RequestTypeProxy    = "image_proxy"
	RequestTypeCacheHit = "image_cache_hit"
	RequestTypeError    = "image_error"
)

// Field defaults.
const (
	UnknownCountry = "XX"
	NoFormat       = "none"
	DirectReferer  = "direct"
)

// apiKeyParam is the query parameter carrying the API key credential.
const apiKeyParam = "key"

const (
	maxQueryLen     = 200
	maxTargetLen    = 50
	maxUserAgentLen = 100
	maxRefererLen   = 200
)

// LogRecord is one analytics record. JSON names are the stored format.
type LogRecord struct {
	ID            string `json:"id"`
	TS            int64  `json:"ts"` // unix milliseconds
	Date          string `json:"date"`
	Hour          int    `json:"hour"`
	Method        string `json:"method"`
	Path          string `json:"path"`
	Query         string `json:"query"`
	HasImageParam bool   `json:"has_image_param"`
	TargetURL     string `json:"target_url"`
	TargetDomain  string `json:"target_domain"`

	Status        int    `json:"status"`
	CacheStatus   string `json:"cache_status"`
	ImageFormat   string `json:"image_format"`
	ContentLength int64  `json:"content_length"`
	ProxyVersion  string `json:"proxy_version"`

	UserAgent string `json:"user_agent"`
	Referer   string `json:"referer"`
	RayID     string `json:"ray_id"`
	Country   string `json:"country"`
	Region    string `json:"region"`

	RequestType      string `json:"request_type"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	ImageSize        int64  `json:"image_size,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Outcome is what the pipeline knows about a served request.
type Outcome struct {
	Status        int
	CacheStatus   string // HIT or MISS
	ImageFormat   string
	ContentLength int64
	ProxyVersion  string
	RequestType   string
	ImageSize     int64
	Error         string
	Elapsed       time.Duration
}

// Geo is the client location attached to a record.
type Geo struct {
	Country string
	Region  string
	RayID   string
}

// NewRecord builds a record from the request, its outcome and geo hints.
// Free-text fields are truncated and missing values take their defaults.
func NewRecord(now time.Time, r *http.Request, out Outcome, geo Geo) LogRecord {
	q := r.URL.Query()
	rec := LogRecord{
		ID:            NewRecordID(now),
		TS:            now.UnixMilli(),
		Date:          now.Format(dateLayout),
		Hour:          now.Hour(),
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         truncate(querySuffix(r.URL), maxQueryLen),
		HasImageParam: q.Has("url"),

		Status:        out.Status,
		CacheStatus:   out.CacheStatus,
		ImageFormat:   out.ImageFormat,
		ContentLength: out.ContentLength,
		ProxyVersion:  out.ProxyVersion,

		UserAgent: truncate(r.Header.Get("User-Agent"), maxUserAgentLen),
		Referer:   truncate(r.Header.Get("Referer"), maxRefererLen),
		RayID:     geo.RayID,
		Country:   geo.Country,
		Region:    geo.Region,

		RequestType:      out.RequestType,
		ProcessingTimeMs: out.Elapsed.Milliseconds(),
		ImageSize:        out.ImageSize,
		Error:            out.Error,
	}
	if raw := q.Get("url"); raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			rec.TargetURL = truncate(u.Hostname(), maxTargetLen)
			rec.TargetDomain = netutil.ExtractDomain(u.Hostname())
		}
	}
	if rec.CacheStatus == "" {
		rec.CacheStatus = "MISS"
	}
	if rec.ImageFormat == "" {
		rec.ImageFormat = NoFormat
	}
	if rec.Referer == "" {
		rec.Referer = DirectReferer
	}
	if rec.Country == "" {
		rec.Country = UnknownCountry
	}
	return rec
}

// NewRecordID returns a short unique id: base-36 milliseconds plus nine
// random base-36 characters.
func NewRecordID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 36) + randomSuffix()
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomSuffix() string {
	b := make([]byte, 9)
	for i := range b {
		b[i] = base36[rand.IntN(len(base36))]
	}
	return string(b)
}

// querySuffix returns the raw query with the API key credential redacted.
// Parameter order is kept.
func querySuffix(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	parts := strings.Split(u.RawQuery, "&")
	for i, part := range parts {
		name, _, _ := strings.Cut(part, "=")
		if unescaped, err := url.QueryUnescape(name); err == nil {
			name = unescaped
		}
		if name == apiKeyParam {
			parts[i] = apiKeyParam + "=" + config.RedactedValue
		}
	}
	return "?" + strings.Join(parts, "&")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Do not split a multi-byte rune.
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
