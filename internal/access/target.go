package access

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/Resinat/Lumen/internal/config"
	"github.com/Resinat/Lumen/internal/netutil"
)

var (
	// Status noise appended by some clients, e.g. " 404 (Not Found)".
	statusNoisePattern = regexp.MustCompile(`\s+\d{3}\s*\(.*?\)`)
	errorTailPattern   = regexp.MustCompile(`(?i)Error:.*$`)
	failedTailPattern  = regexp.MustCompile(`(?i)Failed:.*$`)

	partialUnescaper = strings.NewReplacer(
		"%20", " ",
		"%3A", ":", "%3a", ":",
		"%2F", "/", "%2f", "/",
		"%3F", "?", "%3f", "?",
		"%3D", "=", "%3d", "=",
	)
)

// Target is a validated origin URL.
type Target struct {
	URL  *url.URL
	Host string // lowercased hostname without port
}

// String returns the normalized URL.
func (t Target) String() string { return t.URL.String() }

// SanitizeURL cleans a user-supplied target URL: surrounding whitespace,
// appended status and error noise, and percent-encoding are removed.
// The cleanup is repeated until the value stops changing, so
// SanitizeURL(SanitizeURL(x)) == SanitizeURL(x).
func SanitizeURL(raw string) string {
	s := raw
	for {
		next := sanitizeOnce(s)
		// Every step only ever shortens the string, so this terminates.
		if next == s {
			return s
		}
		s = next
	}
}

func sanitizeOnce(s string) string {
	s = strings.TrimSpace(s)
	s = statusNoisePattern.ReplaceAllString(s, "")
	s = errorTailPattern.ReplaceAllString(s, "")
	s = failedTailPattern.ReplaceAllString(s, "")
	if decoded, err := url.PathUnescape(s); err == nil {
		s = decoded
	} else {
		s = partialUnescaper.Replace(s)
	}
	return strings.TrimSpace(s)
}

// ValidateTargetURL sanitizes raw and checks it is an absolute HTTP(S) URL
// whose host is allowed by cfg.AllowedDomains. An empty allowlist admits
// any host.
func ValidateTargetURL(raw string, cfg *config.ProxyConfig) (Target, Decision) {
	cleaned := SanitizeURL(raw)
	if cleaned == "" {
		return Target{}, deny(ReasonInvalidURL)
	}
	u, err := url.Parse(cleaned)
	if err != nil || u.Scheme == "" {
		return Target{}, deny(ReasonInvalidURL)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Target{}, deny(ReasonUnsupportedScheme)
	}
	host := netutil.NormalizeHost(u.Hostname())
	if host == "" {
		return Target{}, deny(ReasonInvalidURL)
	}
	u.Scheme = scheme

	if len(cfg.AllowedDomains) > 0 && !netutil.MatchAny(host, cfg.AllowedDomains) {
		return Target{}, deny(ReasonDomainNotAllowed)
	}
	return Target{URL: u, Host: host}, allow(ReasonAllowed)
}
