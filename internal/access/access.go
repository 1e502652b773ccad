// Package access decides request admission: API key, referer allowlist and
// target URL validation. Every check is a pure function of the request and
// a resolved configuration snapshot.
package access

import (
	"net/http"
	"strings"

	"github.com/Resinat/Lumen/internal/config"
	"github.com/Resinat/Lumen/internal/netutil"
)

// Reason explains an admission decision.
type Reason string

// Denial reasons.
const (
	ReasonNoKey             Reason = "no-key"
	ReasonInvalidKey        Reason = "invalid-key"
	ReasonRefererNotAllowed Reason = "referer-not-allowed"
	ReasonInvalidReferer    Reason = "invalid-referer"
	ReasonDomainNotAllowed  Reason = "domain-not-allowed"
	ReasonInvalidURL        Reason = "invalid-url"
	ReasonUnsupportedScheme Reason = "unsupported-scheme"
)

// Admission reasons.
const (
	ReasonDisabled      Reason = "disabled"
	ReasonValidKey      Reason = "valid"
	ReasonNoRestriction Reason = "no-restriction"
	ReasonDirectAccess  Reason = "direct-access"
	ReasonAllowed       Reason = "allowed"
)

// Decision is the outcome of one check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow(r Reason) Decision { return Decision{Allowed: true, Reason: r} }
func deny(r Reason) Decision  { return Decision{Allowed: false, Reason: r} }

// CheckAPIKey admits unconditionally when API keys are disabled or none
// are configured. Otherwise a key must be supplied via the "key" query
// parameter or an "Authorization: Bearer" header and be a member of the
// configured set.
func CheckAPIKey(r *http.Request, cfg *config.ProxyConfig) Decision {
	if !cfg.APIProtectionActive() {
		return allow(ReasonDisabled)
	}
	key := ProvidedAPIKey(r)
	if key == "" {
		return deny(ReasonNoKey)
	}
	for _, k := range cfg.APISecretKeys {
		if k == key {
			return allow(ReasonValidKey)
		}
	}
	return deny(ReasonInvalidKey)
}

// ProvidedAPIKey returns the key from the query string, falling back to a
// Bearer token.
func ProvidedAPIKey(r *http.Request) string {
	if key := r.URL.Query().Get("key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// CheckReferer admits when no allowlist is configured or the request has
// no Referer header. Otherwise the referer host must equal or be a
// subdomain of an allowed host.
func CheckReferer(r *http.Request, cfg *config.ProxyConfig) Decision {
	if len(cfg.AllowedReferers) == 0 {
		return allow(ReasonNoRestriction)
	}
	values, present := r.Header["Referer"]
	if !present || len(values) == 0 {
		return allow(ReasonDirectAccess)
	}
	host, ok := netutil.HostOf(values[0])
	if !ok {
		return deny(ReasonInvalidReferer)
	}
	if netutil.MatchAny(host, cfg.AllowedReferers) {
		return allow(ReasonAllowed)
	}
	return deny(ReasonRefererNotAllowed)
}
