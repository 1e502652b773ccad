// Package netutil holds host parsing and matching shared by access control
// and analytics.
package netutil

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// NormalizeHost lowercases host and strips surrounding space, IPv6
// brackets and a trailing root dot.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return strings.TrimSuffix(host, ".")
}

// HostOf extracts the normalized hostname of an absolute URL.
func HostOf(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return "", false
	}
	host := NormalizeHost(u.Hostname())
	return host, host != ""
}

// AllowlistHost turns an allowlist entry into a bare host. Entries may be
// a bare host, a "*.host" or ".host" wildcard, or a full URL.
func AllowlistHost(entry string) string {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "://") {
		if host, ok := HostOf(entry); ok {
			return host
		}
	}
	entry = strings.TrimPrefix(entry, "*.")
	entry = strings.TrimPrefix(entry, ".")
	return NormalizeHost(entry)
}

// MatchHost reports whether host equals allowed or is a subdomain of it.
// Both must already be normalized.
func MatchHost(host, allowed string) bool {
	if allowed == "" {
		return false
	}
	return host == allowed || strings.HasSuffix(host, "."+allowed)
}

// MatchAny reports whether host matches any allowlist entry.
func MatchAny(host string, entries []string) bool {
	for _, entry := range entries {
		if MatchHost(host, AllowlistHost(entry)) {
			return true
		}
	}
	return false
}

// ExtractDomain returns the registrable domain (eTLD+1) of target, which
// may be a bare host, host:port or a URL. IP addresses and single-label
// names are returned unchanged.
//
//	"cdn.pic.haokj.cn"         -> "haokj.cn"
//	"img.example.co.uk:443"    -> "example.co.uk"
//	"https://127.0.0.1:8080/a" -> "127.0.0.1"
func ExtractDomain(target string) string {
	if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			target = u.Host
		}
	}
	host := target
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = NormalizeHost(host)

	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}
