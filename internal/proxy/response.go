package proxy

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/Resinat/Lumen/internal/config"
	"github.com/Resinat/Lumen/internal/origin"
)

// placeholderPNG is a 1x1 transparent PNG served for every failure.
var placeholderPNG = mustDecodeBase64("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==")

func mustDecodeBase64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic("proxy: bad embedded image: " + err.Error())
	}
	return b
}

// PlaceholderImage returns a copy of the placeholder bytes.
func PlaceholderImage() []byte {
	return append([]byte(nil), placeholderPNG...)
}

// writePlaceholder answers a failed image request.
func writePlaceholder(w http.ResponseWriter, f *Failure, cfg *config.ProxyConfig, requestID, version string) {
	h := w.Header()
	h.Set("Content-Type", "image/png")
	h.Set("Content-Length", strconv.Itoa(len(placeholderPNG)))
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", cfg.CacheErrorTTL))
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Proxy-Error", f.Code)
	h.Set("X-Proxy-Message", headerValue(f.Message))
	h.Set("X-Proxy-Version", version)
	h.Set("X-Request-ID", requestID)
	w.WriteHeader(f.HTTPCode)
	_, _ = w.Write(placeholderPNG)
}

// headerValue replaces control characters that are not allowed in a header
// field value with spaces.
func headerValue(v string) string {
	if httpguts.ValidHeaderFieldValue(v) {
		return v
	}
	return strings.Map(func(r rune) rune {
		if (r < 0x20 && r != '\t') || r == 0x7f {
			return ' '
		}
		return r
	}, v)
}

// successHeader assembles the response headers for a freshly fetched image.
func successHeader(res *origin.FetchResult, cfg *config.ProxyConfig, version string) http.Header {
	h := res.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", res.ContentType)
	h.Set("Content-Length", strconv.Itoa(res.Size))
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d, s-maxage=%d, stale-while-revalidate=%d",
		cfg.CacheBrowserTTL, cfg.CacheCDNTTL, cfg.CacheErrorTTL))

	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")

	h.Set("X-Proxy-Cache", "MISS")
	h.Set("X-Proxy-Version", version)
	h.Set("X-Image-Size", strconv.Itoa(res.Size))
	h.Set("X-Image-Size-MB", fmt.Sprintf("%.2fMB", float64(res.Size)/1024/1024))
	h.Set("X-Content-Type", res.ContentType)
	h.Set("X-Image-Format", string(res.Format))

	h.Set("X-Config-WebP", strconv.FormatBool(cfg.EnableWebP))
	h.Set("X-Config-API", strconv.FormatBool(cfg.APIKeysEnabled))
	h.Set("X-Config-Analytics", strconv.FormatBool(cfg.AnalyticsEnabled))
	return h
}

func writeHeader(w http.ResponseWriter, h http.Header) {
	dst := w.Header()
	for k, vs := range h {
		dst[k] = append([]string(nil), vs...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// usageResponse answers an image request without a url parameter.
type usageResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Usage   string `json:"usage"`
	Example string `json:"example"`
}

type methodNotAllowedResponse struct {
	Error          bool     `json:"error"`
	Message        string   `json:"message"`
	AllowedMethods []string `json:"allowed_methods"`
}

// RequestOrigin reconstructs scheme://host for r, honoring
// X-Forwarded-Proto from a fronting proxy.
func RequestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "https" || p == "http" {
		scheme = p
	}
	return scheme + "://" + r.Host
}
