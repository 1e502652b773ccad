package config

// RedactedValue replaces secrets in API responses.
const RedactedValue = "***"

// ProxyConfig holds all hot-updatable proxy settings.
// These are persisted in the config namespace of the KV store and served
// (redacted) via GET /api/config. A *ProxyConfig returned by the resolver is
// shared and must not be mutated; use Clone to derive a modified copy.
type ProxyConfig struct {
	// Origin
	TargetSite string `json:"target_site"`

	// Format conversion
	EnableWebP  bool `json:"enable_webp"`
	WebPQuality int  `json:"webp_quality"`
	AVIFEnable  bool `json:"avif_enable"`
	AVIFQuality int  `json:"avif_quality"`

	// Access control
	APIKeysEnabled  bool     `json:"api_keys_enabled"`
	APISecretKeys   []string `json:"api_secret_keys"`
	AllowedDomains  []string `json:"allowed_domains"`
	AllowedReferers []string `json:"allowed_referers"`

	// Caching, in seconds
	CacheCDNTTL     int `json:"cache_cdn_ttl"`
	CacheBrowserTTL int `json:"cache_browser_ttl"`
	CacheErrorTTL   int `json:"cache_error_ttl"`

	// Limits
	MaxImageSize   int `json:"max_image_size"`  // bytes
	RequestTimeout int `json:"request_timeout"` // milliseconds

	// Resize
	ResizeEnable    bool `json:"resize_enable"`
	MaxResizeWidth  int  `json:"max_resize_width"`
	MaxResizeHeight int  `json:"max_resize_height"`

	// Analytics
	AnalyticsEnabled       bool    `json:"analytics_enabled"`
	AnalyticsRetentionDays int     `json:"analytics_retention_days"`
	AnalyticsSampleRate    float64 `json:"analytics_sample_rate"`

	// Admin
	AdminToken string `json:"admin_token"`
}

// NewDefaultProxyConfig returns the fixed default set every resolved
// snapshot is merged over.
func NewDefaultProxyConfig() *ProxyConfig {
	return &ProxyConfig{
		TargetSite: "https://www.2ppt.com",

		EnableWebP:  true,
		WebPQuality: 85,
		AVIFEnable:  false,
		AVIFQuality: 75,

		APIKeysEnabled:  false,
		APISecretKeys:   []string{},
		AllowedDomains:  []string{"pic.haokj.cn", "haokj.cn"},
		AllowedReferers: []string{},

		CacheCDNTTL:     604800,
		CacheBrowserTTL: 86400,
		CacheErrorTTL:   300,

		MaxImageSize:   5 * 1024 * 1024,
		RequestTimeout: 10000,

		ResizeEnable:    false,
		MaxResizeWidth:  1920,
		MaxResizeHeight: 1080,

		AnalyticsEnabled:       true,
		AnalyticsRetentionDays: 30,
		AnalyticsSampleRate:    1.0,

		AdminToken: "",
	}
}

// Clone returns a deep copy.
func (c *ProxyConfig) Clone() *ProxyConfig {
	out := *c
	out.APISecretKeys = cloneStrings(c.APISecretKeys)
	out.AllowedDomains = cloneStrings(c.AllowedDomains)
	out.AllowedReferers = cloneStrings(c.AllowedReferers)
	return &out
}

// Redacted returns a copy safe to expose over HTTP: every API key and the
// admin token are replaced with RedactedValue.
func (c *ProxyConfig) Redacted() *ProxyConfig {
	out := c.Clone()
	for i := range out.APISecretKeys {
		out.APISecretKeys[i] = RedactedValue
	}
	if out.AdminToken != "" {
		out.AdminToken = RedactedValue
	}
	return out
}

// APIProtectionActive reports whether API-key enforcement actually applies.
func (c *ProxyConfig) APIProtectionActive() bool {
	return c.APIKeysEnabled && len(c.APISecretKeys) > 0
}

// RetentionSeconds is the analytics retention window in seconds.
func (c *ProxyConfig) RetentionSeconds() int {
	return c.AnalyticsRetentionDays * 86400
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
