package config

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ValueKind is the declared type of a config key.
type ValueKind int

const (
	KindString ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindList
)

func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "number"
	case KindList:
		return "list"
	default:
		return "string"
	}
}

type keyDef struct {
	name string
	kind ValueKind
	get  func(*ProxyConfig) any
	set  func(*ProxyConfig, any)
}

// keyTable lists every persisted key in store order.
var keyTable = []keyDef{
	{"target_site", KindString, func(c *ProxyConfig) any { return c.TargetSite }, func(c *ProxyConfig, v any) { c.TargetSite = v.(string) }},
	{"enable_webp", KindBool, func(c *ProxyConfig) any { return c.EnableWebP }, func(c *ProxyConfig, v any) { c.EnableWebP = v.(bool) }},
	{"webp_quality", KindInt, func(c *ProxyConfig) any { return c.WebPQuality }, func(c *ProxyConfig, v any) { c.WebPQuality = v.(int) }},
	{"avif_enable", KindBool, func(c *ProxyConfig) any { return c.AVIFEnable }, func(c *ProxyConfig, v any) { c.AVIFEnable = v.(bool) }},
	{"avif_quality", KindInt, func(c *ProxyConfig) any { return c.AVIFQuality }, func(c *ProxyConfig, v any) { c.AVIFQuality = v.(int) }},
	{"api_keys_enabled", KindBool, func(c *ProxyConfig) any { return c.APIKeysEnabled }, func(c *ProxyConfig, v any) { c.APIKeysEnabled = v.(bool) }},
	{"api_secret_keys", KindList, func(c *ProxyConfig) any { return c.APISecretKeys }, func(c *ProxyConfig, v any) { c.APISecretKeys = v.([]string) }},
	{"allowed_domains", KindList, func(c *ProxyConfig) any { return c.AllowedDomains }, func(c *ProxyConfig, v any) { c.AllowedDomains = v.([]string) }},
	{"allowed_referers", KindList, func(c *ProxyConfig) any { return c.AllowedReferers }, func(c *ProxyConfig, v any) { c.AllowedReferers = v.([]string) }},
	{"cache_cdn_ttl", KindInt, func(c *ProxyConfig) any { return c.CacheCDNTTL }, func(c *ProxyConfig, v any) { c.CacheCDNTTL = v.(int) }},
	{"cache_browser_ttl", KindInt, func(c *ProxyConfig) any { return c.CacheBrowserTTL }, func(c *ProxyConfig, v any) { c.CacheBrowserTTL = v.(int) }},
	{"cache_error_ttl", KindInt, func(c *ProxyConfig) any { return c.CacheErrorTTL }, func(c *ProxyConfig, v any) { c.CacheErrorTTL = v.(int) }},
	{"max_image_size", KindInt, func(c *ProxyConfig) any { return c.MaxImageSize }, func(c *ProxyConfig, v any) { c.MaxImageSize = v.(int) }},
	{"request_timeout", KindInt, func(c *ProxyConfig) any { return c.RequestTimeout }, func(c *ProxyConfig, v any) { c.RequestTimeout = v.(int) }},
	{"resize_enable", KindBool, func(c *ProxyConfig) any { return c.ResizeEnable }, func(c *ProxyConfig, v any) { c.ResizeEnable = v.(bool) }},
	{"max_resize_width", KindInt, func(c *ProxyConfig) any { return c.MaxResizeWidth }, func(c *ProxyConfig, v any) { c.MaxResizeWidth = v.(int) }},
	{"max_resize_height", KindInt, func(c *ProxyConfig) any { return c.MaxResizeHeight }, func(c *ProxyConfig, v any) { c.MaxResizeHeight = v.(int) }},
	{"analytics_enabled", KindBool, func(c *ProxyConfig) any { return c.AnalyticsEnabled }, func(c *ProxyConfig, v any) { c.AnalyticsEnabled = v.(bool) }},
	{"analytics_retention_days", KindInt, func(c *ProxyConfig) any { return c.AnalyticsRetentionDays }, func(c *ProxyConfig, v any) { c.AnalyticsRetentionDays = v.(int) }},
	{"analytics_sample_rate", KindFloat, func(c *ProxyConfig) any { return c.AnalyticsSampleRate }, func(c *ProxyConfig, v any) { c.AnalyticsSampleRate = v.(float64) }},
	{"admin_token", KindString, func(c *ProxyConfig) any { return c.AdminToken }, func(c *ProxyConfig, v any) { c.AdminToken = v.(string) }},
}

var keyIndex = func() map[string]*keyDef {
	m := make(map[string]*keyDef, len(keyTable))
	for i := range keyTable {
		m[keyTable[i].name] = &keyTable[i]
	}
	return m
}()

// Keys returns every persisted config key.
func Keys() []string {
	out := make([]string, len(keyTable))
	for i, d := range keyTable {
		out[i] = d.name
	}
	return out
}

// IsKnownKey reports whether key is a persisted config key.
func IsKnownKey(key string) bool {
	_, ok := keyIndex[key]
	return ok
}

// KindOf returns the value kind for key. Known keys use their declared
// kind; other keys fall back to naming conventions.
func KindOf(key string) ValueKind {
	if d, ok := keyIndex[key]; ok {
		return d.kind
	}
	switch {
	case strings.HasSuffix(key, "keys"), strings.HasSuffix(key, "domains"), strings.HasSuffix(key, "referers"):
		return KindList
	case strings.HasPrefix(key, "enable_"), strings.HasSuffix(key, "_enable"), strings.HasSuffix(key, "_enabled"):
		return KindBool
	case strings.HasSuffix(key, "_rate"):
		return KindFloat
	}
	for _, suffix := range []string{"_ttl", "_size", "_timeout", "_quality", "_width", "_height", "_days"} {
		if strings.HasSuffix(key, suffix) {
			return KindInt
		}
	}
	return KindString
}

// ParseValue converts a raw store string to the typed value for key.
// Lists are comma-separated with blanks dropped; booleans are true only for
// the literal "true" (any case); numbers that do not parse are an error.
func ParseValue(key, raw string) (any, error) {
	switch KindOf(key) {
	case KindList:
		return splitList(raw), nil
	case KindBool:
		return strings.EqualFold(strings.TrimSpace(raw), "true"), nil
	case KindInt:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: invalid integer %q", key, raw)
		}
		return n, nil
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%s: invalid number %q", key, raw)
		}
		return f, nil
	default:
		return raw, nil
	}
}

// EncodeValue converts a typed value to its store form. Lists are
// comma-joined and booleans become "true"/"false".
func EncodeValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case []string:
		return strings.Join(x, ","), nil
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			s, err := EncodeValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// EncodeConfig returns the store form of every key in cfg.
func EncodeConfig(cfg *ProxyConfig) map[string]string {
	out := make(map[string]string, len(keyTable))
	for _, d := range keyTable {
		s, _ := EncodeValue(d.get(cfg))
		out[d.name] = s
	}
	return out
}

// applyRaw parses raw and writes it into cfg. Unknown keys are ignored.
func applyRaw(cfg *ProxyConfig, key, raw string) error {
	d, ok := keyIndex[key]
	if !ok {
		return nil
	}
	v, err := ParseValue(key, raw)
	if err != nil {
		return err
	}
	d.set(cfg, v)
	return nil
}

func splitList(raw string) []string {
	out := []string{}
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
