// Package config handles environment-based process settings and the
// hot-updatable proxy configuration resolved from the KV store.
package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/net/http/httpguts"
)

// Store drivers.
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverMemory = "memory"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Network
	ListenAddress   string
	Port            int
	APIMaxBodyBytes int

	// Storage
	DataDir            string
	StoreDriver        string
	StorePurgeSchedule string

	// Config resolution
	ConfigStaleness time.Duration
	ConfigSeedFile  string

	// Edge cache
	EdgeCacheMaxBytes int

	// Analytics
	AnalyticsBatchSize     int
	AnalyticsFlushInterval time.Duration

	// Background work
	BackgroundWorkers   int
	BackgroundQueueSize int

	// Surfaces
	AdminAPIEnabled bool
	MetricsEnabled  bool

	// Geo hints
	GeoIPDBPath         string
	GeoIPReloadSchedule string
	CountryHeader       string

	// Origin transport
	TransportMaxIdleConns        int
	TransportMaxIdleConnsPerHost int
	TransportIdleConnTimeout     time.Duration
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("LUMEN_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("LUMEN_PORT", 8080, &errs)
	cfg.APIMaxBodyBytes = envInt("LUMEN_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Storage ---
	cfg.DataDir = envStr("LUMEN_DATA_DIR", "/var/lib/lumen")
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(envStr("LUMEN_STORE_DRIVER", StoreDriverSQLite)))
	cfg.StorePurgeSchedule = envStr("LUMEN_STORE_PURGE_SCHEDULE", "*/10 * * * *")

	// --- Config resolution ---
	cfg.ConfigStaleness = envDuration("LUMEN_CONFIG_STALENESS", DefaultStaleness, &errs)
	cfg.ConfigSeedFile = strings.TrimSpace(envStr("LUMEN_CONFIG_SEED_FILE", ""))

	// --- Edge cache ---
	cfg.EdgeCacheMaxBytes = envInt("LUMEN_EDGE_CACHE_MAX_BYTES", 256<<20, &errs)

	// --- Analytics ---
	cfg.AnalyticsBatchSize = envInt("LUMEN_ANALYTICS_BATCH_SIZE", 10, &errs)
	cfg.AnalyticsFlushInterval = envDuration("LUMEN_ANALYTICS_FLUSH_INTERVAL", 30*time.Second, &errs)

	// --- Background work ---
	cfg.BackgroundWorkers = envInt("LUMEN_BACKGROUND_WORKERS", 8, &errs)
	cfg.BackgroundQueueSize = envInt("LUMEN_BACKGROUND_QUEUE_SIZE", 4096, &errs)

	// --- Surfaces ---
	cfg.AdminAPIEnabled = envBool("LUMEN_ADMIN_API_ENABLED", true, &errs)
	cfg.MetricsEnabled = envBool("LUMEN_METRICS_ENABLED", true, &errs)

	// --- Geo hints ---
	cfg.GeoIPDBPath = strings.TrimSpace(envStr("LUMEN_GEOIP_DB_PATH", ""))
	cfg.GeoIPReloadSchedule = envStr("LUMEN_GEOIP_RELOAD_SCHEDULE", "0 * * * *")
	cfg.CountryHeader = strings.TrimSpace(envStr("LUMEN_COUNTRY_HEADER", "CF-IPCountry"))

	// --- Origin transport ---
	cfg.TransportMaxIdleConns = envInt("LUMEN_TRANSPORT_MAX_IDLE_CONNS", 256, &errs)
	cfg.TransportMaxIdleConnsPerHost = envInt("LUMEN_TRANSPORT_MAX_IDLE_CONNS_PER_HOST", 32, &errs)
	cfg.TransportIdleConnTimeout = envDuration("LUMEN_TRANSPORT_IDLE_CONN_TIMEOUT", 90*time.Second, &errs)

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "LUMEN_LISTEN_ADDRESS must not be empty")
	}
	validatePort("LUMEN_PORT", cfg.Port, &errs)
	validatePositive("LUMEN_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	switch cfg.StoreDriver {
	case StoreDriverSQLite:
		if strings.TrimSpace(cfg.DataDir) == "" {
			errs = append(errs, "LUMEN_DATA_DIR must not be empty when LUMEN_STORE_DRIVER is sqlite")
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Sprintf("LUMEN_STORE_DRIVER: invalid value %q (allowed: %s, %s)",
			cfg.StoreDriver, StoreDriverSQLite, StoreDriverMemory))
	}
	validateCron("LUMEN_STORE_PURGE_SCHEDULE", cfg.StorePurgeSchedule, &errs)

	if cfg.ConfigStaleness <= 0 {
		errs = append(errs, "LUMEN_CONFIG_STALENESS must be positive")
	}
	if cfg.ConfigSeedFile != "" {
		if _, err := os.Stat(cfg.ConfigSeedFile); err != nil {
			errs = append(errs, fmt.Sprintf("LUMEN_CONFIG_SEED_FILE: %v", err))
		}
	}

	validatePositive("LUMEN_EDGE_CACHE_MAX_BYTES", cfg.EdgeCacheMaxBytes, &errs)
	validatePositive("LUMEN_ANALYTICS_BATCH_SIZE", cfg.AnalyticsBatchSize, &errs)
	if cfg.AnalyticsFlushInterval <= 0 {
		errs = append(errs, "LUMEN_ANALYTICS_FLUSH_INTERVAL must be positive")
	}
	validatePositive("LUMEN_BACKGROUND_WORKERS", cfg.BackgroundWorkers, &errs)
	validatePositive("LUMEN_BACKGROUND_QUEUE_SIZE", cfg.BackgroundQueueSize, &errs)

	if cfg.GeoIPDBPath != "" {
		validateCron("LUMEN_GEOIP_RELOAD_SCHEDULE", cfg.GeoIPReloadSchedule, &errs)
	}
	if cfg.CountryHeader != "" && !httpguts.ValidHeaderFieldName(cfg.CountryHeader) {
		errs = append(errs, fmt.Sprintf("LUMEN_COUNTRY_HEADER: invalid header name %q", cfg.CountryHeader))
	} else {
		cfg.CountryHeader = http.CanonicalHeaderKey(cfg.CountryHeader)
	}

	validatePositive("LUMEN_TRANSPORT_MAX_IDLE_CONNS", cfg.TransportMaxIdleConns, &errs)
	validatePositive("LUMEN_TRANSPORT_MAX_IDLE_CONNS_PER_HOST", cfg.TransportMaxIdleConnsPerHost, &errs)
	if cfg.TransportIdleConnTimeout <= 0 {
		errs = append(errs, "LUMEN_TRANSPORT_IDLE_CONN_TIMEOUT must be positive")
	}
	if cfg.TransportMaxIdleConnsPerHost > cfg.TransportMaxIdleConns {
		errs = append(
			errs,
			"LUMEN_TRANSPORT_MAX_IDLE_CONNS_PER_HOST must be less than or equal to LUMEN_TRANSPORT_MAX_IDLE_CONNS",
		)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validateCron(name, expr string, errs *[]string) {
	if _, err := cron.ParseStandard(expr); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid cron expression %q: %v", name, expr, err))
	}
}
