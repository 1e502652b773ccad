package api

import (
	"net/http"
	"time"

	"github.com/Resinat/Lumen/internal/config"
)

type healthFeatures struct {
	WebP          bool    `json:"webp"`
	APIProtection bool    `json:"api_protection"`
	Analytics     bool    `json:"analytics"`
	CacheDays     float64 `json:"cache_days"`
}

type healthResponse struct {
	Status       string         `json:"status"`
	Version      string         `json:"version"`
	Timestamp    string         `json:"timestamp"`
	ConfigSource config.Source  `json:"config_source"`
	Features     healthFeatures `json:"features"`
}

// HandleHealth returns a handler for GET /health and GET /status.
// No authentication is required.
func HandleHealth(svc ConfigService, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := svc.GetConfig(r.Context())
		_, source, _ := svc.Cached()
		w.Header().Set("Cache-Control", "no-cache")
		WriteJSON(w, http.StatusOK, healthResponse{
			Status:       "healthy",
			Version:      version,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			ConfigSource: source,
			Features: healthFeatures{
				WebP:          cfg.EnableWebP,
				APIProtection: cfg.APIKeysEnabled,
				Analytics:     cfg.AnalyticsEnabled,
				CacheDays:     float64(cfg.CacheCDNTTL) / 86400,
			},
		})
	}
}

type infoEndpoints struct {
	Health       string `json:"health"`
	Stats        string `json:"stats"`
	ConfigAPI    string `json:"config_api"`
	AnalyticsAPI string `json:"analytics_api"`
	Proxy        string `json:"proxy"`
}

type infoResponse struct {
	Service   string              `json:"service"`
	Version   string              `json:"version"`
	Config    *config.ProxyConfig `json:"config"`
	Endpoints infoEndpoints       `json:"endpoints"`
}

// HandleInfo returns a handler for GET /config and GET /info: the
// redacted configuration and the endpoint map.
func HandleInfo(svc ConfigService, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, infoResponse{
			Service: "Lumen image proxy",
			Version: version,
			Config:  svc.GetConfig(r.Context()).Redacted(),
			Endpoints: infoEndpoints{
				Health:       "/health",
				Stats:        "/api/analytics/summary",
				ConfigAPI:    "/api/config",
				AnalyticsAPI: "/api/analytics",
				Proxy:        "/?url=IMAGE_URL",
			},
		})
	}
}
