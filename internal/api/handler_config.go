package api

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Resinat/Lumen/internal/config"
)

// ConfigService is the configuration resolver as seen by the API.
type ConfigService interface {
	GetConfig(ctx context.Context) *config.ProxyConfig
	UpdateConfig(ctx context.Context, patch map[string]any) error
	Cached() (cfg *config.ProxyConfig, source config.Source, fresh bool)
}

type configMeta struct {
	Source    config.Source `json:"source"`
	Cached    bool          `json:"cached"`
	RequestID string        `json:"request_id"`
}

type configResponse struct {
	Config *config.ProxyConfig `json:"config"`
	Meta   configMeta          `json:"meta"`
}

func writeConfig(w http.ResponseWriter, r *http.Request, svc ConfigService, status int) {
	cfg := svc.GetConfig(r.Context())
	_, source, fresh := svc.Cached()
	WriteJSON(w, status, configResponse{
		Config: cfg.Redacted(),
		Meta:   configMeta{Source: source, Cached: fresh, RequestID: RequestID(r)},
	})
}

// HandleGetConfig returns a handler for GET /api/config.
func HandleGetConfig(svc ConfigService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeConfig(w, r, svc, http.StatusOK)
	}
}

// HandlePatchConfig returns a handler for PATCH /api/config. The body is a
// JSON object keyed by store key; the whole patch is rejected if any key is
// unknown or badly typed.
func HandlePatchConfig(svc ConfigService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]any
		if err := DecodeBody(r, &patch); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if len(patch) == 0 {
			writeInvalidArgument(w, "patch must contain at least one key")
			return
		}
		if err := svc.UpdateConfig(r.Context(), patch); err != nil {
			writeServiceError(w, err)
			return
		}
		log.Printf("[api] %s config updated: %s", RequestID(r), strings.Join(patchKeys(patch), ","))
		writeConfig(w, r, svc, http.StatusOK)
	}
}

type apiKeyResponse struct {
	Key       string `json:"key"`
	TotalKeys int    `json:"total_keys"`
	Enabled   bool   `json:"api_keys_enabled"`
}

// HandleCreateAPIKey returns a handler for POST /api/keys. It appends a
// freshly generated key and turns API key enforcement on. The key is only
// ever returned by this response.
func HandleCreateAPIKey(svc ConfigService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := svc.GetConfig(r.Context())
		key := "key_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		keys := append(append([]string(nil), cfg.APISecretKeys...), key)

		err := svc.UpdateConfig(r.Context(), map[string]any{
			"api_secret_keys":  keys,
			"api_keys_enabled": true,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		log.Printf("[api] %s generated API key (%d configured)", RequestID(r), len(keys))
		WriteJSON(w, http.StatusCreated, apiKeyResponse{Key: key, TotalKeys: len(keys), Enabled: true})
	}
}

func patchKeys(patch map[string]any) []string {
	keys := make([]string, 0, len(patch))
	for _, k := range config.Keys() {
		if _, ok := patch[k]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}
