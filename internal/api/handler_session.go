package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/Resinat/Lumen/internal/config"
)

const sessionLifetime = 7 * 24 * time.Hour

func sessionCookie(token string, now time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     AdminCookieName,
		Value:    token,
		Path:     "/",
		Expires:  now.Add(sessionLifetime),
		MaxAge:   int(sessionLifetime / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}

type setupResponse struct {
	AdminToken string `json:"admin_token"`
}

// HandleSetup returns a handler for POST /api/setup. It only succeeds while
// no admin token exists: a token is generated, stored together with the
// base settings, and returned once with a session cookie.
func HandleSetup(svc ConfigService) http.HandlerFunc {
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		cfg := svc.GetConfig(r.Context())
		if cfg.AdminToken != "" {
			WriteError(w, http.StatusConflict, "CONFLICT", "admin token already configured")
			return
		}
		token, err := config.GenerateAdminToken()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		err = svc.UpdateConfig(r.Context(), map[string]any{
			"admin_token":       token,
			"target_site":       cfg.TargetSite,
			"enable_webp":       cfg.EnableWebP,
			"allowed_domains":   cfg.AllowedDomains,
			"analytics_enabled": cfg.AnalyticsEnabled,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		log.Printf("[api] %s admin token initialized", RequestID(r))
		http.SetCookie(w, sessionCookie(token, time.Now()))
		WriteJSON(w, http.StatusCreated, setupResponse{AdminToken: token})
	}
}

type loginRequest struct {
	AdminToken string `json:"admin_token"`
}

type sessionResponse struct {
	Authenticated bool `json:"authenticated"`
}

// HandleLogin returns a handler for POST /api/session.
func HandleLogin(svc ConfigService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.AdminToken == "" {
			writeInvalidArgument(w, "admin_token: required")
			return
		}
		expected := svc.GetConfig(r.Context()).AdminToken
		if expected == "" || !tokenEqual(req.AdminToken, expected) {
			writeUnauthorized(w, "invalid admin token")
			return
		}
		http.SetCookie(w, sessionCookie(req.AdminToken, time.Now()))
		WriteJSON(w, http.StatusOK, sessionResponse{Authenticated: true})
	}
}

// HandleLogout returns a handler for DELETE /api/session.
func HandleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{
			Name:     AdminCookieName,
			Value:    "",
			Path:     "/",
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: true,
		})
		w.WriteHeader(http.StatusNoContent)
	}
}
