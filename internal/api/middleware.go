package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// AdminCookieName carries the admin token for browser sessions.
const AdminCookieName = "admin_token"

// TokenSource returns the currently configured admin token, or "" when
// none has been set up.
type TokenSource func(ctx context.Context) string

type requestIDKey struct{}

// RequestIDMiddleware assigns every request an id, exposed in the
// X-Request-ID response header and through RequestID.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestID returns the id assigned by RequestIDMiddleware.
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

// AuthMiddleware validates the admin token supplied in the X-Admin-Token
// header, an "Authorization: Bearer" header or the admin cookie.
// While no admin token is configured, read requests pass and mutations are
// refused with 403.
func AuthMiddleware(tokens TokenSource, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := tokens(r.Context())
		if expected == "" {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			WriteError(w, http.StatusForbidden, "FORBIDDEN", "admin token not configured; run POST /api/setup first")
			return
		}

		provided := ProvidedAdminToken(r)
		if provided == "" {
			writeUnauthorized(w, "missing admin token")
			return
		}
		if !tokenEqual(provided, expected) {
			writeUnauthorized(w, "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ProvidedAdminToken extracts the admin token from the request, checking
// X-Admin-Token, then a Bearer Authorization header, then the cookie.
func ProvidedAdminToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get("X-Admin-Token")); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		return strings.TrimSpace(token)
	}
	if c, err := r.Cookie(AdminCookieName); err == nil {
		return c.Value
	}
	return ""
}

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RequestBodyLimitMiddleware enforces a max request body size for downstream handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r != nil && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
