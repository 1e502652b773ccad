package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Options wires the HTTP surface.
type Options struct {
	ListenAddress   string
	Port            int
	APIMaxBodyBytes int64
	Version         string

	Config    ConfigService
	Analytics AnalyticsReader // nil disables the analytics endpoints
	Proxy     http.Handler    // image pipeline, mounted at "/"
	Metrics   http.Handler    // nil disables /metrics

	AdminEnabled bool
}

// Server wraps the HTTP server and mux for the Lumen API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new server wired with all routes.
func NewServer(opts Options) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /health", RequestIDMiddleware(HandleHealth(opts.Config, opts.Version)))
	mux.Handle("GET /status", RequestIDMiddleware(HandleHealth(opts.Config, opts.Version)))
	mux.Handle("GET /config", RequestIDMiddleware(HandleInfo(opts.Config, opts.Version)))
	mux.Handle("GET /info", RequestIDMiddleware(HandleInfo(opts.Config, opts.Version)))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	if opts.AdminEnabled {
		registerAdminRoutes(mux, opts)
	}

	if opts.Proxy != nil {
		mux.Handle("/", opts.Proxy)
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(opts.ListenAddress, strconv.Itoa(opts.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

func registerAdminRoutes(mux *http.ServeMux, opts Options) {
	tokens := func(ctx context.Context) string {
		return opts.Config.GetConfig(ctx).AdminToken
	}
	public := func(h http.Handler) http.Handler {
		return RequestIDMiddleware(RequestBodyLimitMiddleware(opts.APIMaxBodyBytes, h))
	}

	// Session management authenticates by itself.
	mux.Handle("POST /api/setup", public(HandleSetup(opts.Config)))
	mux.Handle("POST /api/session", public(HandleLogin(opts.Config)))
	mux.Handle("DELETE /api/session", public(HandleLogout()))

	authed := http.NewServeMux()
	authed.Handle("GET /api/config", HandleGetConfig(opts.Config))
	authed.Handle("PATCH /api/config", HandlePatchConfig(opts.Config))
	authed.Handle("POST /api/keys", HandleCreateAPIKey(opts.Config))
	authed.Handle("/api/config/", HandleUnknownEndpoint(configEndpoints))

	endpoints := append([]string(nil), configEndpoints...)
	if opts.Analytics != nil {
		authed.Handle("GET /api/analytics/summary", HandleAnalyticsSummary(opts.Analytics))
		authed.Handle("GET /api/analytics/realtime", HandleAnalyticsRealtime(opts.Analytics))
		authed.Handle("GET /api/analytics/recent", HandleAnalyticsRecent(opts.Analytics))
		authed.Handle("/api/analytics/", HandleUnknownEndpoint(analyticsEndpoints))
		endpoints = append(endpoints, analyticsEndpoints...)
	}
	authed.Handle("/api/", HandleUnknownEndpoint(endpoints))

	limitedAuthed := RequestBodyLimitMiddleware(opts.APIMaxBodyBytes, authed)
	mux.Handle("/api/", RequestIDMiddleware(AuthMiddleware(tokens, limitedAuthed)))
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
