package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Resinat/Lumen/internal/analytics"
)

// AnalyticsReader serves aggregated reports.
type AnalyticsReader interface {
	Summary(ctx context.Context, rng string, now time.Time) (*analytics.SummaryReport, error)
	Realtime(ctx context.Context, now time.Time) (*analytics.RealtimeReport, error)
	Recent(ctx context.Context, now time.Time, hours int) (*analytics.RecentReport, error)
}

var analyticsEndpoints = []string{
	"/api/analytics/summary?range=today|yesterday|week",
	"/api/analytics/realtime",
	"/api/analytics/recent?hours=N",
}

var configEndpoints = []string{
	"GET /api/config",
	"PATCH /api/config",
	"POST /api/keys",
}

// HandleAnalyticsSummary returns a handler for GET /api/analytics/summary.
func HandleAnalyticsSummary(reader AnalyticsReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rng := r.URL.Query().Get("range")
		if rng == "" {
			rng = analytics.RangeToday
		}
		report, err := reader.Summary(r.Context(), rng, time.Now())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Cache-Control", "max-age=60")
		writeEnvelope(w, r, rng, report)
	}
}

// HandleAnalyticsRealtime returns a handler for GET /api/analytics/realtime.
func HandleAnalyticsRealtime(reader AnalyticsReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := reader.Realtime(r.Context(), time.Now())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		writeEnvelope(w, r, "", report)
	}
}

// HandleAnalyticsRecent returns a handler for GET /api/analytics/recent.
// hours defaults to 24 and is clamped by the aggregator.
func HandleAnalyticsRecent(reader AnalyticsReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours, err := ParseIntQuery(r, "hours", 24)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		report, err := reader.Recent(r.Context(), time.Now(), hours)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		writeEnvelope(w, r, "", report)
	}
}

type endpointListResponse struct {
	Error     ErrorDetail `json:"error"`
	Endpoints []string    `json:"endpoints"`
	RequestID string      `json:"request_id"`
}

// HandleUnknownEndpoint answers unsupported paths under an API prefix
// with 404 and the list of supported endpoints.
func HandleUnknownEndpoint(endpoints []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusNotFound, endpointListResponse{
			Error:     ErrorDetail{Code: "NOT_FOUND", Message: "unsupported endpoint " + r.URL.Path},
			Endpoints: endpoints,
			RequestID: RequestID(r),
		})
	}
}
