// Package api implements the HTTP surface of Lumen: health and info
// endpoints, the admin configuration API and analytics reports. The image
// proxy pipeline is mounted as the fallback handler.
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standard error response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// Envelope wraps analytics reports.
type Envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
	Meta    Meta `json:"meta"`
}

// Meta describes an enveloped response.
type Meta struct {
	TimeRange   string `json:"time_range,omitempty"`
	GeneratedAt string `json:"generated_at"`
	RequestID   string `json:"request_id"`
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, timeRange string, data any) {
	WriteJSON(w, http.StatusOK, Envelope{
		Success: true,
		Data:    data,
		Meta: Meta{
			TimeRange:   timeRange,
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
			RequestID:   RequestID(r),
		},
	})
}
