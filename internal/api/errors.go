package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/Resinat/Lumen/internal/analytics"
	"github.com/Resinat/Lumen/internal/config"
)

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}

// writeServiceError maps config and analytics errors to HTTP response codes.
// Store failures are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	case errors.Is(err, config.ErrInvalidPatch):
		writeInvalidArgument(w, err.Error())
	case errors.Is(err, analytics.ErrUnknownRange):
		writeInvalidArgument(w, "range: must be one of today, yesterday, week")
	default:
		log.Printf("[api] %s: %v", w.Header().Get("X-Request-ID"), err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
