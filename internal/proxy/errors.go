// Package proxy implements the image request pipeline: access checks,
// target validation, edge cache lookup, origin fetch and response
// assembly, with a placeholder image for every failure.
package proxy

import (
	"net/http"

	"github.com/Resinat/Lumen/internal/access"
	"github.com/Resinat/Lumen/internal/origin"
)

// Failure is a structured pipeline failure rendered as the placeholder
// image.
type Failure struct {
	HTTPCode int
	Code     string // X-Proxy-Error header value
	Message  string // X-Proxy-Message header value
}

// Predefined failures.
var (
	ErrNoKey = &Failure{
		HTTPCode: http.StatusForbidden,
		Code:     "no-key",
		Message:  "access denied: missing API key",
	}
	ErrInvalidKey = &Failure{
		HTTPCode: http.StatusForbidden,
		Code:     "invalid-key",
		Message:  "access denied: invalid API key",
	}
	ErrRefererDenied = &Failure{
		HTTPCode: http.StatusForbidden,
		Code:     "referer-not-allowed",
		Message:  "access denied: authorized sites only",
	}
	ErrDomainDenied = &Failure{
		HTTPCode: http.StatusForbidden,
		Code:     "domain-not-allowed",
		Message:  "image domain is not allowed",
	}
	ErrInvalidURL = &Failure{
		HTTPCode: http.StatusBadRequest,
		Code:     "invalid-url",
		Message:  "invalid image URL",
	}
	ErrUnsupportedScheme = &Failure{
		HTTPCode: http.StatusBadRequest,
		Code:     "unsupported-scheme",
		Message:  "only http and https image URLs are supported",
	}
	ErrTimeout = &Failure{
		HTTPCode: http.StatusInternalServerError,
		Code:     "timeout",
		Message:  "request timed out",
	}
	ErrOriginRejected = &Failure{
		HTTPCode: http.StatusInternalServerError,
		Code:     "origin-rejected",
		Message:  "origin rejected the image",
	}
	ErrOriginFailed = &Failure{
		HTTPCode: http.StatusInternalServerError,
		Code:     "origin-failed",
		Message:  "origin server error",
	}
	ErrLoadFailed = &Failure{
		HTTPCode: http.StatusInternalServerError,
		Code:     "load-failed",
		Message:  "image load failed",
	}
	ErrOversize = &Failure{
		HTTPCode: http.StatusInternalServerError,
		Code:     "oversize",
		Message:  "image exceeds size limit",
	}
	ErrInternal = &Failure{
		HTTPCode: http.StatusInternalServerError,
		Code:     "internal",
		Message:  "internal proxy error",
	}
)

// failureForDecision maps an access denial to its failure. It returns nil
// for allowed decisions.
func failureForDecision(d access.Decision) *Failure {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case access.ReasonNoKey:
		return ErrNoKey
	case access.ReasonInvalidKey:
		return ErrInvalidKey
	case access.ReasonRefererNotAllowed, access.ReasonInvalidReferer:
		return ErrRefererDenied
	case access.ReasonDomainNotAllowed:
		return ErrDomainDenied
	case access.ReasonInvalidURL:
		return ErrInvalidURL
	case access.ReasonUnsupportedScheme:
		return ErrUnsupportedScheme
	default:
		return ErrInternal
	}
}

// failureForFetch maps an origin fetch error to its failure. It returns
// nil when the caller went away, since nobody is left to answer.
func failureForFetch(err error) *Failure {
	switch origin.KindOf(err) {
	case origin.KindCanceled:
		return nil
	case origin.KindTimeout:
		return ErrTimeout
	case origin.KindOriginRejected:
		return ErrOriginRejected
	case origin.KindOriginFailed:
		return ErrOriginFailed
	case origin.KindOversize:
		return ErrOversize
	case origin.KindNetwork:
		return ErrLoadFailed
	default:
		return ErrInternal
	}
}
