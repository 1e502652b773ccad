package origin

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindOriginRejected ErrorKind = "origin-rejected" // 4xx
	KindOriginFailed   ErrorKind = "origin-failed"   // 5xx and other non-2xx
	KindNetwork        ErrorKind = "network"
	KindOversize       ErrorKind = "oversize"
	KindCanceled       ErrorKind = "canceled"
)

// FetchError is returned by Fetcher.Fetch for every failure.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int   // upstream status for origin-rejected / origin-failed
	Size       int64 // observed size for oversize
	Limit      int64 // configured limit for oversize
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindOriginRejected, KindOriginFailed:
		return fmt.Sprintf("origin: HTTP %d", e.StatusCode)
	case KindOversize:
		return fmt.Sprintf("origin: image size %d exceeds limit %d", e.Size, e.Limit)
	}
	if e.Err != nil {
		return fmt.Sprintf("origin: %s: %v", e.Kind, e.Err)
	}
	return "origin: " + string(e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf returns the kind of a fetch error, or "" when err is not a *FetchError.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// classifyTransportError maps a transport-level failure to a FetchError.
// parentErr is the caller context's error, used to tell a client cancel
// apart from the fetch deadline.
func classifyTransportError(err error, parentErr error) *FetchError {
	if errors.Is(parentErr, context.Canceled) {
		return &FetchError{Kind: KindCanceled, Err: err}
	}
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	return &FetchError{Kind: KindNetwork, Err: err}
}

func statusError(code int) *FetchError {
	if code >= 400 && code < 500 {
		return &FetchError{Kind: KindOriginRejected, StatusCode: code}
	}
	return &FetchError{Kind: KindOriginFailed, StatusCode: code}
}
