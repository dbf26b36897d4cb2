package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedpack/internal/fetcher"
	"feedpack/internal/packager"
	"feedpack/internal/workspace"
)

// Kind classifies a failed download.
type Kind int

const (
	KindInternal Kind = iota
	KindRateLimited
	KindResource
	KindNotFound
	KindUnauthorized
	KindGone
	KindUpstreamThrottled
	KindTimeout
	KindCanceled
	KindPackaging
	KindFetchFailed
	KindInvalidRequest
)

var kindCodes = map[Kind]string{
	KindInternal:          "INTERNAL_ERROR",
	KindRateLimited:       "RATE_LIMITED",
	KindResource:          "RESOURCE_ERROR",
	KindNotFound:          "NOT_FOUND",
	KindUnauthorized:      "UNAUTHORIZED",
	KindGone:              "GONE",
	KindUpstreamThrottled: "UPSTREAM_RATE_LIMITED",
	KindTimeout:           "TIMEOUT",
	KindCanceled:          "CANCELLED",
	KindPackaging:         "PACKAGING_ERROR",
	KindFetchFailed:       "FETCH_FAILED",
	KindInvalidRequest:    "INVALID_REQUEST",
}

// Code is the stable machine-readable identifier for k.
func (k Kind) Code() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindInternal]
}

func (k Kind) String() string { return k.Code() }

// Error is the only error type Run returns.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter is set for KindRateLimited and KindUpstreamThrottled.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != e.Err.Error() {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the stable code of e's kind.
func (e *Error) Code() string { return e.Kind.Code() }

// Retryable reports whether repeating the request later might succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNotFound, KindUnauthorized, KindGone, KindInvalidRequest:
		return false
	default:
		return true
	}
}

// AsError extracts a *Error from err's chain, classifying anything else as
// internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// classifyFetch maps a fetcher failure onto the taxonomy.
func classifyFetch(err error, target string) *Error {
	var throttled *fetcher.ThrottledError
	switch {
	case errors.As(err, &throttled):
		e := newError(KindUpstreamThrottled, "the content platform is rate limiting requests, try again later", err)
		e.RetryAfter = throttled.RetryAfter
		return e
	case errors.Is(err, fetcher.ErrNotFound):
		return newError(KindNotFound, fmt.Sprintf("%s was not found", target), err)
	case errors.Is(err, fetcher.ErrPrivate):
		return newError(KindUnauthorized, fmt.Sprintf("%s is private", target), err)
	case errors.Is(err, fetcher.ErrLoginRequired):
		return newError(KindUnauthorized, "the content platform requires a login for this request", err)
	case errors.Is(err, fetcher.ErrSuspended):
		return newError(KindGone, fmt.Sprintf("%s has been suspended or removed", target), err)
	case errors.Is(err, fetcher.ErrInvalidTarget):
		return newError(KindInvalidRequest, err.Error(), err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, "download timed out", err)
	case errors.Is(err, workspace.ErrUnavailable):
		return newError(KindResource, "workspace unavailable", err)
	default:
		return newError(KindFetchFailed, "download failed", err)
	}
}

func classifyPackaging(err error) *Error {
	if errors.Is(err, packager.ErrEmptyResult) {
		return newError(KindNotFound, "nothing was retrievable", err)
	}
	return newError(KindPackaging, "could not package the download", err)
}

// classifyAbort reports why ctx ended: its own deadline is a timeout, a
// cancelled parent means the client went away.
func classifyAbort(ctx context.Context, msg string, err error) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, msg, err)
	}
	return newError(KindCanceled, "request cancelled", err)
}
