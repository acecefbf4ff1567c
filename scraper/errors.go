package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"rc_tracker/auth"
)

type ErrorKind string

const (
	ErrUpstreamUnavailable ErrorKind = "upstream_unavailable"
	ErrAuthExpired         ErrorKind = "auth_expired"
	ErrSelectorMismatch    ErrorKind = "selector_mismatch"
	ErrRateLimited         ErrorKind = "rate_limited"
)

// FetchError is returned by adapters. Message is safe to show to users; the
// wrapped Err may carry upstream detail and is only logged.
type FetchError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FetchError) Unwrap() error { return e.Err }

func fetchErr(kind ErrorKind, message string, err error) *FetchError {
	return &FetchError{Kind: kind, Message: message, Err: err}
}

// statusError maps an unexpected HTTP status to a FetchError.
func statusError(host string, status int) *FetchError {
	msg := fmt.Sprintf("%s returned HTTP %d", host, status)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fetchErr(ErrAuthExpired, msg, nil)
	case status == http.StatusTooManyRequests:
		return fetchErr(ErrRateLimited, msg, nil)
	default:
		return fetchErr(ErrUpstreamUnavailable, msg, nil)
	}
}

// AsFetchError normalizes any adapter or session error into a FetchError.
func AsFetchError(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	var ae *auth.Error
	if errors.As(err, &ae) {
		if ae.Rejected {
			return fetchErr(ErrAuthExpired, fmt.Sprintf("login for %s was rejected", ae.Scope), err)
		}
		return fetchErr(ErrUpstreamUnavailable, fmt.Sprintf("login for %s failed", ae.Scope), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fetchErr(ErrUpstreamUnavailable, "request timed out", err)
	}
	return fetchErr(ErrUpstreamUnavailable, "request failed", err)
}

// ConcurrencyError is returned when a run is requested while one is active.
type ConcurrencyError struct {
	Kind string
}

func (e *ConcurrencyError) Error() string {
	return "a run is already in progress"
}

var ErrAlreadyRunning = &ConcurrencyError{Kind: "already_running"}
