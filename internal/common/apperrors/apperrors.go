// Package apperrors provides the error taxonomy shared by every component
// that surfaces a failure across the HTTP boundary.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error categories from the error handling design.
type Kind string

const (
	KindConfig           Kind = "CONFIG_ERROR"
	KindRuntime          Kind = "RUNTIME_ERROR"
	KindHook             Kind = "HOOK_ERROR"
	KindProbe            Kind = "PROBE_ERROR"
	KindCircuitOpen      Kind = "CIRCUIT_OPEN"
	KindCapacityExceeded Kind = "CAPACITY_EXCEEDED"
	KindNotAuthenticated Kind = "NOT_AUTHENTICATED"
	KindUpstream         Kind = "UPSTREAM_ERROR"
	KindTransient        Kind = "TRANSIENT"
	KindNotFound         Kind = "NOT_FOUND"
	KindInternal         Kind = "INTERNAL_ERROR"
)

// AppError is the structured error type that crosses the Router/Proxy and
// Session Multiplexer HTTP boundary. ShortCode is the stable, client-facing
// identifier the spec requires (e.g. "room_not_found"); Message is for
// humans and is secondary.
type AppError struct {
	Kind       Kind
	ShortCode  string
	Message    string
	HTTPStatus int
	RetryAfter int // seconds; 0 means absent
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s(%s): %s: %v", e.Kind, e.ShortCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s(%s): %s", e.Kind, e.ShortCode, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func newErr(kind Kind, shortCode, message string, status int, err error) *AppError {
	return &AppError{Kind: kind, ShortCode: shortCode, Message: message, HTTPStatus: status, Err: err}
}

// Config builds a ConfigError — fatal at startup per §7.
func Config(shortCode, message string, err error) *AppError {
	return newErr(KindConfig, shortCode, message, http.StatusInternalServerError, err)
}

// Runtime builds a RuntimeError — retryable per Supervisor policy.
func Runtime(shortCode, message string, err error) *AppError {
	return newErr(KindRuntime, shortCode, message, http.StatusBadGateway, err)
}

// Hook builds a HookError — install/postinstall/hosthook non-zero exit.
func Hook(shortCode, message string, err error) *AppError {
	return newErr(KindHook, shortCode, message, http.StatusInternalServerError, err)
}

// Probe builds a ProbeError — script missing, unsafe name, or timeout.
func Probe(shortCode, message string, err error) *AppError {
	return newErr(KindProbe, shortCode, message, http.StatusInternalServerError, err)
}

// CircuitOpen builds the error surfaced as an event and as HTTP 503 when a
// circuit-open entry is routed to.
func CircuitOpen(name string, cooldownRemaining int) *AppError {
	e := newErr(KindCircuitOpen, "circuit_open", fmt.Sprintf("%s: circuit open, retry later", name), http.StatusServiceUnavailable, nil)
	e.RetryAfter = cooldownRemaining
	return e
}

// CapacityExceeded builds the 429/503 session-cap error with Retry-After.
func CapacityExceeded(shortCode, message string, status, retryAfter int) *AppError {
	e := newErr(KindCapacityExceeded, shortCode, message, status, nil)
	e.RetryAfter = retryAfter
	return e
}

// NotAuthenticated builds a 401 for API callers (browser callers are
// redirected by the caller, not here).
func NotAuthenticated(shortCode, message string) *AppError {
	return newErr(KindNotAuthenticated, shortCode, message, http.StatusUnauthorized, nil)
}

// Upstream builds an UpstreamError — the proxy target refused or returned 5xx.
func Upstream(shortCode, message string, status int, err error) *AppError {
	return newErr(KindUpstream, shortCode, message, status, err)
}

// NotFound builds a 404.
func NotFound(resource, id string) *AppError {
	return newErr(KindNotFound, "not_found", fmt.Sprintf("%s %q not found", resource, id), http.StatusNotFound, nil)
}

// Internal wraps an unexpected error as a 500.
func Internal(shortCode, message string, err error) *AppError {
	return newErr(KindInternal, shortCode, message, http.StatusInternalServerError, err)
}

// IsKind reports whether err is an *AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// HTTPStatus returns the HTTP status for err, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
