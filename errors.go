package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// Kind discriminates the failure categories the layer cares about.
// It is computed once at the boundary where an operation fails and
// carried on Error so downstream components (retry predicate, breaker,
// reporter) never re-inspect transport details.
type Kind string

const (
	// KindNetwork covers connection-level failures (refused, reset).
	KindNetwork Kind = "network"

	// KindDNS covers name resolution failures.
	KindDNS Kind = "dns"

	// KindTimeout covers deadline and i/o timeout failures.
	KindTimeout Kind = "timeout"

	// KindServer covers 5xx-equivalent upstream failures.
	KindServer Kind = "server"

	// KindRateLimited covers 429-equivalent throttling responses.
	KindRateLimited Kind = "rate_limited"

	// KindClient covers non-retryable 4xx failures.
	KindClient Kind = "client"

	// KindValidation covers request validation failures.
	KindValidation Kind = "validation"

	// KindAuth covers authentication and authorization failures.
	KindAuth Kind = "auth"

	// KindCircuitOpen marks the synthetic error raised by an open breaker.
	KindCircuitOpen Kind = "circuit_open"

	// KindUnknown is used when no classification applies.
	KindUnknown Kind = "unknown"
)

// Sentinel errors raised by the circuit breaker itself. They are wrapped
// into jp-go-errors circuit breaker errors so callers can match either way.
var (
	// ErrCircuitOpen is returned when a call is rejected because the
	// breaker for its key is in the open state.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrTooManyProbes is returned when a half-open breaker has already
	// admitted its full budget of probe calls.
	ErrTooManyProbes = errors.New("too many half-open probes")
)

// Error is the tagged error type used throughout the layer. It replaces
// heterogeneous error shapes (HTTP responses, raw errors, custom objects)
// with a single discriminated form.
type Error struct {
	// Kind is the failure category, computed at the boundary.
	Kind Kind

	// Code is the HTTP-like status code, or 0 when not applicable.
	Code int

	// Message is a human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%s, status %d)", e.Message, e.Kind, e.Code)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// StatusCode returns the HTTP-like status code.
// This implements the HTTPError interface.
func (e *Error) StatusCode() int {
	return e.Code
}

// NewError creates a tagged Error wrapping cause.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewHTTPError creates a tagged Error from an HTTP-like status code,
// classifying the kind from the code.
func NewHTTPError(statusCode int, message string, cause error) *Error {
	return &Error{
		Kind:    kindForStatus(statusCode),
		Code:    statusCode,
		Message: message,
		Cause:   cause,
	}
}

// HTTPError represents an error with an associated HTTP status code.
// Many HTTP client libraries provide errors that implement this interface.
type HTTPError interface {
	error
	StatusCode() int
}

// StatusCodeError wraps an error with an HTTP status code.
// Use this when you need to add status code information to an existing error.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
// This implements the HTTPError interface.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
// This is useful when wrapping errors from systems that don't provide status codes.
//
// Example:
//
//	err := doRequest()
//	if err != nil {
//	    return resilience.NewStatusCodeError(http.StatusServiceUnavailable, err)
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}

// Classify computes the Kind of an arbitrary error. Tagged errors keep
// their kind; everything else is classified from status codes, sentinel
// errors, and the shape of the underlying network error.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyProbes) {
		return KindCircuitOpen
	}

	// Deadline errors are timeouts from the caller's point of view.
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return KindRateLimited
	}
	if pkgerrors.IsTimeout(err) {
		return KindTimeout
	}

	if code := ExtractStatusCode(err); code != 0 {
		return kindForStatus(code)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return KindNetwork
	}

	return KindUnknown
}

// kindForStatus maps an HTTP-like status code to a Kind.
func kindForStatus(code int) Kind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 408:
		return KindTimeout
	case code == 422:
		return KindValidation
	case code == 429:
		return KindRateLimited
	case code >= 500:
		return KindServer
	case code >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}

// ExtractStatusCode attempts to extract an HTTP status code from various error types.
// Returns 0 when the error carries no status code.
func ExtractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// DefaultRetryPredicate decides whether an error is worth retrying:
// network-layer failures, timeouts, rate limits, and server (5xx plus
// 408/429) failures are; auth, validation, other 4xx, circuit-open, and
// caller cancellation are not. Unknown errors are treated as retryable,
// matching the assumption that unclassified failures are most often
// transient network issues.
func DefaultRetryPredicate(err error) bool {
	if err == nil {
		return false
	}

	// A canceled or expired parent context fails every later attempt too.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch Classify(err) {
	case KindNetwork, KindDNS, KindTimeout, KindServer, KindRateLimited:
		return true
	case KindAuth, KindValidation, KindClient, KindCircuitOpen:
		return false
	default:
		return true
	}
}

// DefaultTripPredicate decides whether a failure counts against a circuit
// breaker's failure budget. Rate limits, validation, and other client
// errors do not; rejections raised by the breaker itself never do.
func DefaultTripPredicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case KindCircuitOpen, KindRateLimited, KindValidation, KindClient:
		return false
	default:
		return true
	}
}
