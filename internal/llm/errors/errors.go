// Package errors defines the failure taxonomy for the outbound AI call
// path. Every error leaving the resilient client is one of the types
// here, each with a fixed retry classification and HTTP status mapping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorType categorizes outbound call failures for retry classification.
type ErrorType string

const (
	// ErrorTypeRateLimit indicates throttling, local or provider-side (retryable).
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeTimeout indicates a request timeout (retryable).
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeNetwork indicates network connectivity failure (retryable).
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeProvider indicates the provider service is unavailable (retryable).
	ErrorTypeProvider ErrorType = "provider_unavailable"

	// ErrorTypeCapacity indicates the outbound quota stayed exhausted
	// through the whole retry budget (terminal, service-busy class).
	ErrorTypeCapacity ErrorType = "capacity_exhausted"

	// ErrorTypeFormat indicates the provider response failed schema
	// validation (terminal, never retried).
	ErrorTypeFormat ErrorType = "upstream_format"

	// ErrorTypeAuth indicates invalid provider credentials (terminal).
	ErrorTypeAuth ErrorType = "authentication"

	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Sentinel errors for the outbound call path.
var (
	// ErrCapacityExhausted indicates the retry budget ran out while the
	// outbound quota was still unavailable.
	ErrCapacityExhausted = errors.New("outbound capacity exhausted")

	// ErrInvalidResponse indicates the provider returned an unparseable
	// or out-of-schema response.
	ErrInvalidResponse = errors.New("invalid provider response")

	// ErrProviderUnavailable indicates the provider service is down.
	ErrProviderUnavailable = errors.New("provider service unavailable")
)

// RateLimitError reports a throttling decision with retry guidance.
// Scope distinguishes the local token bucket from provider-side limits.
type RateLimitError struct {
	Scope      string `json:"scope"`       // "bucket" or "provider"
	Limit      int    `json:"limit"`       // Applicable limit, if known
	RetryAfter int    `json:"retry_after"` // Seconds to wait before retry
}

// Error returns the formatted rate limit error with retry guidance.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limit exceeded, retry after %ds", e.Scope, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limit exceeded", e.Scope)
}

// GetRetryAfter returns the suggested wait before the next attempt.
func (e *RateLimitError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// ProviderError captures a structured error response from the AI provider.
type ProviderError struct {
	Provider   string    `json:"provider"`
	StatusCode int       `json:"status_code"`
	Message    string    `json:"message"`
	Code       string    `json:"code"`
	Type       ErrorType `json:"type"`
	RetryAfter int       `json:"retry_after"` // Retry-After header value in seconds
}

// Error returns the formatted provider error with status code context.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryable reports whether the provider error warrants another attempt.
func (e *ProviderError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeProvider:
		return true
	default:
		return false
	}
}

// GetRetryAfter returns provider-suggested retry timing, zero if absent.
func (e *ProviderError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// CapacityError is the terminal form of a request that exhausted its
// retry budget against throttling. It maps to a 503-class response: the
// service, not the caller, is out of capacity.
type CapacityError struct {
	Attempts   int           `json:"attempts"`
	Elapsed    time.Duration `json:"elapsed"`
	RetryAfter int           `json:"retry_after"` // Suggested client retry in seconds
	Cause      error         `json:"-"`
}

// Error returns the formatted capacity error with attempt context.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exhausted after %d attempts (%s): %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Cause)
}

// Unwrap returns the last underlying error for errors.Is/As traversal.
func (e *CapacityError) Unwrap() error { return e.Cause }

// FormatError is the terminal form of a provider response that failed
// schema validation. Retrying cannot fix a schema mismatch, so this type
// is always non-retryable and maps to a 502-class response.
type FormatError struct {
	Reason string `json:"reason"`
	Cause  error  `json:"-"`
}

// Error returns the formatted validation failure.
func (e *FormatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream format error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("upstream format error: %s", e.Reason)
}

// Unwrap returns the underlying validation error.
func (e *FormatError) Unwrap() error { return e.Cause }

// IsRetryable reports whether an error warrants another attempt.
// Format, capacity, and authentication failures never retry; throttling
// and transient infrastructure failures always do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var formatErr *FormatError
	if errors.As(err, &formatErr) {
		return false
	}

	var capErr *CapacityError
	if errors.As(err, &capErr) {
		return false // Budget already spent; do not re-enter the retry loop.
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false // Caller is gone; stop immediately.
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Conservative default: unknown errors are not retried.
	return false
}

// RetryAfter extracts provider- or limiter-suggested retry timing from an
// error chain, zero if no guidance is available.
func RetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return rateLimitErr.GetRetryAfter()
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.GetRetryAfter()
	}

	var capErr *CapacityError
	if errors.As(err, &capErr) && capErr.RetryAfter > 0 {
		return time.Duration(capErr.RetryAfter) * time.Second
	}

	return 0
}

// HTTPStatus maps a taxonomy error to its fixed HTTP response class.
// Unrecognized errors map to 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var capErr *CapacityError
	if errors.As(err, &capErr) {
		return http.StatusServiceUnavailable
	}

	var formatErr *FormatError
	if errors.As(err, &formatErr) {
		return http.StatusBadGateway
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return http.StatusTooManyRequests
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}
