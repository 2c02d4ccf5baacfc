package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind categorizes adapter failures for routing decisions
type ErrorKind string

const (
	KindNetwork        ErrorKind = "network"
	KindTimeout        ErrorKind = "timeout"
	KindRateLimit      ErrorKind = "rate_limit"
	KindAuthentication ErrorKind = "authentication"
	KindValidation     ErrorKind = "validation"
	KindProvider       ErrorKind = "provider"
	KindCancelled      ErrorKind = "cancelled"
)

// ProviderError represents an error from a backend
type ProviderError struct {
	Kind ErrorKind

	// Provider (backend name) that generated the error
	Provider string

	// Code is the provider's error code, if any
	Code string

	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// RetryAfter is the provider-supplied delay for rate limits
	RetryAfter time.Duration

	// Fatal marks a provider error that must not be retried
	Fatal bool

	// RequestID of the logical call, set by the router
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s error from %s: %s", e.Kind, e.Provider, e.Message)
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	if e.Cause != nil && e.Cause.Error() != e.Message {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the router may try another backend
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimit:
		return true
	case KindProvider:
		return !e.Fatal
	default:
		return false
	}
}

// NewProviderError creates a generic provider-side error
func NewProviderError(provider, code, message string, statusCode int, fatal bool, cause error) *ProviderError {
	return &ProviderError{
		Kind:       KindProvider,
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Fatal:      fatal,
		Cause:      cause,
	}
}

// NewNetworkError creates a retryable transport error
func NewNetworkError(provider, message string, cause error) *ProviderError {
	return &ProviderError{Kind: KindNetwork, Provider: provider, Message: message, Cause: cause}
}

// NewTimeoutError creates a retryable timeout error
func NewTimeoutError(provider, message string, cause error) *ProviderError {
	return &ProviderError{Kind: KindTimeout, Provider: provider, Message: message, Cause: cause}
}

// NewRateLimitError creates a retryable rate limit error
func NewRateLimitError(provider, message string, retryAfter time.Duration) *ProviderError {
	return &ProviderError{
		Kind:       KindRateLimit,
		Provider:   provider,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// NewAuthenticationError creates a non-retryable credential error
func NewAuthenticationError(provider, message string, statusCode int) *ProviderError {
	return &ProviderError{Kind: KindAuthentication, Provider: provider, Message: message, StatusCode: statusCode}
}

// NewValidationError creates a non-retryable request error
func NewValidationError(provider, message string) *ProviderError {
	return &ProviderError{Kind: KindValidation, Provider: provider, Message: message, StatusCode: http.StatusBadRequest}
}

// NewCancelledError records that the caller abandoned the call
func NewCancelledError(provider string, cause error) *ProviderError {
	return &ProviderError{Kind: KindCancelled, Provider: provider, Message: "request cancelled", Cause: cause}
}

// FromStatus maps an HTTP error status onto the taxonomy
func FromStatus(provider string, statusCode int, message string, retryAfter time.Duration) *ProviderError {
	var err *ProviderError
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		err = NewAuthenticationError(provider, message, statusCode)
	case statusCode == http.StatusTooManyRequests:
		err = NewRateLimitError(provider, message, retryAfter)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		err = NewTimeoutError(provider, message, nil)
	case statusCode >= 500:
		err = NewProviderError(provider, "", message, statusCode, false, nil)
	case statusCode >= 400:
		err = NewValidationError(provider, message)
	default:
		err = NewProviderError(provider, "", message, statusCode, true, nil)
	}
	err.StatusCode = statusCode
	return err
}

// ParseRetryAfter reads a Retry-After header value in seconds or HTTP-date form
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// Classify converts an arbitrary adapter error into a *ProviderError.
// Errors that already carry a kind are returned unchanged.
func Classify(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError(provider, "deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return NewCancelledError(provider, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTimeoutError(provider, "network timeout", err)
		}
		return NewNetworkError(provider, "network failure", err)
	}
	return NewProviderError(provider, "", err.Error(), 0, false, err)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable()
	}
	return false
}

// KindOf returns the error kind, or empty when err is not a ProviderError
func KindOf(err error) ErrorKind {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Kind
	}
	return ""
}

// RetryAfterOf returns the provider-supplied retry delay carried by err
func RetryAfterOf(err error) time.Duration {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.RetryAfter
	}
	return 0
}
