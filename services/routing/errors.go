package routing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/upb/llm-router/services/providers"
)

var (
	// ErrNoBackends is returned when no backend is registered
	ErrNoBackends = errors.New("no backends registered")

	// ErrUnknownBackend is returned when a request or option names an unregistered backend
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrNoEligibleBackend is returned when no backend meets the request's hard requirements
	ErrNoEligibleBackend = errors.New("no eligible backend")

	// ErrChainExhausted is returned when every backend in the fallback chain failed or was skipped
	ErrChainExhausted = errors.New("fallback chain exhausted")

	// ErrInvalidRequest is returned for requests the router cannot route at all
	ErrInvalidRequest = errors.New("invalid request")

	// ErrDispatchFailed matches every DispatchError
	ErrDispatchFailed = errors.New("parallel dispatch failed")
)

// RouterError is returned by every Router operation that fails
type RouterError struct {
	RequestID string

	// Reason is one of the package sentinels, or nil when the call was
	// aborted by a non-retryable backend error
	Reason error

	// Attempts made before failing, in order
	Attempts []providers.Attempt

	// LastErr is the last backend error observed
	LastErr error
}

// Error implements the error interface
func (e *RouterError) Error() string {
	var b strings.Builder
	b.WriteString("routing failed")
	if e.RequestID != "" {
		b.WriteString(" (request ")
		b.WriteString(e.RequestID)
		b.WriteString(")")
	}
	if e.Reason != nil {
		b.WriteString(": ")
		b.WriteString(e.Reason.Error())
	}
	if e.LastErr != nil {
		b.WriteString(": ")
		b.WriteString(e.LastErr.Error())
	}
	if n := len(e.Attempts); n > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", n)
	}
	return b.String()
}

// Unwrap exposes both the sentinel reason and the last backend error
func (e *RouterError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Reason != nil {
		errs = append(errs, e.Reason)
	}
	if e.LastErr != nil {
		errs = append(errs, e.LastErr)
	}
	return errs
}

// ErrorCode returns a stable machine-readable code
func (e *RouterError) ErrorCode() string {
	switch {
	case errors.Is(e.Reason, ErrChainExhausted):
		return "chain_exhausted"
	case errors.Is(e.Reason, ErrNoBackends):
		return "no_backends"
	case errors.Is(e.Reason, ErrUnknownBackend):
		return "unknown_backend"
	case errors.Is(e.Reason, ErrNoEligibleBackend):
		return "no_eligible_backend"
	case errors.Is(e.Reason, ErrInvalidRequest):
		return "invalid_request"
	}
	if kind := providers.KindOf(e.LastErr); kind != "" {
		return string(kind)
	}
	return "routing_failed"
}

func newRouterError(req *providers.ChatRequest, reason error, attempts []providers.Attempt, lastErr error) *RouterError {
	e := &RouterError{
		Reason:   reason,
		Attempts: append([]providers.Attempt(nil), attempts...),
		LastErr:  lastErr,
	}
	if req != nil {
		e.RequestID = req.Metadata.RequestID
	}
	return e
}

// DispatchError is returned by DispatchParallel when no backend succeeded
type DispatchError struct {
	RequestID string
	Failures  []BackendFailure
}

// Error implements the error interface
func (e *DispatchError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Backend+": "+f.Error)
	}
	return fmt.Sprintf("parallel dispatch failed (request %s): %s", e.RequestID, strings.Join(parts, "; "))
}

// Is lets errors.Is match ErrDispatchFailed
func (e *DispatchError) Is(target error) bool {
	return target == ErrDispatchFailed
}

// ErrorCode returns a stable machine-readable code
func (e *DispatchError) ErrorCode() string {
	return "dispatch_failed"
}

// IsRouterError checks if an error came from the router
func IsRouterError(err error) bool {
	var re *RouterError
	return errors.As(err, &re)
}
