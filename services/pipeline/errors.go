package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/upb/llm-router/services/providers"
)

// Phase identifies which hook of a middleware failed
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// MiddlewareError wraps a failure raised by a middleware hook
type MiddlewareError struct {
	Name      string
	Phase     Phase
	RequestID string
	Err       error
}

// Error implements the error interface
func (e *MiddlewareError) Error() string {
	msg := fmt.Sprintf("middleware %s failed in %s phase", e.Name, e.Phase)
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *MiddlewareError) Unwrap() error {
	return e.Err
}

// ErrorCode returns a stable machine-readable code
func (e *MiddlewareError) ErrorCode() string {
	var rl *RateLimitError
	if errors.As(e.Err, &rl) {
		return "rate_limited"
	}
	if kind := providers.KindOf(e.Err); kind != "" {
		return string(kind)
	}
	return "middleware_error"
}

// RateLimitError is returned by RateLimitMiddleware when a key is over its limit
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded for %q, retry in %s", e.Key, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("rate limit exceeded for %q", e.Key)
}

// IsRateLimited reports whether err carries a RateLimitError
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// ErrAmplification is returned when outer retries times the fallback chain
// exceed the configured attempt budget
var ErrAmplification = errors.New("retry amplification exceeds max total attempts")

// shortCircuit carries a response produced by a request hook
type shortCircuit struct {
	resp *providers.ChatResponse
}

func (s *shortCircuit) Error() string {
	return "pipeline short-circuited"
}

// Respond lets a request hook answer without calling the handler. Return it
// as the hook's error.
func Respond(resp *providers.ChatResponse) error {
	return &shortCircuit{resp: resp}
}
