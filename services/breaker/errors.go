package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen matches every CircuitOpenError
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError is returned when a breaker denies a call
type CircuitOpenError struct {
	Backend string

	// RetryIn is the remaining cooldown, zero while a half-open trial runs
	RetryIn time.Duration
}

// Error implements the error interface
func (e *CircuitOpenError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("circuit open for %s (retry in %s)", e.Backend, e.RetryIn.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit open for %s", e.Backend)
}

// Is lets errors.Is match ErrCircuitOpen
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsCircuitOpen checks if an error is a breaker denial
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
