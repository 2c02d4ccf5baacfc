package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/upb/llm-router/services/providers"
)

// RetryPolicy configures the outer retry around a whole pipeline call.
// Every outer attempt may walk the full fallback chain again.
type RetryPolicy struct {
	// MaxAttempts counts the first call. 1 disables retries.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1"`

	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" validate:"omitempty,gte=1"`
}

// DefaultRetryPolicy returns a policy that makes a single attempt
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    1,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// backoff returns the wait before outer attempt n, counted from 1
func (p RetryPolicy) backoff(n int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	return time.Duration(d)
}

// CheckAmplification rejects policies whose worst case, outer attempts times
// chain length, exceeds maxTotal. A maxTotal of zero disables the check.
func CheckAmplification(policy RetryPolicy, chainLen, maxTotal int) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	if chainLen < 1 {
		chainLen = 1
	}
	total := attempts * chainLen
	if maxTotal > 0 && total > maxTotal {
		return fmt.Errorf("%w: %d outer attempts x %d backends = %d > %d",
			ErrAmplification, attempts, chainLen, total, maxTotal)
	}
	return nil
}

// WithRetry re-invokes next while it fails with a retryable error. Waits
// honor the provider's RetryAfter when it is longer than the backoff.
func WithRetry(policy RetryPolicy, next Handler) Handler {
	policy = policy.withDefaults()
	return func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
		var lastErr error
		for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
			resp, err := next(ctx, req)
			if err == nil {
				return resp, nil
			}
			lastErr = err
			if attempt == policy.MaxAttempts || !providers.IsRetryable(err) || ctx.Err() != nil {
				break
			}

			wait := policy.backoff(attempt)
			if ra := providers.RetryAfterOf(err); ra > wait {
				wait = ra
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, fmt.Errorf("retry aborted: %w", errors.Join(ctx.Err(), lastErr))
			}
		}
		return nil, lastErr
	}
}
