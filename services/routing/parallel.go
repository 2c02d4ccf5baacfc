package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/upb/llm-router/services/breaker"
	"github.com/upb/llm-router/services/providers"
)

// ParallelStrategy decides when a parallel dispatch returns
type ParallelStrategy string

const (
	// ParallelAll waits for every backend
	ParallelAll ParallelStrategy = "all"

	// ParallelFirst returns on the first success
	ParallelFirst ParallelStrategy = "first"

	// ParallelFastest returns on the first success within the timeout and cancels the rest
	ParallelFastest ParallelStrategy = "fastest"

	// ParallelCustom waits for every backend and lets an Aggregator pick the response
	ParallelCustom ParallelStrategy = "custom"
)

// BackendResult is one settled parallel task, as seen by an Aggregator
type BackendResult struct {
	Backend   string
	Response  *providers.ChatResponse
	Err       error
	LatencyMs int64
	Skipped   bool
}

// Aggregator builds the primary response from every settled task
type Aggregator func(ctx context.Context, results []BackendResult) (*providers.ChatResponse, error)

// ParallelOptions configures one parallel dispatch
type ParallelOptions struct {
	// Backends to call. Empty means every registered backend.
	Backends []string

	Strategy ParallelStrategy

	// Timeout bounds the whole dispatch. Zero means no bound, except for
	// fastest which then uses the router's attempt timeout.
	Timeout time.Duration

	// CancelOnFirstSuccess cancels losing tasks under the first strategy
	CancelOnFirstSuccess bool

	// Aggregator is required by the custom strategy
	Aggregator Aggregator
}

// BackendResponse is one successful backend call
type BackendResponse struct {
	Backend   string                  `json:"backend"`
	Response  *providers.ChatResponse `json:"response"`
	LatencyMs int64                   `json:"latency_ms"`
}

// BackendFailure is one backend that did not produce a response
type BackendFailure struct {
	Backend string `json:"backend"`
	Error   string `json:"error"`

	// Skipped is true when the breaker denied the call
	Skipped bool `json:"skipped,omitempty"`
}

// ParallelResult is the outcome of one parallel dispatch
type ParallelResult struct {
	RequestID          string                  `json:"request_id"`
	Strategy           ParallelStrategy        `json:"strategy"`
	PrimaryResponse    *providers.ChatResponse `json:"primary_response,omitempty"`
	AllResponses       []BackendResponse       `json:"all_responses"`
	SuccessfulBackends []string                `json:"successful_backends"`
	FailedBackends     []BackendFailure        `json:"failed_backends"`
	SkippedBackends    []string                `json:"skipped_backends,omitempty"`
	CancelledBackends  []string                `json:"cancelled_backends,omitempty"`
	TotalTimeMs        int64                   `json:"total_time_ms"`
}

// DispatchParallel calls several backends concurrently. Each task is one
// breaker-gated call with no fallback.
func (r *Router) DispatchParallel(ctx context.Context, req *providers.ChatRequest, opts ParallelOptions) (*ParallelResult, error) {
	req, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	if opts.Strategy == "" {
		opts.Strategy = ParallelAll
	}
	switch opts.Strategy {
	case ParallelAll, ParallelFirst, ParallelFastest:
	case ParallelCustom:
		if opts.Aggregator == nil {
			return nil, newRouterError(req, ErrInvalidRequest, nil, errors.New("custom parallel strategy requires an aggregator"))
		}
	default:
		return nil, newRouterError(req, ErrInvalidRequest, nil, fmt.Errorf("unknown parallel strategy %q", opts.Strategy))
	}

	backends, err := r.parallelBackends(req, opts.Backends)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if opts.Strategy == ParallelFastest && timeout <= 0 {
		timeout = r.cfg.AttemptTimeout
	}

	start := time.Now()
	dispatchCtx, cancelDispatch := withOptionalTimeout(ctx, timeout)
	defer cancelDispatch()

	// Under first without cancellation, losers outlive the dispatch
	taskCtx, cancelTasks := dispatchCtx, context.CancelFunc(func() {})
	detached := opts.Strategy == ParallelFirst && !opts.CancelOnFirstSuccess
	if detached {
		taskCtx, cancelTasks = withOptionalTimeout(context.WithoutCancel(ctx), r.cfg.AttemptTimeout)
	}

	results := make(chan BackendResult, len(backends))
	label := Strategy("parallel_" + string(opts.Strategy))
	for _, name := range backends {
		go func() {
			results <- r.runTask(taskCtx, name, req, label)
		}()
	}

	settled := make(map[string]BackendResult, len(backends))
	returnEarly := opts.Strategy == ParallelFirst || opts.Strategy == ParallelFastest

collect:
	for len(settled) < len(backends) {
		select {
		case res := <-results:
			settled[res.Backend] = res
			if returnEarly && res.Err == nil {
				break collect
			}
		case <-dispatchCtx.Done():
			break collect
		}
	}

	pending := len(backends) - len(settled)
	if detached {
		// Release the task context once every loser has settled
		go func() {
			for i := 0; i < pending; i++ {
				<-results
			}
			cancelTasks()
		}()
	} else {
		cancelTasks()
	}

	out := r.assemble(req, opts, backends, settled, dispatchCtx.Err(), returnEarly, detached)
	out.TotalTimeMs = time.Since(start).Milliseconds()

	// The aggregator sees failures too, so under custom its answer decides
	// success rather than the per-backend outcomes
	succeeded := len(out.SuccessfulBackends) > 0
	if opts.Strategy == ParallelCustom {
		ordered := make([]BackendResult, 0, len(backends))
		for _, name := range backends {
			if res, ok := settled[name]; ok {
				ordered = append(ordered, res)
			}
		}
		primary, aggErr := opts.Aggregator(ctx, ordered)
		if aggErr != nil {
			return out, newRouterError(req, nil, nil, fmt.Errorf("aggregator: %w", aggErr))
		}
		out.PrimaryResponse = primary
		succeeded = primary != nil
	}

	r.logger.Info("parallel dispatch finished",
		zap.String("request_id", req.Metadata.RequestID),
		zap.String("strategy", string(opts.Strategy)),
		zap.Int("backends", len(backends)),
		zap.Int("successful", len(out.SuccessfulBackends)),
		zap.Int64("total_time_ms", out.TotalTimeMs),
	)

	if !succeeded {
		return out, &DispatchError{RequestID: req.Metadata.RequestID, Failures: out.FailedBackends}
	}
	return out, nil
}

// parallelBackends validates and deduplicates the requested backends
func (r *Router) parallelBackends(req *providers.ChatRequest, requested []string) ([]string, error) {
	if len(requested) == 0 {
		requested = r.registry.Names()
	}
	if len(requested) == 0 {
		return nil, newRouterError(req, ErrNoBackends, nil, nil)
	}

	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		if _, err := r.registry.Get(name); err != nil {
			return nil, newRouterError(req, ErrUnknownBackend, nil, fmt.Errorf("backend %q", name))
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

// runTask makes one call and converts a panic into a failure
func (r *Router) runTask(ctx context.Context, name string, req *providers.ChatRequest, label Strategy) BackendResult {
	res := BackendResult{Backend: name}
	start := time.Now()

	var pc panics.Catcher
	pc.Try(func() {
		res.Response, res.Err = r.executeOn(ctx, name, req, label)
	})
	if rec := pc.Recovered(); rec != nil {
		res.Response = nil
		res.Err = fmt.Errorf("backend %s panicked: %w", name, rec.AsError())
		r.logger.Error("parallel task panicked",
			zap.String("request_id", req.Metadata.RequestID),
			zap.String("backend", name),
			zap.String("panic", rec.String()),
		)
	}
	res.LatencyMs = time.Since(start).Milliseconds()
	res.Skipped = res.Err != nil && breaker.IsCircuitOpen(res.Err)
	return res
}

// assemble builds the result from settled tasks in requested order.
// Unsettled tasks are failures, except losers of an early return which are
// cancelled or left running.
func (r *Router) assemble(req *providers.ChatRequest, opts ParallelOptions, backends []string, settled map[string]BackendResult, dispatchErr error, returnEarly, detached bool) *ParallelResult {
	out := &ParallelResult{
		RequestID:          req.Metadata.RequestID,
		Strategy:           opts.Strategy,
		AllResponses:       []BackendResponse{},
		SuccessfulBackends: []string{},
		FailedBackends:     []BackendFailure{},
	}

	won := false
	if returnEarly {
		for _, res := range settled {
			if res.Err == nil {
				won = true
				break
			}
		}
	}

	for _, name := range backends {
		res, ok := settled[name]
		if !ok {
			switch {
			case won && detached:
			case won:
				out.CancelledBackends = append(out.CancelledBackends, name)
			default:
				reason := "cancelled"
				if errors.Is(dispatchErr, context.DeadlineExceeded) {
					reason = "timeout"
				}
				out.FailedBackends = append(out.FailedBackends, BackendFailure{Backend: name, Error: reason})
				out.CancelledBackends = append(out.CancelledBackends, name)
			}
			continue
		}

		if res.Err != nil {
			out.FailedBackends = append(out.FailedBackends, BackendFailure{
				Backend: name,
				Error:   res.Err.Error(),
				Skipped: res.Skipped,
			})
			if res.Skipped {
				out.SkippedBackends = append(out.SkippedBackends, name)
			}
			continue
		}

		out.AllResponses = append(out.AllResponses, BackendResponse{
			Backend:   name,
			Response:  res.Response,
			LatencyMs: res.LatencyMs,
		})
		out.SuccessfulBackends = append(out.SuccessfulBackends, name)
	}

	if opts.Strategy != ParallelCustom && len(out.AllResponses) > 0 {
		out.PrimaryResponse = out.AllResponses[0].Response
	}
	return out
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
