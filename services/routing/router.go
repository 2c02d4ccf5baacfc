// Package routing selects backends for canonical chat requests and falls
// back across them when calls fail.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/upb/llm-router/services/breaker"
	"github.com/upb/llm-router/services/providers"
)

// Observer receives one event per backend attempt
type Observer interface {
	ObserveAttempt(backend string, outcome providers.AttemptOutcome, latency time.Duration)
}

// TokenCounter estimates prompt size for the context-window filter
type TokenCounter interface {
	CountRequest(req *providers.ChatRequest) int
}

// Option configures a Router
type Option func(*Router)

// WithObserver registers an attempt observer
func WithObserver(o Observer) Option {
	return func(r *Router) {
		r.observer = o
	}
}

// WithTokenCounter enables the prompt-size check against context windows
func WithTokenCounter(c TokenCounter) Option {
	return func(r *Router) {
		r.tokens = c
	}
}

// WithBreakerOptions passes options to every backend breaker
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(r *Router) {
		r.breakerOpts = append(r.breakerOpts, opts...)
	}
}

// WithRandomSource seeds the random strategy, for tests
func WithRandomSource(src rand.Source) Option {
	return func(r *Router) {
		r.rng = rand.New(src)
	}
}

// Router owns backend selection, breakers and fallback for one gateway
type Router struct {
	cfg         Config
	logger      *zap.Logger
	registry    *providers.Registry
	breakers    *breaker.Registry
	breakerOpts []breaker.Option
	latency     *latencyTracker
	observer    Observer
	tokens      TokenCounter

	cursor atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	chainMu sync.RWMutex
	chain   []string
}

// New creates a router with no backends
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Router, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		cfg:      cfg,
		logger:   logger,
		registry: providers.NewRegistry(),
		latency:  newLatencyTracker(cfg.LatencyAlpha),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breakers = breaker.NewRegistry(cfg.Breaker, r.breakerOpts...)
	return r, nil
}

// Register adds a backend. Names must be unique and non-empty.
func (r *Router) Register(name string, adapter providers.Adapter) error {
	if err := r.registry.Register(name, adapter); err != nil {
		return fmt.Errorf("register backend %q: %w", name, err)
	}
	r.breakers.Get(name)

	r.logger.Info("backend registered",
		zap.String("backend", name),
		zap.String("provider", adapter.Metadata().Provider),
	)
	return nil
}

// SetFallbackChain sets the ordered fallback list. Every name must be registered.
func (r *Router) SetFallbackChain(names []string) error {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if _, err := r.registry.Get(name); err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
		}
		if seen[name] {
			return fmt.Errorf("backend %q listed twice in fallback chain", name)
		}
		seen[name] = true
	}

	r.chainMu.Lock()
	r.chain = append([]string(nil), names...)
	r.chainMu.Unlock()
	return nil
}

// Strategy returns the configured strategy
func (r *Router) Strategy() Strategy {
	return r.cfg.Strategy
}

// MaxRetries returns the configured single-backend retry count
func (r *Router) MaxRetries() int {
	return r.cfg.MaxRetries
}

// ChainLength returns the number of backends a call may visit
func (r *Router) ChainLength() int {
	return len(r.fallbackOrder())
}

// Backends returns registered backend names in registration order
func (r *Router) Backends() []string {
	return r.registry.Names()
}

// Adapter returns a registered adapter
func (r *Router) Adapter(name string) (providers.Adapter, error) {
	adapter, err := r.registry.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return adapter, nil
}

// BackendStatus describes one backend for introspection
type BackendStatus struct {
	Name          string                    `json:"name"`
	Metadata      providers.BackendMetadata `json:"metadata"`
	Health        breaker.Health            `json:"health"`
	LatencyEWMAMs float64                   `json:"latency_ewma_ms,omitempty"`
}

// Health returns the status of every backend in registration order
func (r *Router) Health() []BackendStatus {
	names := r.registry.Names()
	out := make([]BackendStatus, 0, len(names))
	for _, name := range names {
		adapter, err := r.registry.Get(name)
		if err != nil {
			continue
		}
		status := BackendStatus{
			Name:     name,
			Metadata: adapter.Metadata(),
			Health:   r.breakers.Get(name).Health(),
		}
		if l, ok := r.latency.Get(name); ok {
			status.LatencyEWMAMs = float64(l) / float64(time.Millisecond)
		}
		out = append(out, status)
	}
	return out
}

// Breaker returns the breaker of a backend
func (r *Router) Breaker(name string) *breaker.Breaker {
	return r.breakers.Get(name)
}

// CheckBackends runs every adapter's HealthCheck concurrently
func (r *Router) CheckBackends(ctx context.Context) map[string]bool {
	names := r.registry.Names()
	results := make([]bool, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, name := range names {
		g.Go(func() error {
			adapter, err := r.registry.Get(name)
			if err != nil {
				return nil
			}
			results[i] = adapter.HealthCheck(gctx)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]bool, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out
}

// Execute routes one logical call, falling back across the chain
func (r *Router) Execute(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	req, err := r.prepare(req)
	if err != nil {
		return nil, err
	}

	plan, err := r.plan(ctx, req, false)
	if err != nil {
		return nil, err
	}

	var (
		attempts []providers.Attempt
		lastErr  error
	)
	single := len(plan.sequence) == 1
	for _, name := range plan.sequence {
		tries := 1
		if single {
			tries += r.cfg.MaxRetries
		}

		for t := 0; t < tries; t++ {
			res := r.attempt(ctx, name, plan.sequence[0], req)
			attempts = append(attempts, res.record)

			switch res.verdict {
			case verdictSuccess:
				return r.finish(req, res, plan.strategy, attempts), nil
			case verdictCancelled:
				return nil, newRouterError(req, nil, attempts, res.err)
			case verdictAbort:
				r.logger.Warn("routing aborted on non-retryable error",
					zap.String("request_id", req.Metadata.RequestID),
					zap.String("backend", name),
					zap.Error(res.err),
				)
				return nil, newRouterError(req, nil, attempts, res.err)
			}

			lastErr = res.err
			if res.verdict == verdictSkip {
				break
			}
			r.logger.Info("backend attempt failed, falling back",
				zap.String("request_id", req.Metadata.RequestID),
				zap.String("backend", name),
				zap.Error(res.err),
			)
		}
	}

	r.logger.Warn("fallback chain exhausted",
		zap.String("request_id", req.Metadata.RequestID),
		zap.Int("attempts", len(attempts)),
		zap.Error(lastErr),
	)
	return nil, newRouterError(req, ErrChainExhausted, attempts, lastErr)
}

// ExecuteOn makes exactly one breaker-gated call to the named backend
func (r *Router) ExecuteOn(ctx context.Context, backend string, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	return r.executeOn(ctx, backend, req, StrategyExplicit)
}

func (r *Router) executeOn(ctx context.Context, backend string, req *providers.ChatRequest, strategy Strategy) (*providers.ChatResponse, error) {
	req, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	if _, err := r.registry.Get(backend); err != nil {
		return nil, newRouterError(req, ErrUnknownBackend, nil, fmt.Errorf("backend %q", backend))
	}

	res := r.attempt(ctx, backend, backend, req)
	attempts := []providers.Attempt{res.record}
	if res.verdict == verdictSuccess {
		return r.finish(req, res, strategy, attempts), nil
	}
	return nil, newRouterError(req, nil, attempts, res.err)
}

// prepare validates the request and gives it a request id
func (r *Router) prepare(req *providers.ChatRequest) (*providers.ChatRequest, error) {
	if req == nil {
		return nil, newRouterError(nil, ErrInvalidRequest, nil, errors.New("request is nil"))
	}
	if req.Metadata.RequestID == "" {
		req = req.WithRequestID(uuid.NewString())
	}
	if req.Metadata.Timestamp.IsZero() {
		c := req.Clone()
		c.Metadata.Timestamp = time.Now()
		req = c
	}
	if len(req.Messages) == 0 {
		return nil, newRouterError(req, ErrInvalidRequest, nil,
			providers.NewValidationError("router", "request has no messages"))
	}
	return req, nil
}

type verdict int

const (
	verdictSuccess verdict = iota
	verdictNext
	verdictSkip
	verdictAbort
	verdictCancelled
)

type attemptResult struct {
	record  providers.Attempt
	verdict verdict
	resp    *providers.ChatResponse
	model   string
	backend string
	latency time.Duration
	err     error
}

// attempt makes one breaker-gated call. origin is the backend the call was
// first aimed at, used for model translation.
func (r *Router) attempt(ctx context.Context, name, origin string, req *providers.ChatRequest) attemptResult {
	adapter, err := r.registry.Get(name)
	if err != nil {
		return attemptResult{
			record:  providers.Attempt{Backend: name, Outcome: providers.OutcomeFatal, Error: err.Error()},
			verdict: verdictNext,
			backend: name,
			err:     err,
		}
	}

	b := r.breakers.Get(name)
	permit, err := b.Allow()
	if err != nil {
		r.observe(name, providers.OutcomeCircuitOpen, 0)
		return attemptResult{
			record:  providers.Attempt{Backend: name, Outcome: providers.OutcomeCircuitOpen, Error: err.Error()},
			verdict: verdictSkip,
			backend: name,
			err:     err,
		}
	}
	defer func() {
		if rec := recover(); rec != nil {
			permit.Failure()
			panic(rec)
		}
	}()

	model := r.translateModel(req.Model, origin, adapter.Metadata())
	callReq := req
	if model != req.Model {
		callReq = req.WithModel(model)
	}

	callCtx := ctx
	cancel := func() {}
	if r.cfg.AttemptTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	}
	start := time.Now()
	resp, err := adapter.Execute(callCtx, callReq)
	latency := time.Since(start)
	cancel()

	res := attemptResult{
		record:  providers.Attempt{Backend: name, LatencyMs: latency.Milliseconds(), Model: model},
		backend: name,
		model:   model,
		latency: latency,
	}

	if err == nil && resp == nil {
		err = providers.NewProviderError(name, "empty_response", "backend returned no response", 0, false, nil)
	}
	if err == nil {
		permit.Success()
		r.latency.Observe(name, latency)
		res.record.Outcome = providers.OutcomeSuccess
		res.verdict = verdictSuccess
		res.resp = resp
		r.observe(name, providers.OutcomeSuccess, latency)
		return res
	}

	res.record.Error = err.Error()
	res.err = err
	res.record.Outcome, res.verdict = r.settleFailure(ctx, b, permit, name, err)
	r.observe(name, res.record.Outcome, latency)
	return res
}

// settleFailure records a failed call on the breaker and decides what the
// chain does next
func (r *Router) settleFailure(ctx context.Context, b *breaker.Breaker, permit *breaker.Permit, name string, err error) (providers.AttemptOutcome, verdict) {
	if ctx.Err() != nil {
		permit.Release()
		return providers.OutcomeCancelled, verdictCancelled
	}

	perr := providers.Classify(name, err)
	switch {
	case perr.Kind == providers.KindValidation, perr.Kind == providers.KindCancelled:
		permit.Release()
		return providers.OutcomeFatal, verdictAbort
	case !perr.Retryable():
		permit.Failure()
		return providers.OutcomeFatal, verdictAbort
	default:
		permit.Failure()
		if perr.RetryAfter > 0 {
			b.Defer(perr.RetryAfter)
		}
		return providers.OutcomeFailure, verdictNext
	}
}

// finish builds the caller's response with provenance
func (r *Router) finish(req *providers.ChatRequest, res attemptResult, strategy Strategy, attempts []providers.Attempt) *providers.ChatResponse {
	out := res.resp.Clone()
	out.Metadata.RequestID = req.Metadata.RequestID
	if out.Model == "" {
		out.Model = res.model
	}
	if out.Latency == 0 {
		out.Latency = res.latency
	}
	if out.Created.IsZero() {
		out.Created = time.Now()
	}
	out.Metadata.Provenance = r.provenance(req, res.backend, res.model, strategy, attempts)
	return out
}

func (r *Router) provenance(req *providers.ChatRequest, backend, model string, strategy Strategy, attempts []providers.Attempt) *providers.Provenance {
	p := &providers.Provenance{
		Backend:      backend,
		Strategy:     string(strategy),
		Attempts:     append([]providers.Attempt(nil), attempts...),
		FallbackUsed: len(attempts) > 1,
	}
	if model != req.Model {
		p.OriginalModel = req.Model
	}
	return p
}

func (r *Router) observe(backend string, outcome providers.AttemptOutcome, latency time.Duration) {
	if r.observer != nil {
		r.observer.ObserveAttempt(backend, outcome, latency)
	}
}

func (r *Router) fallbackOrder() []string {
	r.chainMu.RLock()
	chain := r.chain
	r.chainMu.RUnlock()
	if len(chain) > 0 {
		return append([]string(nil), chain...)
	}
	return r.registry.Names()
}
