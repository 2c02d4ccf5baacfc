package routing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-router/services/breaker"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/services/streaming"
)

// ExecuteStream routes a streaming call. Fallback happens only before the
// first content chunk; afterwards failures end the stream with an error chunk.
func (r *Router) ExecuteStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	req, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	plan, err := r.plan(ctx, req, true)
	if err != nil {
		return nil, err
	}

	run := &streamRun{router: r, req: req, plan: plan}
	return streaming.Run(ctx, req, run.open, streaming.WithProvenance(run.provenance)), nil
}

// streamRun walks the plan for one streaming call. Its methods are only
// called from the coordinator goroutine.
type streamRun struct {
	router   *Router
	req      *providers.ChatRequest
	plan     *callPlan
	next     int
	retries  int
	attempts []providers.Attempt
	served   string
	model    string
}

func (s *streamRun) open(ctx context.Context) (*streaming.Source, error) {
	r := s.router
	var lastErr error

	for {
		name, ok := s.nextBackend()
		if !ok {
			break
		}

		adapter, err := r.registry.Get(name)
		if err != nil {
			lastErr = err
			continue
		}
		b := r.breakers.Get(name)
		permit, err := b.Allow()
		if err != nil {
			r.observe(name, providers.OutcomeCircuitOpen, 0)
			s.attempts = append(s.attempts, providers.Attempt{Backend: name, Outcome: providers.OutcomeCircuitOpen, Error: err.Error()})
			lastErr = err
			s.retries = r.cfg.MaxRetries
			continue
		}

		model := r.translateModel(s.req.Model, s.plan.sequence[0], adapter.Metadata())
		callReq := s.req
		if model != s.req.Model {
			callReq = s.req.WithModel(model)
		}

		start := time.Now()
		stream, err := adapter.ExecuteStream(ctx, callReq)
		if err != nil {
			outcome, v := r.settleFailure(ctx, b, permit, name, err)
			s.record(name, model, outcome, time.Since(start), err)
			lastErr = err
			if v == verdictAbort || v == verdictCancelled {
				return nil, newRouterError(s.req, nil, s.attempts, err)
			}
			continue
		}

		return &streaming.Source{
			Backend: name,
			Model:   model,
			Stream:  stream,
			Done: func(err error) {
				s.settle(ctx, b, permit, name, model, start, err)
			},
		}, nil
	}

	r.logger.Warn("stream fallback chain exhausted",
		zap.String("request_id", s.req.Metadata.RequestID),
		zap.Int("attempts", len(s.attempts)),
		zap.Error(lastErr),
	)
	return nil, newRouterError(s.req, ErrChainExhausted, s.attempts, lastErr)
}

// nextBackend returns the next backend to open. A single-entry chain is
// reopened up to MaxRetries extra times.
func (s *streamRun) nextBackend() (string, bool) {
	seq := s.plan.sequence
	if len(seq) == 1 {
		if s.next == 0 {
			s.next = 1
			return seq[0], true
		}
		if s.retries < s.router.cfg.MaxRetries {
			s.retries++
			return seq[0], true
		}
		return "", false
	}
	if s.next >= len(seq) {
		return "", false
	}
	name := seq[s.next]
	s.next++
	return name, true
}

func (s *streamRun) settle(ctx context.Context, b *breaker.Breaker, permit *breaker.Permit, name, model string, start time.Time, err error) {
	r := s.router
	latency := time.Since(start)
	if err == nil {
		permit.Success()
		s.record(name, model, providers.OutcomeSuccess, latency, nil)
		s.served = name
		s.model = model
		return
	}
	outcome, _ := r.settleFailure(ctx, b, permit, name, err)
	s.record(name, model, outcome, latency, err)
}

func (s *streamRun) record(name, model string, outcome providers.AttemptOutcome, latency time.Duration, err error) {
	a := providers.Attempt{Backend: name, Outcome: outcome, LatencyMs: latency.Milliseconds(), Model: model}
	if err != nil {
		a.Error = err.Error()
	}
	s.attempts = append(s.attempts, a)
	s.router.observe(name, outcome, latency)
}

func (s *streamRun) provenance() *providers.Provenance {
	model := s.model
	if model == "" {
		model = s.req.Model
	}
	return s.router.provenance(s.req, s.served, model, s.plan.strategy, s.attempts)
}
