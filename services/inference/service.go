package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services/pipeline"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/services/routing"
	"github.com/upb/llm-router/utils"
)

// Router is the part of routing.Router the facade drives
type Router interface {
	Execute(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
	ExecuteStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error)
	DispatchParallel(ctx context.Context, req *providers.ChatRequest, opts routing.ParallelOptions) (*routing.ParallelResult, error)
	ChainLength() int
}

// Recorder receives request level metrics
type Recorder interface {
	RecordRequest(kind, outcome string, d time.Duration)
	RecordUsage(backend string, usage *providers.Usage)
	RecordCost(backend string, usd float64)
	RecordChunk(t providers.ChunkType)
}

// Publisher receives one provenance record per logical request
type Publisher interface {
	Publish(rec *models.ProvenanceRecord) error
}

// Config configures the facade
type Config struct {
	// Retry wraps every complete and parallel call. MaxAttempts 1 disables it.
	Retry pipeline.RetryPolicy

	// MaxTotalAttempts bounds Retry.MaxAttempts times the fallback chain length.
	// Zero disables the check.
	MaxTotalAttempts int

	// Source is stamped on every request's metadata
	Source string
}

// Service composes the middleware pipeline, the router and the parallel
// dispatcher behind one entry point per call shape
type Service struct {
	router    Router
	pipeline  *pipeline.Pipeline
	recorder  Recorder
	publisher Publisher
	cfg       Config
	logger    *zap.Logger
}

// NewService creates a new inference service. It fails when the retry
// policy could amplify one request past MaxTotalAttempts backend calls.
func NewService(router Router, pipe *pipeline.Pipeline, recorder Recorder, publisher Publisher, cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = pipeline.DefaultRetryPolicy()
	}
	if err := pipeline.CheckAmplification(cfg.Retry, router.ChainLength(), cfg.MaxTotalAttempts); err != nil {
		return nil, err
	}
	if cfg.Source == "" {
		cfg.Source = "http"
	}
	if pipe == nil {
		pipe = pipeline.New(logger)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Service{
		router:    router,
		pipeline:  pipe,
		recorder:  recorder,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Complete runs one non-streaming completion through the pipeline and router
func (s *Service) Complete(ctx context.Context, in *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	req, err := s.prepare(in)
	if err != nil {
		return nil, err
	}
	requestID := req.Metadata.RequestID

	s.logger.Debug("starting completion",
		zap.String("request_id", requestID),
		zap.String("model", req.Model),
		zap.String("backend", req.Metadata.Backend))

	resp, err := s.withRetry(s.pipelined(s.router.Execute))(ctx, req)
	latency := time.Since(start)
	if err != nil {
		s.fail(models.ProvenanceKindComplete, requestID, req.Model, err, latency)
		return nil, err
	}

	cost := s.settle(models.ProvenanceKindComplete, requestID, resp, latency)

	s.logger.Info("completion finished",
		zap.String("request_id", requestID),
		zap.String("backend", backendOf(resp.Metadata.Provenance)),
		zap.Int64("latency_ms", latency.Milliseconds()),
		zap.String("cost_usd", cost.StringFixed(6)))

	return NewCompletionResponse(resp, latency), nil
}

// Stream starts a streaming completion. The returned channel yields chunks
// with strictly increasing sequence numbers and closes after the terminal
// chunk or on cancellation.
func (s *Service) Stream(ctx context.Context, in *CompletionRequest) (<-chan providers.StreamChunk, string, error) {
	start := time.Now()
	req, err := s.prepare(in)
	if err != nil {
		return nil, "", err
	}
	req.Stream = true
	requestID := req.Metadata.RequestID

	s.logger.Debug("starting stream",
		zap.String("request_id", requestID),
		zap.String("model", req.Model))

	chunks, err := s.pipeline.ExecuteStream(ctx, req, s.router.ExecuteStream)
	if err != nil {
		s.fail(models.ProvenanceKindStream, requestID, req.Model, err, time.Since(start))
		return nil, requestID, err
	}

	out := make(chan providers.StreamChunk)
	go s.relay(ctx, requestID, req.Model, start, chunks, out)
	return out, requestID, nil
}

// relay forwards chunks and settles the request once the stream ends
func (s *Service) relay(ctx context.Context, requestID, model string, start time.Time, in <-chan providers.StreamChunk, out chan<- providers.StreamChunk) {
	defer close(out)

	var terminal *providers.StreamChunk
	for chunk := range in {
		if chunk.Type.IsTerminal() {
			c := chunk
			terminal = &c
		}
		select {
		case out <- chunk:
			s.recorder.RecordChunk(chunk.Type)
		case <-ctx.Done():
			// drain so the producer can exit
		}
	}

	latency := time.Since(start)
	switch {
	case terminal == nil:
		s.fail(models.ProvenanceKindStream, requestID, model, context.Canceled, latency)
	case terminal.Type == providers.ChunkDone:
		s.settle(models.ProvenanceKindStream, requestID, responseFromDone(*terminal), latency)
	default:
		rec := models.NewProvenanceRecord(requestID, models.ProvenanceKindStream).WithLatency(latency)
		rec.Model = model
		if terminal.Metadata != nil {
			rec.WithProvenance(terminal.Metadata.Provenance)
		}
		code, msg := "stream_error", "stream failed"
		if terminal.Error != nil {
			code, msg = terminal.Error.Code, terminal.Error.Message
		}
		rec.WithError(code, msg)
		s.recorder.RecordRequest(string(models.ProvenanceKindStream), string(rec.Outcome), latency)
		s.publish(rec)
	}
}

// Parallel fans one completion out to several backends. Request hooks run
// once before the dispatch and response hooks run on the primary response.
func (s *Service) Parallel(ctx context.Context, in *ParallelRequest) (*ParallelResponse, error) {
	start := time.Now()
	if in == nil {
		return nil, NewValidationError("", "request body is required", nil)
	}
	if err := s.validate(in.RequestID, in); err != nil {
		return nil, err
	}
	req := s.toChatRequest(&in.CompletionRequest)
	requestID := req.Metadata.RequestID
	opts := in.Options()

	var result *routing.ParallelResult
	dispatch := func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
		res, err := s.router.DispatchParallel(ctx, req, opts)
		result = res
		if err != nil {
			return nil, err
		}
		if res.PrimaryResponse == nil {
			return nil, fmt.Errorf("parallel dispatch produced no primary response (request %s)", requestID)
		}
		return res.PrimaryResponse, nil
	}

	resp, err := s.withRetry(s.pipelined(dispatch))(ctx, req)
	latency := time.Since(start)
	if err != nil {
		rec := models.NewProvenanceRecord(requestID, models.ProvenanceKindParallel).WithLatency(latency)
		rec.Model = req.Model
		if result != nil {
			rec.Strategy = "parallel_" + string(result.Strategy)
			rec.Attempts = parallelAttempts(result)
		}
		rec.WithError(ErrorCode(err), err.Error())
		s.recorder.RecordRequest(string(models.ProvenanceKindParallel), string(rec.Outcome), latency)
		s.publish(rec)
		return nil, err
	}
	if result == nil {
		// a request hook answered without dispatching
		result = &routing.ParallelResult{RequestID: requestID, Strategy: opts.Strategy}
	}

	for _, r := range result.AllResponses {
		if r.Response != nil {
			s.recorder.RecordUsage(r.Backend, r.Response.Usage)
		}
	}

	rec := models.NewProvenanceRecord(requestID, models.ProvenanceKindParallel).
		WithProvenance(resp.Metadata.Provenance).
		WithUsage(resp.Usage).
		WithLatency(latency)
	rec.Model = resp.Model
	rec.Strategy = "parallel_" + string(result.Strategy)
	rec.Attempts = parallelAttempts(result)
	if cost, ok := costOf(resp); ok {
		rec.WithCost(cost)
		s.recorder.RecordCost(rec.Backend, cost.InexactFloat64())
	}
	s.recorder.RecordRequest(string(models.ProvenanceKindParallel), string(rec.Outcome), latency)
	s.publish(rec)

	s.logger.Info("parallel completion finished",
		zap.String("request_id", requestID),
		zap.String("strategy", string(result.Strategy)),
		zap.Strings("successful", result.SuccessfulBackends),
		zap.Int64("total_time_ms", result.TotalTimeMs))

	return newParallelResponse(result, resp), nil
}

func (s *Service) prepare(in *CompletionRequest) (*providers.ChatRequest, error) {
	if in == nil {
		return nil, NewValidationError("", "request body is required", nil)
	}
	if err := s.validate(in.RequestID, in); err != nil {
		return nil, err
	}
	return s.toChatRequest(in), nil
}

func (s *Service) validate(requestID string, v any) error {
	if err := utils.ValidateStruct(v); err != nil {
		return NewValidationError(requestID, err.Error(), utils.GetValidationFields(err))
	}
	return nil
}

func (s *Service) toChatRequest(in *CompletionRequest) *providers.ChatRequest {
	req := in.ToChatRequest(s.cfg.Source)
	if req.Metadata.RequestID == "" {
		req.Metadata.RequestID = uuid.NewString()
	}
	return req
}

// pipelined runs the whole middleware chain around next
func (s *Service) pipelined(next pipeline.Handler) pipeline.Handler {
	return func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
		return s.pipeline.Execute(ctx, req, next)
	}
}

// withRetry re-invokes the whole pipeline call under the outer retry policy
func (s *Service) withRetry(next pipeline.Handler) pipeline.Handler {
	if s.cfg.Retry.MaxAttempts <= 1 {
		return next
	}
	return pipeline.WithRetry(s.cfg.Retry, next)
}

// settle records metrics and provenance for a successful call and returns its cost
func (s *Service) settle(kind models.ProvenanceKind, requestID string, resp *providers.ChatResponse, latency time.Duration) decimal.Decimal {
	rec := models.NewProvenanceRecord(requestID, kind).
		WithProvenance(resp.Metadata.Provenance).
		WithUsage(resp.Usage).
		WithLatency(latency)
	rec.Model = resp.Model

	s.recorder.RecordUsage(rec.Backend, resp.Usage)
	if cost, ok := costOf(resp); ok {
		rec.WithCost(cost)
		s.recorder.RecordCost(rec.Backend, cost.InexactFloat64())
	}
	s.recorder.RecordRequest(string(kind), string(rec.Outcome), latency)
	s.publish(rec)
	return rec.CostUSD
}

// fail records metrics and provenance for a call that produced no response
func (s *Service) fail(kind models.ProvenanceKind, requestID, model string, err error, latency time.Duration) {
	rec := models.NewProvenanceRecord(requestID, kind).WithLatency(latency)
	rec.Model = model

	var re *routing.RouterError
	if errors.As(err, &re) && len(re.Attempts) > 0 {
		rec.Attempts = append([]providers.Attempt(nil), re.Attempts...)
		rec.Backend = re.Attempts[len(re.Attempts)-1].Backend
		rec.FallbackUsed = len(re.Attempts) > 1
	}
	rec.WithError(ErrorCode(err), err.Error())

	s.logger.Warn("inference failed",
		zap.String("request_id", requestID),
		zap.String("kind", string(kind)),
		zap.String("code", rec.ErrorCode),
		zap.Error(err))

	s.recorder.RecordRequest(string(kind), string(rec.Outcome), latency)
	s.publish(rec)
}

func (s *Service) publish(rec *models.ProvenanceRecord) {
	if err := s.publisher.Publish(rec); err != nil {
		s.logger.Warn("failed to publish provenance record",
			zap.String("request_id", rec.RequestID),
			zap.Error(err))
	}
}

// ErrorCode returns the machine-readable code of err
func ErrorCode(err error) string {
	if errors.Is(err, context.Canceled) {
		return string(providers.KindCancelled)
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	if kind := providers.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(providers.KindTimeout)
	}
	return ErrCodeInternal
}

func costOf(resp *providers.ChatResponse) (decimal.Decimal, bool) {
	raw, ok := resp.Metadata.Custom[pipeline.CostMetadataKey]
	if !ok {
		return decimal.Zero, false
	}
	cost, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return cost, true
}

func backendOf(p *providers.Provenance) string {
	if p == nil {
		return ""
	}
	return p.Backend
}

func responseFromDone(chunk providers.StreamChunk) *providers.ChatResponse {
	resp := &providers.ChatResponse{
		Model:        chunk.Model,
		FinishReason: chunk.FinishReason,
		Usage:        chunk.Usage,
	}
	if chunk.Message != nil {
		resp.Message = *chunk.Message
	}
	if chunk.Metadata != nil {
		resp.Metadata = *chunk.Metadata
	}
	return resp
}

// parallelAttempts lists one attempt per requested backend
func parallelAttempts(res *routing.ParallelResult) []providers.Attempt {
	out := make([]providers.Attempt, 0, len(res.AllResponses)+len(res.FailedBackends)+len(res.CancelledBackends))
	for _, r := range res.AllResponses {
		a := providers.Attempt{Backend: r.Backend, Outcome: providers.OutcomeSuccess, LatencyMs: r.LatencyMs}
		if r.Response != nil {
			a.Model = r.Response.Model
		}
		out = append(out, a)
	}
	failed := make(map[string]bool, len(res.FailedBackends))
	for _, f := range res.FailedBackends {
		failed[f.Backend] = true
		outcome := providers.OutcomeFailure
		if f.Skipped {
			outcome = providers.OutcomeCircuitOpen
		}
		out = append(out, providers.Attempt{Backend: f.Backend, Outcome: outcome, Error: f.Error})
	}
	// a timed-out task is listed as failed and cancelled; record it once
	for _, name := range res.CancelledBackends {
		if failed[name] {
			continue
		}
		out = append(out, providers.Attempt{Backend: name, Outcome: providers.OutcomeCancelled})
	}
	return out
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(string, string, time.Duration) {}
func (nopRecorder) RecordUsage(string, *providers.Usage)        {}
func (nopRecorder) RecordCost(string, float64)                  {}
func (nopRecorder) RecordChunk(providers.ChunkType)             {}

type nopPublisher struct{}

func (nopPublisher) Publish(*models.ProvenanceRecord) error { return nil }
