package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/upb/llm-router/services/providers"
)

// LoggingMiddleware logs every call and its outcome
type LoggingMiddleware struct {
	logger *zap.Logger
}

// NewLoggingMiddleware creates a LoggingMiddleware
func NewLoggingMiddleware(logger *zap.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) Name() string { return "logging" }

func (m *LoggingMiddleware) ProcessRequest(ctx context.Context, req *providers.ChatRequest) (*providers.ChatRequest, error) {
	m.logger.Info("chat request",
		zap.String("request_id", req.Metadata.RequestID),
		zap.String("model", req.Model),
		zap.Int("messages", len(req.Messages)),
		zap.Bool("stream", req.Stream),
	)
	return req, nil
}

func (m *LoggingMiddleware) ProcessResponse(ctx context.Context, req *providers.ChatRequest, resp *providers.ChatResponse) (*providers.ChatResponse, error) {
	fields := []zap.Field{
		zap.String("request_id", req.Metadata.RequestID),
		zap.String("model", resp.Model),
		zap.String("finish_reason", string(resp.FinishReason)),
		zap.Duration("latency", resp.Latency),
	}
	if p := resp.Metadata.Provenance; p != nil {
		fields = append(fields,
			zap.String("backend", p.Backend),
			zap.Int("attempts", p.AttemptCount()),
			zap.Bool("fallback_used", p.FallbackUsed),
		)
	}
	if resp.Usage != nil {
		fields = append(fields, zap.Int("total_tokens", resp.Usage.TotalTokens))
	}
	m.logger.Info("chat response", fields...)
	return resp, nil
}

// ProcessError implements ErrorObserver
func (m *LoggingMiddleware) ProcessError(ctx context.Context, req *providers.ChatRequest, err error) {
	m.logger.Warn("chat request failed",
		zap.String("request_id", req.Metadata.RequestID),
		zap.String("model", req.Model),
		zap.Error(err),
	)
}

// RateLimitConfig configures RateLimitMiddleware
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
	Burst             int     `yaml:"burst" validate:"gte=1"`

	// KeyField selects the limiter key: "source", "backend" or a key of
	// the request's custom metadata. Empty means one global limiter.
	KeyField string `yaml:"key_field"`
}

const globalKey = "global"

// RateLimitMiddleware applies a token bucket per key
type RateLimitMiddleware struct {
	cfg      RateLimitConfig
	now      func() time.Time
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitMiddleware creates a RateLimitMiddleware
func NewRateLimitMiddleware(cfg RateLimitConfig) *RateLimitMiddleware {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &RateLimitMiddleware{
		cfg:      cfg,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *RateLimitMiddleware) Name() string { return "rate_limit" }

func (m *RateLimitMiddleware) ProcessRequest(ctx context.Context, req *providers.ChatRequest) (*providers.ChatRequest, error) {
	key := m.key(req)
	now := m.now()

	r := m.limiter(key).ReserveN(now, 1)
	if !r.OK() {
		return nil, &RateLimitError{Key: key}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return nil, &RateLimitError{Key: key, RetryAfter: delay}
	}
	return req, nil
}

func (m *RateLimitMiddleware) ProcessResponse(ctx context.Context, req *providers.ChatRequest, resp *providers.ChatResponse) (*providers.ChatResponse, error) {
	return resp, nil
}

func (m *RateLimitMiddleware) key(req *providers.ChatRequest) string {
	var v string
	switch m.cfg.KeyField {
	case "":
	case "source":
		v = req.Metadata.Source
	case "backend":
		v = req.Metadata.Backend
	default:
		v = req.Metadata.Custom[m.cfg.KeyField]
	}
	if v == "" {
		return globalKey
	}
	return v
}

func (m *RateLimitMiddleware) limiter(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.cfg.RequestsPerSecond), m.cfg.Burst)
		m.limiters[key] = l
	}
	return l
}

// SystemPromptMiddleware prepends a system message when the request has none
type SystemPromptMiddleware struct {
	prompt string
}

// NewSystemPromptMiddleware creates a SystemPromptMiddleware
func NewSystemPromptMiddleware(prompt string) *SystemPromptMiddleware {
	return &SystemPromptMiddleware{prompt: prompt}
}

func (m *SystemPromptMiddleware) Name() string { return "system_prompt" }

func (m *SystemPromptMiddleware) ProcessRequest(ctx context.Context, req *providers.ChatRequest) (*providers.ChatRequest, error) {
	if m.prompt == "" {
		return req, nil
	}
	for _, msg := range req.Messages {
		if msg.Role == providers.RoleSystem {
			return req, nil
		}
	}
	messages := make([]providers.Message, 0, len(req.Messages)+1)
	messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: m.prompt})
	messages = append(messages, req.Messages...)
	return req.WithMessages(messages), nil
}

func (m *SystemPromptMiddleware) ProcessResponse(ctx context.Context, req *providers.ChatRequest, resp *providers.ChatResponse) (*providers.ChatResponse, error) {
	return resp, nil
}
