package inference

import (
	"encoding/json"
	"time"

	"github.com/upb/llm-router/services/pipeline"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/services/routing"
)

// MessageInput is one chat message as sent by a client
type MessageInput struct {
	Role       string               `json:"role" validate:"required,oneof=system user assistant tool"`
	Content    string               `json:"content"`
	Name       string               `json:"name,omitempty" validate:"omitempty,max=64"`
	ImageURLs  []string             `json:"image_urls,omitempty" validate:"omitempty,dive,url"`
	ToolCalls  []providers.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

// ToolInput declares a tool the model may call
type ToolInput struct {
	Name        string          `json:"name" validate:"required,max=64"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// RequirementsInput carries capability requirements for routing
type RequirementsInput struct {
	Streaming        bool               `json:"streaming,omitempty"`
	Tools            bool               `json:"tools,omitempty"`
	Vision           bool               `json:"vision,omitempty"`
	JSONMode         bool               `json:"json_mode,omitempty"`
	MinContextWindow int                `json:"min_context_window,omitempty" validate:"gte=0"`
	Preferred        map[string]float64 `json:"preferred,omitempty"`
	Optimization     string             `json:"optimization,omitempty" validate:"omitempty,oneof=balanced cost latency"`
}

// CompletionRequest represents an inference request from the client
type CompletionRequest struct {
	// Model is optional; routing picks the backend default when empty
	Model string `json:"model,omitempty" validate:"omitempty,max=128"`

	// Backend pins the call to one backend, bypassing the strategy
	Backend string `json:"backend,omitempty" validate:"omitempty,max=64"`

	Messages []MessageInput `json:"messages" validate:"required,min=1,dive"`

	Tools      []ToolInput `json:"tools,omitempty" validate:"omitempty,dive"`
	ToolChoice string      `json:"tool_choice,omitempty"`

	// Model parameters
	MaxTokens      int      `json:"max_tokens,omitempty" validate:"gte=0"`
	Temperature    float64  `json:"temperature,omitempty" validate:"gte=0,lte=2"`
	TopP           float64  `json:"top_p,omitempty" validate:"gte=0,lte=1"`
	Stop           []string `json:"stop,omitempty" validate:"max=4"`
	ResponseFormat string   `json:"response_format,omitempty" validate:"omitempty,oneof=text json"`
	StreamMode     string   `json:"stream_mode,omitempty" validate:"omitempty,oneof=delta accumulated"`

	Requirements *RequirementsInput `json:"requirements,omitempty"`

	// Request metadata
	RequestID string            `json:"request_id,omitempty" validate:"omitempty,max=128"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ToChatRequest converts the DTO into the router's request type
func (r *CompletionRequest) ToChatRequest(source string) *providers.ChatRequest {
	req := &providers.ChatRequest{
		Model:          r.Model,
		ToolChoice:     r.ToolChoice,
		MaxTokens:      r.MaxTokens,
		Temperature:    r.Temperature,
		TopP:           r.TopP,
		Stop:           append([]string(nil), r.Stop...),
		ResponseFormat: r.ResponseFormat,
		StreamMode:     providers.StreamMode(r.StreamMode),
		Metadata: providers.RequestMetadata{
			RequestID: r.RequestID,
			Timestamp: time.Now(),
			Source:    source,
			Backend:   r.Backend,
		},
	}

	req.Messages = make([]providers.Message, len(r.Messages))
	for i, m := range r.Messages {
		req.Messages[i] = providers.Message{
			Role:       providers.Role(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ImageURLs:  append([]string(nil), m.ImageURLs...),
			ToolCalls:  append([]providers.ToolCall(nil), m.ToolCalls...),
			ToolCallID: m.ToolCallID,
		}
	}

	for _, t := range r.Tools {
		req.Tools = append(req.Tools, providers.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  append(json.RawMessage(nil), t.Parameters...),
		})
	}

	if r.Requirements != nil {
		req.Metadata.Requirements = &providers.CapabilityRequirements{
			Required: providers.RequiredCapabilities{
				Streaming:        r.Requirements.Streaming,
				Tools:            r.Requirements.Tools,
				Vision:           r.Requirements.Vision,
				JSONMode:         r.Requirements.JSONMode,
				MinContextWindow: r.Requirements.MinContextWindow,
			},
			Preferred:    r.Requirements.Preferred,
			Optimization: providers.Optimization(r.Requirements.Optimization),
		}
	}

	if len(r.Metadata) > 0 {
		req.Metadata.Custom = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			req.Metadata.Custom[k] = v
		}
	}
	return req
}

// ParallelRequest fans one completion out to several backends
type ParallelRequest struct {
	CompletionRequest

	Backends        []string `json:"backends,omitempty" validate:"omitempty,dive,required"`
	Strategy        string   `json:"strategy,omitempty" validate:"omitempty,oneof=all first fastest"`
	TimeoutMs       int      `json:"timeout_ms,omitempty" validate:"gte=0,lte=600000"`
	CancelRemaining bool     `json:"cancel_remaining,omitempty"`
}

// Options converts the DTO into dispatcher options
func (r *ParallelRequest) Options() routing.ParallelOptions {
	return routing.ParallelOptions{
		Backends:             append([]string(nil), r.Backends...),
		Strategy:             routing.ParallelStrategy(r.Strategy),
		Timeout:              time.Duration(r.TimeoutMs) * time.Millisecond,
		CancelOnFirstSuccess: r.CancelRemaining,
	}
}

// CompletionResponse represents the response from an inference request
type CompletionResponse struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`

	// Backend and model used
	Backend string `json:"backend"`
	Model   string `json:"model"`

	Message      providers.Message      `json:"message"`
	FinishReason providers.FinishReason `json:"finish_reason"`
	Usage        providers.Usage        `json:"usage"`

	// CostUSD is empty when no price is configured for the backend
	CostUSD string `json:"cost_usd,omitempty"`

	LatencyMs int64 `json:"latency_ms"`

	Provenance *providers.Provenance `json:"provenance,omitempty"`
	Metadata   map[string]string     `json:"metadata,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}

// NewCompletionResponse flattens a router response for clients
func NewCompletionResponse(resp *providers.ChatResponse, latency time.Duration) *CompletionResponse {
	out := &CompletionResponse{
		ID:           resp.ID,
		RequestID:    resp.Metadata.RequestID,
		Model:        resp.Model,
		Message:      resp.Message,
		FinishReason: resp.FinishReason,
		LatencyMs:    latency.Milliseconds(),
		Provenance:   resp.Metadata.Provenance,
		CreatedAt:    resp.Created,
	}
	if resp.Usage != nil {
		out.Usage = *resp.Usage
	}
	if resp.Metadata.Provenance != nil {
		out.Backend = resp.Metadata.Provenance.Backend
	}
	if len(resp.Metadata.Custom) > 0 {
		out.Metadata = make(map[string]string, len(resp.Metadata.Custom))
		for k, v := range resp.Metadata.Custom {
			out.Metadata[k] = v
		}
		out.CostUSD = resp.Metadata.Custom[pipeline.CostMetadataKey]
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	return out
}

// ParallelResponse is the client view of a parallel dispatch
type ParallelResponse struct {
	RequestID          string                    `json:"request_id"`
	Strategy           string                    `json:"strategy"`
	Primary            *CompletionResponse       `json:"primary,omitempty"`
	Responses          []routing.BackendResponse `json:"responses"`
	SuccessfulBackends []string                  `json:"successful_backends"`
	FailedBackends     []routing.BackendFailure  `json:"failed_backends"`
	SkippedBackends    []string                  `json:"skipped_backends,omitempty"`
	CancelledBackends  []string                  `json:"cancelled_backends,omitempty"`
	TotalTimeMs        int64                     `json:"total_time_ms"`
}

func newParallelResponse(res *routing.ParallelResult, primary *providers.ChatResponse) *ParallelResponse {
	out := &ParallelResponse{
		RequestID:          res.RequestID,
		Strategy:           string(res.Strategy),
		Responses:          res.AllResponses,
		SuccessfulBackends: res.SuccessfulBackends,
		FailedBackends:     res.FailedBackends,
		SkippedBackends:    res.SkippedBackends,
		CancelledBackends:  res.CancelledBackends,
		TotalTimeMs:        res.TotalTimeMs,
	}
	if out.Responses == nil {
		out.Responses = []routing.BackendResponse{}
	}
	if out.FailedBackends == nil {
		out.FailedBackends = []routing.BackendFailure{}
	}
	if primary != nil {
		out.Primary = NewCompletionResponse(primary, time.Duration(res.TotalTimeMs)*time.Millisecond)
	}
	return out
}

// InferenceError represents a request the facade refused before routing
type InferenceError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Error implements the error interface
func (e *InferenceError) Error() string {
	if e.RequestID != "" {
		return e.Message + " (request " + e.RequestID + ")"
	}
	return e.Message
}

// ErrorCode returns a stable machine-readable code
func (e *InferenceError) ErrorCode() string {
	return e.Code
}

// Common error codes
const (
	ErrCodeValidation = "validation"
	ErrCodeInternal   = "internal"
)

// NewValidationError creates a validation error
func NewValidationError(requestID, message string, fields map[string]string) *InferenceError {
	return &InferenceError{
		Code:      ErrCodeValidation,
		Message:   message,
		RequestID: requestID,
		Fields:    fields,
	}
}
