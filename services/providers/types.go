package providers

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason describes why a completion ended
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
	FinishCancelled     FinishReason = "cancelled"
)

// StreamMode controls whether content chunks carry cumulative text
type StreamMode string

const (
	StreamModeDelta       StreamMode = "delta"
	StreamModeAccumulated StreamMode = "accumulated"
)

// Optimization is the objective used by capability scoring
type Optimization string

const (
	OptimizeBalanced Optimization = "balanced"
	OptimizeCost     Optimization = "cost"
	OptimizeLatency  Optimization = "latency"
)

// ChatRequest is the canonical chat completion request.
// Treat values as immutable once handed to the router; use Clone or the
// With* helpers to derive a modified request.
type ChatRequest struct {
	// Messages in conversation order
	Messages []Message `json:"messages"`

	// Tools the model may call
	Tools []ToolDefinition `json:"tools,omitempty"`

	// ToolChoice is "auto", "none", "required" or a tool name
	ToolChoice string `json:"tool_choice,omitempty"`

	// Model identifier (e.g., "gpt-4o")
	Model string `json:"model,omitempty"`

	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	// ResponseFormat is empty or "json"
	ResponseFormat string `json:"response_format,omitempty"`

	Stream     bool       `json:"stream,omitempty"`
	StreamMode StreamMode `json:"stream_mode,omitempty"`

	Metadata RequestMetadata `json:"metadata"`
}

// RequestMetadata travels with a request through every component
type RequestMetadata struct {
	// RequestID is stable for one logical call, across all fallback attempts
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Source records where the request entered the system (e.g., "http", "ws")
	Source string `json:"source,omitempty"`

	// Backend pins the request to one backend under the explicit strategy
	Backend string `json:"backend,omitempty"`

	Requirements *CapabilityRequirements `json:"requirements,omitempty"`

	Custom map[string]string `json:"custom,omitempty"`
}

// CapabilityRequirements drives capability-based routing
type CapabilityRequirements struct {
	Required     RequiredCapabilities `json:"required"`
	Preferred    map[string]float64   `json:"preferred,omitempty"`
	Optimization Optimization         `json:"optimization,omitempty"`
}

// RequiredCapabilities are hard filters; a backend failing any is not eligible
type RequiredCapabilities struct {
	Streaming        bool `json:"streaming,omitempty"`
	Tools            bool `json:"tools,omitempty"`
	Vision           bool `json:"vision,omitempty"`
	JSONMode         bool `json:"json_mode,omitempty"`
	MinContextWindow int  `json:"min_context_window,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Name is an optional identifier for the message sender
	Name string `json:"name,omitempty"`

	// ImageURLs attached to a user message
	ImageURLs []string `json:"image_urls,omitempty"`

	// ToolCalls requested by an assistant message
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message to the call it answers
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a callable tool
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a complete tool invocation produced by the model
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the canonical chat completion response
type ChatResponse struct {
	ID           string           `json:"id"`
	Model        string           `json:"model"`
	Message      Message          `json:"message"`
	FinishReason FinishReason     `json:"finish_reason"`
	Usage        *Usage           `json:"usage,omitempty"`
	Metadata     ResponseMetadata `json:"metadata"`
	Latency      time.Duration    `json:"latency"`
	Created      time.Time        `json:"created"`
}

// ResponseMetadata mirrors the request id and records provenance
type ResponseMetadata struct {
	RequestID  string            `json:"request_id"`
	Provenance *Provenance       `json:"provenance,omitempty"`
	Custom     map[string]string `json:"custom,omitempty"`
}

// AttemptOutcome classifies one routing attempt
type AttemptOutcome string

const (
	OutcomeSuccess     AttemptOutcome = "success"
	OutcomeFailure     AttemptOutcome = "failure"
	OutcomeFatal       AttemptOutcome = "fatal"
	OutcomeCircuitOpen AttemptOutcome = "circuit_open"
	OutcomeCancelled   AttemptOutcome = "cancelled"
)

// Attempt records one backend considered for a logical request
type Attempt struct {
	Backend   string         `json:"backend"`
	Outcome   AttemptOutcome `json:"outcome"`
	LatencyMs int64          `json:"latency_ms"`
	Model     string         `json:"model,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Provenance describes which backend(s) served a response and how
type Provenance struct {
	Backend       string    `json:"backend"`
	Strategy      string    `json:"strategy"`
	Attempts      []Attempt `json:"attempts"`
	FallbackUsed  bool      `json:"fallback_used"`
	OriginalModel string    `json:"original_model,omitempty"`
}

// AttemptCount returns the number of backend calls made. Circuit skips are
// recorded in Attempts but are not calls.
func (p *Provenance) AttemptCount() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, a := range p.Attempts {
		if a.Outcome != OutcomeCircuitOpen {
			n++
		}
	}
	return n
}

// ChunkType tags a stream chunk variant
type ChunkType string

const (
	ChunkStart    ChunkType = "start"
	ChunkContent  ChunkType = "content"
	ChunkToolUse  ChunkType = "tool_use"
	ChunkMetadata ChunkType = "metadata"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// IsTerminal reports whether the chunk type ends a stream
func (t ChunkType) IsTerminal() bool {
	return t == ChunkDone || t == ChunkError
}

// StreamChunk is one canonical streaming event
type StreamChunk struct {
	Type     ChunkType `json:"type"`
	Sequence int       `json:"sequence"`

	// content
	Delta       string `json:"delta,omitempty"`
	Accumulated string `json:"accumulated,omitempty"`

	// tool_use
	ToolCall *ToolCallDelta `json:"tool_call,omitempty"`

	// metadata and done
	Usage *Usage `json:"usage,omitempty"`

	// done
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Message      *Message     `json:"message,omitempty"`

	// error
	Error *ChunkFailure `json:"error,omitempty"`

	// start and done
	Metadata *ResponseMetadata `json:"metadata,omitempty"`
	Model    string            `json:"model,omitempty"`
}

// ToolCallDelta is an incremental tool-call fragment
type ToolCallDelta struct {
	Index          int    `json:"index"`
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

// ChunkFailure is the payload of an error chunk
type ChunkFailure struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Clone returns a copy of the request that shares no slices or maps with r
func (r *ChatRequest) Clone() *ChatRequest {
	c := *r
	c.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		c.Messages[i] = m.clone()
	}
	if r.Tools != nil {
		c.Tools = append([]ToolDefinition(nil), r.Tools...)
	}
	if r.Stop != nil {
		c.Stop = append([]string(nil), r.Stop...)
	}
	if r.Metadata.Custom != nil {
		c.Metadata.Custom = make(map[string]string, len(r.Metadata.Custom))
		for k, v := range r.Metadata.Custom {
			c.Metadata.Custom[k] = v
		}
	}
	if r.Metadata.Requirements != nil {
		req := *r.Metadata.Requirements
		if req.Preferred != nil {
			req.Preferred = make(map[string]float64, len(r.Metadata.Requirements.Preferred))
			for k, v := range r.Metadata.Requirements.Preferred {
				req.Preferred[k] = v
			}
		}
		c.Metadata.Requirements = &req
	}
	return &c
}

// WithModel returns a copy of the request targeting another model
func (r *ChatRequest) WithModel(model string) *ChatRequest {
	c := r.Clone()
	c.Model = model
	return c
}

// WithMessages returns a copy of the request with a replaced message list
func (r *ChatRequest) WithMessages(messages []Message) *ChatRequest {
	c := r.Clone()
	c.Messages = make([]Message, len(messages))
	for i, m := range messages {
		c.Messages[i] = m.clone()
	}
	return c
}

// WithRequestID returns a copy of the request carrying the given id
func (r *ChatRequest) WithRequestID(id string) *ChatRequest {
	c := r.Clone()
	c.Metadata.RequestID = id
	return c
}

// HasImages reports whether any message carries image input
func (r *ChatRequest) HasImages() bool {
	for _, m := range r.Messages {
		if len(m.ImageURLs) > 0 {
			return true
		}
	}
	return false
}

// Text concatenates all message contents, used for token estimation
func (r *ChatRequest) Text() string {
	var sb strings.Builder
	for _, m := range r.Messages {
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (m Message) clone() Message {
	if m.ImageURLs != nil {
		m.ImageURLs = append([]string(nil), m.ImageURLs...)
	}
	if m.ToolCalls != nil {
		m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return m
}

// Clone returns a shallow copy of the response with its own metadata maps
func (r *ChatResponse) Clone() *ChatResponse {
	c := *r
	if r.Usage != nil {
		u := *r.Usage
		c.Usage = &u
	}
	if r.Metadata.Custom != nil {
		c.Metadata.Custom = make(map[string]string, len(r.Metadata.Custom))
		for k, v := range r.Metadata.Custom {
			c.Metadata.Custom[k] = v
		}
	}
	if r.Metadata.Provenance != nil {
		p := *r.Metadata.Provenance
		p.Attempts = append([]Attempt(nil), r.Metadata.Provenance.Attempts...)
		c.Metadata.Provenance = &p
	}
	c.Message = r.Message.clone()
	return &c
}
