package providers

import (
	"context"
	"path"
	"time"
)

// Adapter represents one backend able to serve canonical chat requests.
// Implementations translate to and from a provider's wire format and own
// the transport; they do not retry or fall back on their own.
type Adapter interface {
	// Metadata returns static information about the backend
	Metadata() BackendMetadata

	// Execute performs a chat completion request
	Execute(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ExecuteStream opens a streaming completion. The returned stream is
	// finite and cannot be restarted.
	ExecuteStream(ctx context.Context, req *ChatRequest) (Stream, error)

	// HealthCheck reports whether the backend is reachable
	HealthCheck(ctx context.Context) bool

	// EstimateCost estimates the cost in USD for a request. The boolean is
	// false when no estimate is available.
	EstimateCost(req *ChatRequest) (float64, bool)
}

// Stream is a lazy sequence of chunks produced by an adapter.
// Next returns io.EOF once the backend has nothing more to send. Next must
// return promptly after Close or after the context passed to ExecuteStream
// is cancelled.
type Stream interface {
	Next() (StreamChunk, error)
	Close() error
}

// Capabilities flags what a backend supports
type Capabilities struct {
	Streaming bool `json:"streaming" yaml:"streaming"`
	Tools     bool `json:"tools" yaml:"tools"`
	Vision    bool `json:"vision" yaml:"vision"`
	JSONMode  bool `json:"json_mode" yaml:"json_mode"`
}

// BackendMetadata describes a backend for selection and scoring
type BackendMetadata struct {
	Name          string       `json:"name"`
	Provider      string       `json:"provider"`
	Capabilities  Capabilities `json:"capabilities"`
	ContextWindow int          `json:"context_window"`

	// SupportedModels may contain glob patterns ("gpt-4*"). Empty means any.
	SupportedModels []string `json:"supported_models,omitempty"`

	// DefaultModel is used when a request's model is not supported and no
	// translation applies
	DefaultModel string `json:"default_model,omitempty"`

	SupportedParameters []string `json:"supported_parameters,omitempty"`
}

// SupportsModel reports whether the backend natively serves a model
func (m BackendMetadata) SupportsModel(model string) bool {
	if len(m.SupportedModels) == 0 || model == "" {
		return true
	}
	return m.matchesModel(model)
}

// ListsModel reports whether the model matches an explicit SupportedModels
// entry. Unlike SupportsModel, an empty list matches nothing.
func (m BackendMetadata) ListsModel(model string) bool {
	if model == "" {
		return false
	}
	return m.matchesModel(model)
}

func (m BackendMetadata) matchesModel(model string) bool {
	for _, pattern := range m.SupportedModels {
		if pattern == model {
			return true
		}
		if ok, err := path.Match(pattern, model); err == nil && ok {
			return true
		}
	}
	return false
}

// ProviderConfig holds common configuration for HTTP-based adapters
type ProviderConfig struct {
	// Name the backend is registered under
	Name string

	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// Timeout for requests
	Timeout time.Duration

	// Additional headers
	Headers map[string]string

	// OrgID for organization-specific endpoints
	OrgID string
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout: 60 * time.Second,
		Headers: make(map[string]string),
	}
}
