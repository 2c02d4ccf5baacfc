package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/upb/llm-router/services/breaker"
	"github.com/upb/llm-router/services/pipeline"
	"github.com/upb/llm-router/services/routing"
)

// BackendTypeOpenAI is an OpenAI-compatible chat completions API
const BackendTypeOpenAI = "openai"

// RoutingConfig holds router settings
type RoutingConfig struct {
	Strategy       string        `yaml:"strategy" validate:"oneof=round_robin random model_based cost_optimized latency_optimized capability_based explicit"`
	FallbackChain  []string      `yaml:"fallback_chain"`
	MaxRetries     int           `yaml:"max_retries" validate:"gte=0"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" validate:"gte=0"`

	// MaxTotalAttempts bounds outer retries times chain length. Zero disables the bound.
	MaxTotalAttempts int `yaml:"max_total_attempts" validate:"gte=0"`

	Breaker           breaker.Config             `yaml:"breaker"`
	ModelRoutes       map[string]string          `yaml:"model_routes"`
	ModelTranslations []routing.ModelTranslation `yaml:"model_translations" validate:"dive"`
	ScoringWeights    map[string]float64         `yaml:"scoring_weights"`
	ObjectiveWeight   float64                    `yaml:"objective_weight" validate:"gte=0"`
}

// RouterConfig converts the settings into the router's configuration
func (c RoutingConfig) RouterConfig() routing.Config {
	cfg := routing.DefaultConfig()
	cfg.Strategy = routing.Strategy(c.Strategy)
	cfg.MaxRetries = c.MaxRetries
	cfg.AttemptTimeout = c.AttemptTimeout
	cfg.Breaker = c.Breaker
	cfg.ModelTranslations = c.ModelTranslations
	cfg.ModelRoutes = c.ModelRoutes
	if len(c.ScoringWeights) > 0 {
		cfg.ScoringWeights = c.ScoringWeights
	}
	if c.ObjectiveWeight > 0 {
		cfg.ObjectiveWeight = c.ObjectiveWeight
	}
	return cfg
}

// CapabilitiesConfig toggles backend capabilities. Unset means enabled.
type CapabilitiesConfig struct {
	Streaming *bool `yaml:"streaming"`
	Tools     *bool `yaml:"tools"`
	Vision    *bool `yaml:"vision"`
	JSONMode  *bool `yaml:"json_mode"`
}

func enabled(v *bool) bool {
	return v == nil || *v
}

// BackendConfig declares one backend
type BackendConfig struct {
	Name          string             `yaml:"name" validate:"required,max=64"`
	Type          string             `yaml:"type" validate:"oneof=openai"`
	BaseURL       string             `yaml:"base_url" validate:"omitempty,url"`
	APIKey        string             `yaml:"api_key"`
	OrgID         string             `yaml:"org_id"`
	Models        []string           `yaml:"models"`
	DefaultModel  string             `yaml:"default_model"`
	ContextWindow int                `yaml:"context_window" validate:"gte=0"`
	Timeout       time.Duration      `yaml:"timeout" validate:"gte=0"`
	Capabilities  CapabilitiesConfig `yaml:"capabilities"`

	// Prices in USD per 1K tokens, as decimal strings
	InputPer1K  string `yaml:"input_per_1k"`
	OutputPer1K string `yaml:"output_per_1k"`
}

// HasCapability reports a capability toggle by name
func (b BackendConfig) HasCapability(name string) bool {
	switch name {
	case routing.FeatureStreaming:
		return enabled(b.Capabilities.Streaming)
	case routing.FeatureTools:
		return enabled(b.Capabilities.Tools)
	case routing.FeatureVision:
		return enabled(b.Capabilities.Vision)
	case routing.FeatureJSON:
		return enabled(b.Capabilities.JSONMode)
	}
	return false
}

// Prices parses the configured prices. Both are zero when unset.
func (b BackendConfig) Prices() (input, output decimal.Decimal, err error) {
	input, err = parsePrice(b.InputPer1K)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("input_per_1k: %w", err)
	}
	output, err = parsePrice(b.OutputPer1K)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("output_per_1k: %w", err)
	}
	return input, output, nil
}

// HasPrice reports whether any price is configured
func (b BackendConfig) HasPrice() bool {
	return b.InputPer1K != "" || b.OutputPer1K != ""
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("price %s is negative", s)
	}
	return d, nil
}

// PipelineConfig selects the built-in middleware
type PipelineConfig struct {
	// SystemPrompt is prepended when a request carries no system message
	SystemPrompt string `yaml:"system_prompt"`

	// RateLimit is disabled when nil
	RateLimit *pipeline.RateLimitConfig `yaml:"rate_limit"`

	// Guard screens user prompts; both checks off by default
	Guard pipeline.GuardConfig `yaml:"guard"`

	// Retry is the outer retry around a whole call
	Retry RetryConfig `yaml:"retry"`

	// RequestLogging enables the pipeline logging middleware
	RequestLogging bool `yaml:"request_logging"`
}

// RetryConfig is the outer retry policy
type RetryConfig struct {
	pipeline.RetryPolicy `yaml:",inline"`
}

func (r RetryConfig) check(chainLen, maxTotal int) error {
	return pipeline.CheckAmplification(r.RetryPolicy, chainLen, maxTotal)
}

// RoutingFile is the YAML document named by ROUTER_CONFIG_FILE
type RoutingFile struct {
	Routing  RoutingConfig   `yaml:"routing"`
	Backends []BackendConfig `yaml:"backends"`
	Pipeline PipelineConfig  `yaml:"pipeline"`
}

// LoadRoutingFile reads a routing file over base, so keys the file omits
// keep their base values. ${VAR} references are expanded from the
// environment before parsing, and unknown keys are rejected.
func LoadRoutingFile(path string, base RoutingFile) (*RoutingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing file: %w", err)
	}
	return ParseRoutingFile(data, base)
}

// ParseRoutingFile parses a routing document over base
func ParseRoutingFile(data []byte, base RoutingFile) (*RoutingFile, error) {
	out := base
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse routing file: %w", err)
	}
	for i := range out.Backends {
		if out.Backends[i].Type == "" {
			out.Backends[i].Type = BackendTypeOpenAI
		}
	}
	return &out, nil
}

// loadRoutingConfig loads router defaults from ROUTER_* env vars
func loadRoutingConfig() RoutingConfig {
	bc := breaker.DefaultConfig()
	return RoutingConfig{
		Strategy:         getEnv("ROUTER_STRATEGY", string(routing.StrategyRoundRobin)),
		FallbackChain:    getEnvAsList("ROUTER_FALLBACK_CHAIN", nil),
		MaxRetries:       getEnvAsInt("ROUTER_MAX_RETRIES", 2),
		AttemptTimeout:   getEnvAsDuration("ROUTER_ATTEMPT_TIMEOUT", 30*time.Second),
		MaxTotalAttempts: getEnvAsInt("ROUTER_MAX_TOTAL_ATTEMPTS", 10),
		Breaker: breaker.Config{
			FailureThreshold:  getEnvAsInt("BREAKER_FAILURE_THRESHOLD", bc.FailureThreshold),
			Cooldown:          getEnvAsDuration("BREAKER_COOLDOWN", bc.Cooldown),
			BackoffMultiplier: getEnvAsFloat("BREAKER_BACKOFF_MULTIPLIER", bc.BackoffMultiplier),
			MaxCooldown:       getEnvAsDuration("BREAKER_MAX_COOLDOWN", bc.MaxCooldown),
		},
	}
}

// loadPipelineConfig loads built-in middleware settings from env vars
func loadPipelineConfig() PipelineConfig {
	cfg := PipelineConfig{
		SystemPrompt:   getEnv("PIPELINE_SYSTEM_PROMPT", ""),
		RequestLogging: getEnvAsBool("PIPELINE_REQUEST_LOGGING", true),
		Guard: pipeline.GuardConfig{
			BlockInjection: getEnvAsBool("PIPELINE_BLOCK_INJECTION", false),
			RedactPII:      getEnvAsBool("PIPELINE_REDACT_PII", false),
		},
		Retry: RetryConfig{RetryPolicy: pipeline.RetryPolicy{
			MaxAttempts:    getEnvAsInt("RETRY_MAX_ATTEMPTS", 1),
			InitialBackoff: getEnvAsDuration("RETRY_INITIAL_BACKOFF", 200*time.Millisecond),
			MaxBackoff:     getEnvAsDuration("RETRY_MAX_BACKOFF", 5*time.Second),
			Multiplier:     getEnvAsFloat("RETRY_MULTIPLIER", 2),
		}},
	}
	if rps := getEnvAsFloat("RATE_LIMIT_RPS", 0); rps > 0 {
		cfg.RateLimit = &pipeline.RateLimitConfig{
			RequestsPerSecond: rps,
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", int(rps)+1),
			KeyField:          getEnv("RATE_LIMIT_KEY_FIELD", ""),
		}
	}
	return cfg
}
