package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/llm-router/services/breaker"
	"github.com/upb/llm-router/services/providers"
)

// Strategy defines how the primary backend is selected
type Strategy string

const (
	// StrategyExplicit uses the backend named in the request metadata
	StrategyExplicit Strategy = "explicit"

	// StrategyRoundRobin distributes requests across backends in registration order
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyRandom picks uniformly among admitted backends
	StrategyRandom Strategy = "random"

	// StrategyModelBased routes on the requested model name
	StrategyModelBased Strategy = "model_based"

	// StrategyCostOptimized scores backends with the cost objective
	StrategyCostOptimized Strategy = "cost_optimized"

	// StrategyLatencyOptimized scores backends with the latency objective
	StrategyLatencyOptimized Strategy = "latency_optimized"

	// StrategyCapabilityBased scores backends with the request's own objective
	StrategyCapabilityBased Strategy = "capability_based"

	// StrategyCustom delegates to a caller-supplied Selector
	StrategyCustom Strategy = "custom"
)

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	switch s {
	case StrategyExplicit, StrategyRoundRobin, StrategyRandom, StrategyModelBased,
		StrategyCostOptimized, StrategyLatencyOptimized, StrategyCapabilityBased, StrategyCustom:
		return true
	}
	return false
}

// Candidate is what a custom Selector sees of each admitted backend
type Candidate struct {
	Name     string
	Metadata providers.BackendMetadata
	Health   breaker.Health
}

// Selector picks the primary backend for the custom strategy
type Selector interface {
	Select(ctx context.Context, req *providers.ChatRequest, candidates []Candidate) (string, error)
}

// SelectorFunc adapts a function to the Selector interface
type SelectorFunc func(ctx context.Context, req *providers.ChatRequest, candidates []Candidate) (string, error)

// Select implements Selector
func (f SelectorFunc) Select(ctx context.Context, req *providers.ChatRequest, candidates []Candidate) (string, error) {
	return f(ctx, req, candidates)
}

// ModelTranslation maps model names when a request moves to a backend that
// does not serve the requested model
type ModelTranslation struct {
	// From is the backend the request was aimed at. Empty matches any hop.
	From string `yaml:"from"`

	// To is the backend the request is moving to
	To string `yaml:"to" validate:"required"`

	// Models maps requested model to target model. The key "*" matches any model.
	Models map[string]string `yaml:"models" validate:"required"`
}

// Config holds configuration for the router
type Config struct {
	// Strategy selects the primary backend
	Strategy Strategy

	// MaxRetries is the number of extra calls made when the chain has a
	// single backend
	MaxRetries int

	// AttemptTimeout bounds each non-streaming backend call. Zero disables it.
	AttemptTimeout time.Duration

	// Breaker configures every backend's circuit breaker
	Breaker breaker.Config

	// ModelTranslations are consulted before each call
	ModelTranslations []ModelTranslation

	// ModelRoutes maps model glob patterns to backends for model_based routing
	ModelRoutes map[string]string

	// ScoringWeights are the base feature weights for scored strategies
	ScoringWeights map[string]float64

	// ObjectiveWeight is added to the objective's feature weight
	ObjectiveWeight float64

	// CustomSelector is required by the custom strategy
	CustomSelector Selector

	// LatencyAlpha is the smoothing factor of the latency average
	LatencyAlpha float64
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		Strategy:        StrategyRoundRobin,
		MaxRetries:      2,
		AttemptTimeout:  30 * time.Second,
		Breaker:         breaker.DefaultConfig(),
		ObjectiveWeight: 1.0,
		LatencyAlpha:    0.3,
		ScoringWeights: map[string]float64{
			FeatureStreaming:    0.1,
			FeatureTools:        0.1,
			FeatureVision:       0.1,
			FeatureJSON:         0.1,
			FeatureLowCost:      0.5,
			FeatureLowLatency:   0.5,
			FeatureLargeContext: 0.2,
		},
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if !c.Strategy.Valid() {
		return fmt.Errorf("unknown routing strategy %q", c.Strategy)
	}
	if c.Strategy == StrategyCustom && c.CustomSelector == nil {
		return fmt.Errorf("custom strategy requires a selector")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}
	if c.AttemptTimeout < 0 {
		return fmt.Errorf("attempt timeout must be non-negative")
	}
	if c.LatencyAlpha < 0 || c.LatencyAlpha > 1 {
		return fmt.Errorf("latency alpha must be between 0 and 1")
	}
	for name := range c.ScoringWeights {
		if !knownFeature(name) {
			return fmt.Errorf("unknown scoring feature %q", name)
		}
	}
	for i, t := range c.ModelTranslations {
		if t.To == "" {
			return fmt.Errorf("model translation %d has no target backend", i)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
	if c.ObjectiveWeight == 0 {
		c.ObjectiveWeight = 1.0
	}
	if c.LatencyAlpha == 0 {
		c.LatencyAlpha = 0.3
	}
	if c.ScoringWeights == nil {
		c.ScoringWeights = DefaultConfig().ScoringWeights
	}
	return c
}
