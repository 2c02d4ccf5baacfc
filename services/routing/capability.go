package routing

import (
	"github.com/upb/llm-router/services/providers"
)

// Scoring features
const (
	FeatureStreaming    = "streaming"
	FeatureTools        = "tools"
	FeatureVision       = "vision"
	FeatureJSON         = "json"
	FeatureLowCost      = "low_cost"
	FeatureLowLatency   = "low_latency"
	FeatureLargeContext = "large_context"
)

// scoringFeatures fixes the summation order so equal candidates get
// bit-identical totals
var scoringFeatures = []string{
	FeatureStreaming, FeatureTools, FeatureVision, FeatureJSON,
	FeatureLowCost, FeatureLowLatency, FeatureLargeContext,
}

func knownFeature(name string) bool {
	for _, f := range scoringFeatures {
		if f == name {
			return true
		}
	}
	return false
}

// requiredFor merges explicit requirements with what the request itself needs
func requiredFor(req *providers.ChatRequest, streaming bool) providers.RequiredCapabilities {
	var need providers.RequiredCapabilities
	if req.Metadata.Requirements != nil {
		need = req.Metadata.Requirements.Required
	}
	if streaming {
		need.Streaming = true
	}
	if len(req.Tools) > 0 {
		need.Tools = true
	}
	if req.HasImages() {
		need.Vision = true
	}
	if req.ResponseFormat == "json" {
		need.JSONMode = true
	}
	return need
}

// eligible reports whether a backend passes every hard requirement.
// A zero ContextWindow is treated as unknown and passes.
func eligible(meta providers.BackendMetadata, need providers.RequiredCapabilities, promptTokens int) bool {
	caps := meta.Capabilities
	if need.Streaming && !caps.Streaming {
		return false
	}
	if need.Tools && !caps.Tools {
		return false
	}
	if need.Vision && !caps.Vision {
		return false
	}
	if need.JSONMode && !caps.JSONMode {
		return false
	}
	if meta.ContextWindow > 0 {
		needed := need.MinContextWindow
		if promptTokens > needed {
			needed = promptTokens
		}
		if meta.ContextWindow < needed {
			return false
		}
	}
	return true
}

// scoringInput is one candidate with its raw feature inputs
type scoringInput struct {
	name       string
	meta       providers.BackendMetadata
	cost       float64
	hasCost    bool
	latency    float64
	hasLatency bool
}

// weightsFor merges config weights, request preferences and the objective
func (r *Router) weightsFor(req *providers.ChatRequest, strategy Strategy) map[string]float64 {
	weights := make(map[string]float64, len(r.cfg.ScoringWeights))
	for k, v := range r.cfg.ScoringWeights {
		weights[k] = v
	}

	objective := providers.OptimizeBalanced
	if rq := req.Metadata.Requirements; rq != nil {
		for k, v := range rq.Preferred {
			if knownFeature(k) {
				weights[k] = v
			}
		}
		if rq.Optimization != "" {
			objective = rq.Optimization
		}
	}

	switch strategy {
	case StrategyCostOptimized:
		objective = providers.OptimizeCost
	case StrategyLatencyOptimized:
		objective = providers.OptimizeLatency
	}

	switch objective {
	case providers.OptimizeCost:
		weights[FeatureLowCost] += r.cfg.ObjectiveWeight
	case providers.OptimizeLatency:
		weights[FeatureLowLatency] += r.cfg.ObjectiveWeight
	}
	return weights
}

// score returns the best candidate. Inputs are in registration order and
// ties keep the earliest.
func score(inputs []scoringInput, weights map[string]float64) (string, map[string]float64) {
	if len(inputs) == 0 {
		return "", nil
	}

	var (
		minCost, maxCost      float64
		minLat, maxLat        float64
		maxContext            int
		costSeen, latencySeen bool
	)
	for _, in := range inputs {
		if in.hasCost {
			if !costSeen || in.cost < minCost {
				minCost = in.cost
			}
			if !costSeen || in.cost > maxCost {
				maxCost = in.cost
			}
			costSeen = true
		}
		if in.hasLatency {
			if !latencySeen || in.latency < minLat {
				minLat = in.latency
			}
			if !latencySeen || in.latency > maxLat {
				maxLat = in.latency
			}
			latencySeen = true
		}
		if in.meta.ContextWindow > maxContext {
			maxContext = in.meta.ContextWindow
		}
	}

	scores := make(map[string]float64, len(inputs))
	best := ""
	bestScore := 0.0
	for _, in := range inputs {
		features := map[string]float64{
			FeatureStreaming:    boolFeature(in.meta.Capabilities.Streaming),
			FeatureTools:        boolFeature(in.meta.Capabilities.Tools),
			FeatureVision:       boolFeature(in.meta.Capabilities.Vision),
			FeatureJSON:         boolFeature(in.meta.Capabilities.JSONMode),
			FeatureLowCost:      lowIsBetter(in.cost, in.hasCost, minCost, maxCost, 0),
			FeatureLowLatency:   lowIsBetter(in.latency, in.hasLatency, minLat, maxLat, 0.5),
			FeatureLargeContext: 0,
		}
		if maxContext > 0 {
			features[FeatureLargeContext] = float64(in.meta.ContextWindow) / float64(maxContext)
		}

		total := 0.0
		for _, name := range scoringFeatures {
			total += weights[name] * features[name]
		}
		scores[in.name] = total
		if best == "" || total > bestScore {
			best = in.name
			bestScore = total
		}
	}
	return best, scores
}

func boolFeature(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// lowIsBetter normalizes v into [0,1] where the minimum scores 1
func lowIsBetter(v float64, ok bool, lo, hi, unknown float64) float64 {
	if !ok {
		return unknown
	}
	if hi == lo {
		return 1
	}
	return (hi - v) / (hi - lo)
}
