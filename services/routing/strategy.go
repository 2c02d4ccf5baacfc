package routing

import (
	"context"
	"fmt"
	"path"
	"sort"

	"go.uber.org/zap"

	"github.com/upb/llm-router/services/providers"
)

// callPlan is the ordered list of backends one logical call may visit
type callPlan struct {
	strategy Strategy
	primary  string
	sequence []string
}

// plan filters backends on hard requirements, selects the primary and
// appends the fallback chain without repeats
func (r *Router) plan(ctx context.Context, req *providers.ChatRequest, streaming bool) (*callPlan, error) {
	names := r.registry.Names()
	if len(names) == 0 {
		return nil, newRouterError(req, ErrNoBackends, nil, nil)
	}

	need := requiredFor(req, streaming)
	promptTokens := 0
	if r.tokens != nil {
		promptTokens = r.tokens.CountRequest(req)
	}

	eligibleSet := make(map[string]bool, len(names))
	var eligibleNames []string
	for _, name := range names {
		adapter, err := r.registry.Get(name)
		if err != nil {
			continue
		}
		if eligible(adapter.Metadata(), need, promptTokens) {
			eligibleSet[name] = true
			eligibleNames = append(eligibleNames, name)
		}
	}
	if len(eligibleNames) == 0 {
		return nil, newRouterError(req, ErrNoEligibleBackend, nil,
			fmt.Errorf("no backend meets the request requirements (prompt tokens %d)", promptTokens))
	}

	strategy := r.cfg.Strategy
	var primary string
	if req.Metadata.Backend != "" || strategy == StrategyExplicit {
		strategy = StrategyExplicit
		primary = req.Metadata.Backend
		if primary == "" {
			return nil, newRouterError(req, ErrUnknownBackend, nil,
				fmt.Errorf("explicit routing requires a backend in request metadata"))
		}
		if _, err := r.registry.Get(primary); err != nil {
			return nil, newRouterError(req, ErrUnknownBackend, nil, fmt.Errorf("backend %q", primary))
		}
		if !eligibleSet[primary] {
			return nil, newRouterError(req, ErrNoEligibleBackend, nil,
				fmt.Errorf("backend %q does not meet the request requirements", primary))
		}
	} else {
		var candidates []string
		for _, name := range eligibleNames {
			if r.breakers.Get(name).Admits() {
				candidates = append(candidates, name)
			}
		}
		if len(candidates) > 0 {
			var err error
			primary, err = r.selectPrimary(ctx, req, strategy, names, candidates)
			if err != nil {
				return nil, newRouterError(req, nil, nil, err)
			}
		}
	}

	seq := make([]string, 0, len(eligibleNames))
	seen := make(map[string]bool, len(eligibleNames))
	if primary != "" {
		seq = append(seq, primary)
		seen[primary] = true
	}
	for _, name := range r.fallbackOrder() {
		if eligibleSet[name] && !seen[name] {
			seq = append(seq, name)
			seen[name] = true
		}
	}
	if len(seq) == 0 {
		return nil, newRouterError(req, ErrNoEligibleBackend, nil,
			fmt.Errorf("fallback chain holds no eligible backend"))
	}

	r.logger.Debug("routing plan",
		zap.String("request_id", req.Metadata.RequestID),
		zap.String("strategy", string(strategy)),
		zap.String("primary", primary),
		zap.Strings("sequence", seq),
	)
	return &callPlan{strategy: strategy, primary: primary, sequence: seq}, nil
}

// selectPrimary applies the strategy to admitted candidates, given in
// registration order. all is every registered name in registration order.
func (r *Router) selectPrimary(ctx context.Context, req *providers.ChatRequest, strategy Strategy, all, candidates []string) (string, error) {
	switch strategy {
	case StrategyRoundRobin:
		return r.selectRoundRobin(all, candidates), nil
	case StrategyRandom:
		return r.selectRandom(candidates), nil
	case StrategyModelBased:
		return r.selectByModel(req, candidates), nil
	case StrategyCostOptimized, StrategyLatencyOptimized, StrategyCapabilityBased:
		return r.selectByScore(req, strategy, candidates), nil
	case StrategyCustom:
		return r.selectCustom(ctx, req, candidates)
	default:
		return "", fmt.Errorf("unknown routing strategy %q", strategy)
	}
}

// selectRoundRobin advances a shared cursor over registration order and
// takes the first admitted backend at or after it
func (r *Router) selectRoundRobin(all, candidates []string) string {
	admitted := make(map[string]bool, len(candidates))
	for _, name := range candidates {
		admitted[name] = true
	}

	start := int((r.cursor.Add(1) - 1) % uint64(len(all)))
	for i := 0; i < len(all); i++ {
		name := all[(start+i)%len(all)]
		if admitted[name] {
			return name
		}
	}
	return candidates[0]
}

func (r *Router) selectRandom(candidates []string) string {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return candidates[r.rng.Intn(len(candidates))]
}

// selectByModel consults the static route table, most specific pattern
// first, then the backends' own model lists
func (r *Router) selectByModel(req *providers.ChatRequest, candidates []string) string {
	admitted := make(map[string]bool, len(candidates))
	for _, name := range candidates {
		admitted[name] = true
	}

	if req.Model != "" && len(r.cfg.ModelRoutes) > 0 {
		patterns := make([]string, 0, len(r.cfg.ModelRoutes))
		for p := range r.cfg.ModelRoutes {
			patterns = append(patterns, p)
		}
		sort.Slice(patterns, func(i, j int) bool {
			if len(patterns[i]) != len(patterns[j]) {
				return len(patterns[i]) > len(patterns[j])
			}
			return patterns[i] < patterns[j]
		})
		for _, p := range patterns {
			ok, err := path.Match(p, req.Model)
			if err != nil || !ok {
				continue
			}
			if backend := r.cfg.ModelRoutes[p]; admitted[backend] {
				return backend
			}
		}
	}

	for _, name := range candidates {
		adapter, err := r.registry.Get(name)
		if err != nil {
			continue
		}
		if adapter.Metadata().ListsModel(req.Model) {
			return name
		}
	}
	return candidates[0]
}

func (r *Router) selectByScore(req *providers.ChatRequest, strategy Strategy, candidates []string) string {
	inputs := make([]scoringInput, 0, len(candidates))
	for _, name := range candidates {
		adapter, err := r.registry.Get(name)
		if err != nil {
			continue
		}
		in := scoringInput{name: name, meta: adapter.Metadata()}
		in.cost, in.hasCost = adapter.EstimateCost(req)
		if l, ok := r.latency.Get(name); ok {
			in.latency, in.hasLatency = float64(l), true
		}
		inputs = append(inputs, in)
	}

	best, scores := score(inputs, r.weightsFor(req, strategy))
	r.logger.Debug("capability scores",
		zap.String("request_id", req.Metadata.RequestID),
		zap.Any("scores", scores),
	)
	if best == "" {
		return candidates[0]
	}
	return best
}

func (r *Router) selectCustom(ctx context.Context, req *providers.ChatRequest, candidates []string) (string, error) {
	infos := make([]Candidate, 0, len(candidates))
	for _, name := range candidates {
		adapter, err := r.registry.Get(name)
		if err != nil {
			continue
		}
		infos = append(infos, Candidate{
			Name:     name,
			Metadata: adapter.Metadata(),
			Health:   r.breakers.Get(name).Health(),
		})
	}

	name, err := r.cfg.CustomSelector.Select(ctx, req, infos)
	if err != nil {
		return "", fmt.Errorf("custom selector: %w", err)
	}
	for _, c := range candidates {
		if c == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: custom selector chose %q", ErrUnknownBackend, name)
}
