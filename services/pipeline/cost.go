package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upb/llm-router/services/providers"
)

// CostMetadataKey is the response custom metadata key holding the call cost
const CostMetadataKey = "cost_usd"

var thousand = decimal.NewFromInt(1000)

// Price is the USD price per 1K tokens of one backend
type Price struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

// Cost prices a usage record
func (p Price) Cost(u providers.Usage) decimal.Decimal {
	in := p.InputPer1K.Mul(decimal.NewFromInt(int64(u.PromptTokens))).Div(thousand)
	out := p.OutputPer1K.Mul(decimal.NewFromInt(int64(u.CompletionTokens))).Div(thousand)
	return in.Add(out)
}

// CostTracker accumulates spend per backend from response usage
type CostTracker struct {
	mu     sync.Mutex
	prices map[string]Price
	totals map[string]decimal.Decimal
	logger *zap.Logger
}

// NewCostTracker creates a CostTracker. Backends without a price are not tracked.
func NewCostTracker(prices map[string]Price, logger *zap.Logger) *CostTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := make(map[string]Price, len(prices))
	for k, v := range prices {
		p[k] = v
	}
	return &CostTracker{
		prices: p,
		totals: make(map[string]decimal.Decimal),
		logger: logger,
	}
}

func (t *CostTracker) Name() string { return "cost" }

func (t *CostTracker) ProcessRequest(ctx context.Context, req *providers.ChatRequest) (*providers.ChatRequest, error) {
	return req, nil
}

func (t *CostTracker) ProcessResponse(ctx context.Context, req *providers.ChatRequest, resp *providers.ChatResponse) (*providers.ChatResponse, error) {
	prov := resp.Metadata.Provenance
	if prov == nil || prov.Backend == "" || resp.Usage == nil {
		return resp, nil
	}
	price, ok := t.prices[prov.Backend]
	if !ok {
		return resp, nil
	}

	cost := price.Cost(*resp.Usage)
	t.mu.Lock()
	t.totals[prov.Backend] = t.totals[prov.Backend].Add(cost)
	t.mu.Unlock()

	t.logger.Debug("call cost",
		zap.String("request_id", req.Metadata.RequestID),
		zap.String("backend", prov.Backend),
		zap.String("cost_usd", cost.StringFixed(6)),
	)

	out := resp.Clone()
	if out.Metadata.Custom == nil {
		out.Metadata.Custom = make(map[string]string, 1)
	}
	out.Metadata.Custom[CostMetadataKey] = cost.StringFixed(6)
	return out, nil
}

// Total returns the accumulated spend of one backend
func (t *CostTracker) Total(backend string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[backend]
}

// BackendCost is one backend's accumulated spend
type BackendCost struct {
	Backend string          `json:"backend"`
	CostUSD decimal.Decimal `json:"cost_usd"`
}

// Totals returns accumulated spend per backend sorted by name
func (t *CostTracker) Totals() []BackendCost {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]BackendCost, 0, len(t.totals))
	for name, total := range t.totals {
		out = append(out, BackendCost{Backend: name, CostUSD: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}
