// Package openai adapts OpenAI-compatible chat completion APIs to the
// canonical request model.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/upb/llm-router/internal/tokens"
	"github.com/upb/llm-router/services/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	// defaultCompletionTokens is assumed when a request sets no MaxTokens
	defaultCompletionTokens = 500

	maxErrorBody = 64 << 10
)

var thousand = decimal.NewFromInt(1000)

// ModelPrice is the USD price per 1K tokens of one model
type ModelPrice struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

// Config configures one OpenAI-compatible backend
type Config struct {
	providers.ProviderConfig

	// Models are the model globs this backend serves. Empty means the
	// built-in price table.
	Models       []string
	DefaultModel string

	Capabilities  providers.Capabilities
	ContextWindow int

	// Prices override or extend the built-in price table, keyed by model
	Prices map[string]ModelPrice
}

// Adapter implements providers.Adapter for OpenAI-compatible APIs
type Adapter struct {
	config     Config
	httpClient *http.Client
	counter    *tokens.Counter
	prices     map[string]ModelPrice
}

// NewAdapter creates a new OpenAI adapter. counter may be nil, in which
// case cost estimates use a character heuristic.
func NewAdapter(config Config, counter *tokens.Counter) *Adapter {
	if config.Name == "" {
		config.Name = "openai"
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.ContextWindow == 0 {
		config.ContextWindow = 128000
	}

	prices := defaultPrices()
	for model, p := range config.Prices {
		prices[model] = p
	}
	if len(config.Models) == 0 {
		for model := range prices {
			config.Models = append(config.Models, model)
		}
		sort.Strings(config.Models)
	}

	return &Adapter{
		config: config,
		// Streams can outlive Timeout, so it bounds only the wait for headers
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: config.Timeout,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		counter: counter,
		prices:  prices,
	}
}

func defaultPrices() map[string]ModelPrice {
	p := func(in, out string) ModelPrice {
		return ModelPrice{InputPer1K: decimal.RequireFromString(in), OutputPer1K: decimal.RequireFromString(out)}
	}
	return map[string]ModelPrice{
		"gpt-4":         p("0.03", "0.06"),
		"gpt-4-turbo":   p("0.01", "0.03"),
		"gpt-4o":        p("0.005", "0.015"),
		"gpt-4o-mini":   p("0.00015", "0.0006"),
		"gpt-3.5-turbo": p("0.0005", "0.0015"),
	}
}

// Metadata implements providers.Adapter
func (a *Adapter) Metadata() providers.BackendMetadata {
	return providers.BackendMetadata{
		Name:            a.config.Name,
		Provider:        "openai",
		Capabilities:    a.config.Capabilities,
		ContextWindow:   a.config.ContextWindow,
		SupportedModels: append([]string(nil), a.config.Models...),
		DefaultModel:    a.config.DefaultModel,
		SupportedParameters: []string{
			"max_tokens", "temperature", "top_p", "stop", "tools", "tool_choice", "response_format",
		},
	}
}

// Execute implements providers.Adapter
func (a *Adapter) Execute(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	httpResp, err := a.post(ctx, a.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.Classify(a.config.Name, err)
	}

	var wire chatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, providers.NewProviderError(a.config.Name, "unmarshal_error", "failed to decode response", httpResp.StatusCode, false, err)
	}
	if len(wire.Choices) == 0 {
		return nil, providers.NewProviderError(a.config.Name, "empty_choices", "response has no choices", httpResp.StatusCode, false, nil)
	}

	return a.convertResponse(&wire, req, time.Since(start)), nil
}

// ExecuteStream implements providers.Adapter
func (a *Adapter) ExecuteStream(ctx context.Context, req *providers.ChatRequest) (providers.Stream, error) {
	httpResp, err := a.post(ctx, a.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	return newSSEStream(ctx, a.config.Name, httpResp.Body), nil
}

// HealthCheck implements providers.Adapter
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/models", nil)
	if err != nil {
		return false
	}
	a.setHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	return resp.StatusCode == http.StatusOK
}

// EstimateCost implements providers.Adapter
func (a *Adapter) EstimateCost(req *providers.ChatRequest) (float64, bool) {
	price, ok := a.priceFor(req.Model)
	if !ok {
		return 0, false
	}

	var promptTokens int
	if a.counter != nil {
		promptTokens = a.counter.CountRequest(req)
	} else {
		promptTokens = tokens.Estimate(req.Text())
	}
	completionTokens := req.MaxTokens
	if completionTokens <= 0 {
		completionTokens = defaultCompletionTokens
	}

	cost := price.InputPer1K.Mul(decimal.NewFromInt(int64(promptTokens))).
		Add(price.OutputPer1K.Mul(decimal.NewFromInt(int64(completionTokens)))).
		Div(thousand)
	f, _ := cost.Float64()
	return f, true
}

// Price returns the configured price of a model
func (a *Adapter) Price(model string) (ModelPrice, bool) {
	return a.priceFor(model)
}

func (a *Adapter) priceFor(model string) (ModelPrice, bool) {
	if model == "" {
		model = a.config.DefaultModel
	}
	if p, ok := a.prices[model]; ok {
		return p, true
	}
	// dated snapshots such as gpt-4o-2024-08-06 use the base model price
	best := ""
	for name := range a.prices {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelPrice{}, false
	}
	return a.prices[best], true
}

// post sends a chat completion request and maps error statuses
func (a *Adapter) post(ctx context.Context, wire *chatRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, providers.NewValidationError(a.config.Name, "failed to encode request: "+err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(a.config.Name, "request_error", "failed to create request", 0, true, err)
	}
	a.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	if wire.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.Classify(a.config.Name, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, a.errorFromResponse(httpResp)
	}
	return httpResp, nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	if a.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
	if a.config.OrgID != "" {
		req.Header.Set("OpenAI-Organization", a.config.OrgID)
	}
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}
}

// errorFromResponse maps an error status onto the provider error taxonomy
func (a *Adapter) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	retryAfter := providers.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())

	message := strings.TrimSpace(string(body))
	code := ""
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		code = errResp.Error.Type
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	perr := providers.FromStatus(a.config.Name, resp.StatusCode, message, retryAfter)
	perr.Code = code
	return perr
}

// buildRequest converts a canonical request to the OpenAI wire format
func (a *Adapter) buildRequest(req *providers.ChatRequest, stream bool) *chatRequest {
	model := req.Model
	if model == "" {
		model = a.config.DefaultModel
	}

	wire := &chatRequest{
		Model:    model,
		Messages: make([]wireMessage, len(req.Messages)),
		Stop:     req.Stop,
		Stream:   stream,
	}
	if stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	for i, msg := range req.Messages {
		wire.Messages[i] = convertMessage(msg)
	}

	if req.MaxTokens > 0 {
		v := req.MaxTokens
		wire.MaxTokens = &v
	}
	if req.Temperature > 0 {
		v := req.Temperature
		wire.Temperature = &v
	}
	if req.TopP > 0 {
		v := req.TopP
		wire.TopP = &v
	}
	if req.ResponseFormat == "json" {
		wire.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if req.Metadata.Source != "" {
		wire.User = req.Metadata.Source
	}

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	switch req.ToolChoice {
	case "":
	case "auto", "none", "required":
		wire.ToolChoice = req.ToolChoice
	default:
		named := namedToolChoice{Type: "function"}
		named.Function.Name = req.ToolChoice
		wire.ToolChoice = named
	}
	return wire
}

func convertMessage(msg providers.Message) wireMessage {
	out := wireMessage{
		Role:       string(msg.Role),
		Content:    msg.Content,
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
	}
	if len(msg.ImageURLs) > 0 {
		parts := make([]contentPart, 0, len(msg.ImageURLs)+1)
		if msg.Content != "" {
			parts = append(parts, contentPart{Type: "text", Text: msg.Content})
		}
		for _, u := range msg.ImageURLs {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: u}})
		}
		out.Content = parts
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, wireToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: wireFunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	if msg.Role == providers.RoleAssistant && msg.Content == "" && len(out.ToolCalls) > 0 {
		out.Content = nil
	}
	return out
}

// convertResponse converts the first choice to a canonical response
func (a *Adapter) convertResponse(wire *chatResponse, req *providers.ChatRequest, latency time.Duration) *providers.ChatResponse {
	c := wire.Choices[0]
	msg := providers.Message{Role: providers.RoleAssistant}
	if c.Message.Content != nil {
		msg.Content = *c.Message.Content
	}
	for _, tc := range c.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	resp := &providers.ChatResponse{
		ID:           wire.ID,
		Model:        wire.Model,
		Message:      msg,
		FinishReason: finishReason(c.FinishReason),
		Metadata:     providers.ResponseMetadata{RequestID: req.Metadata.RequestID},
		Latency:      latency,
		Created:      time.Unix(wire.Created, 0),
	}
	if wire.Created == 0 {
		resp.Created = time.Now()
	}
	if wire.Usage != nil {
		resp.Usage = &providers.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	return resp
}

func finishReason(reason *string) providers.FinishReason {
	if reason == nil {
		return ""
	}
	switch *reason {
	case "stop":
		return providers.FinishStop
	case "length":
		return providers.FinishLength
	case "tool_calls", "function_call":
		return providers.FinishToolCalls
	case "content_filter":
		return providers.FinishContentFilter
	default:
		return providers.FinishReason(*reason)
	}
}

// String describes the adapter for logs
func (a *Adapter) String() string {
	return fmt.Sprintf("openai(%s @ %s)", a.config.Name, a.config.BaseURL)
}
