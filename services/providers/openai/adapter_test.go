package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/upb/llm-router/internal/tokens"
	"github.com/upb/llm-router/services/providers"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := Config{
		ProviderConfig: providers.ProviderConfig{
			Name:    "openai-test",
			APIKey:  "test-key",
			BaseURL: server.URL,
			Timeout: 2 * time.Second,
			OrgID:   "org-1",
		},
		DefaultModel: "gpt-4o",
		Capabilities: providers.Capabilities{Streaming: true, Tools: true, Vision: true, JSONMode: true},
	}
	return NewAdapter(cfg, tokens.NewCounter(nil))
}

func userRequest(content string) *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: content}},
		Metadata: providers.RequestMetadata{RequestID: "req-1"},
	}
}

func TestNewAdapter_Defaults(t *testing.T) {
	adapter := NewAdapter(Config{}, nil)

	if adapter.config.BaseURL != defaultBaseURL {
		t.Errorf("BaseURL = %s, want %s", adapter.config.BaseURL, defaultBaseURL)
	}

	meta := adapter.Metadata()
	if meta.Name != "openai" {
		t.Errorf("Name = %s, want openai", meta.Name)
	}
	if meta.Provider != "openai" {
		t.Errorf("Provider = %s, want openai", meta.Provider)
	}
	if meta.ContextWindow != 128000 {
		t.Errorf("ContextWindow = %d, want 128000", meta.ContextWindow)
	}

	expected := []string{"gpt-3.5-turbo", "gpt-4", "gpt-4-turbo", "gpt-4o", "gpt-4o-mini"}
	if strings.Join(meta.SupportedModels, ",") != strings.Join(expected, ",") {
		t.Errorf("SupportedModels = %v, want %v", meta.SupportedModels, expected)
	}
	if !meta.SupportsModel("gpt-4o") || meta.SupportsModel("claude-3") {
		t.Error("SupportsModel does not follow the model list")
	}
}

func TestAdapter_Execute(t *testing.T) {
	requests := make(chan chatRequest, 1)
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("OpenAI-Organization") != "org-1" {
			t.Errorf("OpenAI-Organization = %q", r.Header.Get("OpenAI-Organization"))
		}
		var wire chatRequest
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			t.Errorf("decode request: %v", err)
		}
		requests <- wire

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-2024-08-06",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": null, "tool_calls": [
					{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":\"go\"}"}}
				]},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
		}`)
	})

	req := userRequest("describe this")
	req.Messages[0].ImageURLs = []string{"https://example.com/cat.png"}
	req.Tools = []providers.ToolDefinition{{Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)}}
	req.ToolChoice = "lookup"
	req.ResponseFormat = "json"
	req.MaxTokens = 64

	resp, err := adapter.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := <-requests
	if got.Model != "gpt-4o" || got.Stream {
		t.Errorf("wire model/stream = %s/%v", got.Model, got.Stream)
	}
	if got.MaxTokens == nil || *got.MaxTokens != 64 {
		t.Errorf("max_tokens = %v", got.MaxTokens)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v", got.ResponseFormat)
	}
	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "lookup" {
		t.Errorf("tools = %+v", got.Tools)
	}
	if choice, ok := got.ToolChoice.(map[string]any); !ok || choice["type"] != "function" {
		t.Errorf("tool_choice = %#v", got.ToolChoice)
	}
	parts, ok := got.Messages[0].Content.([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("image message content = %#v", got.Messages[0].Content)
	}

	if resp.ID != "chatcmpl-1" || resp.Model != "gpt-4o-2024-08-06" {
		t.Errorf("id/model = %s/%s", resp.ID, resp.Model)
	}
	if resp.FinishReason != providers.FinishToolCalls {
		t.Errorf("FinishReason = %s", resp.FinishReason)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Arguments != `{"q":"go"}` {
		t.Errorf("ToolCalls = %+v", resp.Message.ToolCalls)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 19 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if resp.Metadata.RequestID != "req-1" {
		t.Errorf("RequestID = %s", resp.Metadata.RequestID)
	}
}

func TestAdapter_ExecuteErrorStatuses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		body       string
		wantKind   providers.ErrorKind
		wantRetry  bool
		wantCode   string
		wantDelay  time.Duration
	}{
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"Incorrect API key","type":"invalid_request_error"}}`,
			wantKind: providers.KindAuthentication,
			wantCode: "invalid_request_error",
		},
		{
			name:       "rate limited",
			status:     http.StatusTooManyRequests,
			retryAfter: "7",
			body:       `{"error":{"message":"Rate limit reached","type":"requests"}}`,
			wantKind:   providers.KindRateLimit,
			wantRetry:  true,
			wantCode:   "requests",
			wantDelay:  7 * time.Second,
		},
		{
			name:      "server error",
			status:    http.StatusInternalServerError,
			body:      `{"error":{"message":"The server had an error","type":"server_error"}}`,
			wantKind:  providers.KindProvider,
			wantRetry: true,
			wantCode:  "server_error",
		},
		{
			name:     "bad request",
			status:   http.StatusBadRequest,
			body:     `not json`,
			wantKind: providers.KindValidation,
		},
		{
			name:      "gateway timeout",
			status:    http.StatusGatewayTimeout,
			wantKind:  providers.KindTimeout,
			wantRetry: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			_, err := adapter.Execute(context.Background(), userRequest("hi"))
			var perr *providers.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("error = %v, want *ProviderError", err)
			}
			if perr.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", perr.Kind, tt.wantKind)
			}
			if perr.Retryable() != tt.wantRetry {
				t.Errorf("Retryable = %v, want %v", perr.Retryable(), tt.wantRetry)
			}
			if perr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", perr.Code, tt.wantCode)
			}
			if perr.RetryAfter != tt.wantDelay {
				t.Errorf("RetryAfter = %s, want %s", perr.RetryAfter, tt.wantDelay)
			}
			if perr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", perr.StatusCode, tt.status)
			}
			if perr.Provider != "openai-test" {
				t.Errorf("Provider = %s", perr.Provider)
			}
		})
	}
}

func TestAdapter_ExecuteTransportErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	adapter := NewAdapter(Config{ProviderConfig: providers.ProviderConfig{BaseURL: url, Timeout: time.Second}}, nil)
	_, err := adapter.Execute(context.Background(), userRequest("hi"))
	if kind := providers.KindOf(err); kind != providers.KindNetwork {
		t.Errorf("closed server kind = %s (%v), want network", kind, err)
	}

	slow := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = slow.Execute(ctx, userRequest("hi"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled call error = %v, want context.Canceled", err)
	}
	if providers.IsRetryable(err) {
		t.Error("a cancelled call must not be retryable")
	}
}

func sseHandler(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "%s\n\n", ev)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func readAll(t *testing.T, s providers.Stream) ([]providers.StreamChunk, error) {
	t.Helper()
	defer s.Close()
	var chunks []providers.StreamChunk
	for {
		c, err := s.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return chunks, nil
			}
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

func TestAdapter_ExecuteStream(t *testing.T) {
	var gotStream atomic.Bool
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotStream.Store(body.Stream && body.StreamOptions != nil && body.StreamOptions.IncludeUsage)
		sseHandler(
			`: keep-alive`,
			`data: {"choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`data: {"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"q\""}}]}}]}`,
			`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":1}"}}]}}]}`,
			`data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
			`data: [DONE]`,
		)(w, r)
	})

	stream, err := adapter.ExecuteStream(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("ExecuteStream() error = %v", err)
	}
	chunks, err := readAll(t, stream)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if !gotStream.Load() {
		t.Error("request did not ask for a stream with usage")
	}

	var types []string
	for _, c := range chunks {
		types = append(types, string(c.Type))
	}
	want := "content,content,tool_use,tool_use,metadata,done"
	if strings.Join(types, ",") != want {
		t.Fatalf("chunk types = %v, want %s", types, want)
	}
	if chunks[0].Delta != "Hel" || chunks[1].Delta != "lo" {
		t.Errorf("deltas = %q %q", chunks[0].Delta, chunks[1].Delta)
	}
	if chunks[2].ToolCall.ID != "call_1" || chunks[3].ToolCall.ArgumentsDelta != ":1}" {
		t.Errorf("tool deltas = %+v %+v", chunks[2].ToolCall, chunks[3].ToolCall)
	}
	done := chunks[5]
	if done.FinishReason != providers.FinishToolCalls {
		t.Errorf("FinishReason = %s", done.FinishReason)
	}
	if done.Usage == nil || done.Usage.TotalTokens != 8 {
		t.Errorf("Usage = %+v", done.Usage)
	}
}

func TestAdapter_ExecuteStreamErrorEvent(t *testing.T) {
	adapter := newTestAdapter(t, sseHandler(
		`data: {"choices":[{"index":0,"delta":{"content":"partial"}}]}`,
		`data: {"error":{"message":"overloaded","type":"server_error"}}`,
	))

	stream, err := adapter.ExecuteStream(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("ExecuteStream() error = %v", err)
	}
	chunks, err := readAll(t, stream)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(chunks) != 2 || chunks[1].Type != providers.ChunkError {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[1].Error.Code != "server_error" || !chunks[1].Error.Retryable {
		t.Errorf("error chunk = %+v", chunks[1].Error)
	}
}

func TestAdapter_ExecuteStreamWithoutDoneMarker(t *testing.T) {
	adapter := newTestAdapter(t, sseHandler(
		`data: {"choices":[{"index":0,"delta":{"content":"cut"}}]}`,
	))

	stream, err := adapter.ExecuteStream(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("ExecuteStream() error = %v", err)
	}
	chunks, err := readAll(t, stream)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(chunks) != 1 || chunks[0].Type != providers.ChunkContent {
		t.Errorf("chunks = %+v, want a single content chunk then EOF", chunks)
	}
}

func TestAdapter_ExecuteStreamOpenError(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := adapter.ExecuteStream(context.Background(), userRequest("hi"))
	if providers.KindOf(err) != providers.KindRateLimit {
		t.Fatalf("error = %v, want rate limit", err)
	}
	if providers.RetryAfterOf(err) != 3*time.Second {
		t.Errorf("RetryAfter = %s", providers.RetryAfterOf(err))
	}
}

func TestAdapter_HealthCheck(t *testing.T) {
	healthy := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" || r.Method != http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	})
	if !healthy.HealthCheck(context.Background()) {
		t.Error("HealthCheck() = false, want true")
	}

	broken := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	if broken.HealthCheck(context.Background()) {
		t.Error("HealthCheck() = true, want false")
	}
}

func TestAdapter_EstimateCost(t *testing.T) {
	adapter := NewAdapter(Config{
		Prices: map[string]ModelPrice{
			"local-model": {InputPer1K: decimal.Zero, OutputPer1K: decimal.Zero},
		},
	}, tokens.NewCounter(nil))

	tests := []struct {
		name   string
		model  string
		max    int
		wantOK bool
	}{
		{name: "known model", model: "gpt-4o", max: 100, wantOK: true},
		{name: "dated snapshot", model: "gpt-4o-2024-08-06", max: 100, wantOK: true},
		{name: "configured price", model: "local-model", wantOK: true},
		{name: "unknown model", model: "claude-3", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := userRequest("Hello, how are you?")
			req.Model = tt.model
			req.MaxTokens = tt.max

			cost, ok := adapter.EstimateCost(req)
			if ok != tt.wantOK {
				t.Fatalf("EstimateCost() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && cost < 0 {
				t.Errorf("cost = %f", cost)
			}
		})
	}

	req := userRequest("Hello")
	req.MaxTokens = 1000
	cost, _ := adapter.EstimateCost(req)
	// 1000 completion tokens of gpt-4o cost 0.015 on their own
	if cost < 0.015 || cost > 0.016 {
		t.Errorf("gpt-4o cost = %f, want about 0.015", cost)
	}

	price, ok := adapter.Price("gpt-4o-mini")
	if !ok || !price.OutputPer1K.Equal(decimal.RequireFromString("0.0006")) {
		t.Errorf("Price(gpt-4o-mini) = %+v, %v", price, ok)
	}
}
