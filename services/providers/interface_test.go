package providers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAdapter is a minimal Adapter used by package tests
type stubAdapter struct {
	meta BackendMetadata
}

func newStub(name string, models ...string) *stubAdapter {
	return &stubAdapter{meta: BackendMetadata{Name: name, SupportedModels: models}}
}

func (s *stubAdapter) Metadata() BackendMetadata { return s.meta }

func (s *stubAdapter) Execute(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Model: req.Model}, nil
}

func (s *stubAdapter) ExecuteStream(ctx context.Context, req *ChatRequest) (Stream, error) {
	return nil, NewValidationError(s.meta.Name, "streaming not supported")
}

func (s *stubAdapter) HealthCheck(ctx context.Context) bool { return true }

func (s *stubAdapter) EstimateCost(req *ChatRequest) (float64, bool) { return 0, false }

func TestBackendMetadata_SupportsModel(t *testing.T) {
	tests := []struct {
		name   string
		models []string
		model  string
		want   bool
	}{
		{name: "empty list supports everything", models: nil, model: "anything", want: true},
		{name: "exact match", models: []string{"gpt-4o"}, model: "gpt-4o", want: true},
		{name: "glob match", models: []string{"gpt-4*"}, model: "gpt-4o-mini", want: true},
		{name: "no match", models: []string{"gpt-4*"}, model: "claude-3-opus", want: false},
		{name: "empty model", models: []string{"gpt-4o"}, model: "", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := BackendMetadata{SupportedModels: tt.models}
			assert.Equal(t, tt.want, meta.SupportsModel(tt.model))
		})
	}
}

func TestBackendMetadata_ListsModel(t *testing.T) {
	assert.False(t, BackendMetadata{}.ListsModel("gpt-4o"))
	assert.True(t, BackendMetadata{SupportedModels: []string{"gpt-*"}}.ListsModel("gpt-4o"))
	assert.False(t, BackendMetadata{SupportedModels: []string{"gpt-*"}}.ListsModel(""))
}

func TestChatRequest_Clone(t *testing.T) {
	original := &ChatRequest{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: RoleUser, Content: "hello", ImageURLs: []string{"https://example.com/a.png"}},
		},
		Stop: []string{"\n"},
		Metadata: RequestMetadata{
			RequestID: "req-1",
			Custom:    map[string]string{"tenant": "a"},
			Requirements: &CapabilityRequirements{
				Preferred: map[string]float64{"low_cost": 1},
			},
		},
	}

	clone := original.Clone()
	clone.Messages[0].Content = "changed"
	clone.Messages[0].ImageURLs[0] = "changed"
	clone.Stop[0] = "changed"
	clone.Metadata.Custom["tenant"] = "b"
	clone.Metadata.Requirements.Preferred["low_cost"] = 5

	assert.Equal(t, "hello", original.Messages[0].Content)
	assert.Equal(t, "https://example.com/a.png", original.Messages[0].ImageURLs[0])
	assert.Equal(t, "\n", original.Stop[0])
	assert.Equal(t, "a", original.Metadata.Custom["tenant"])
	assert.Equal(t, 1.0, original.Metadata.Requirements.Preferred["low_cost"])
}

func TestChatRequest_WithHelpers(t *testing.T) {
	original := &ChatRequest{Model: "gpt-4o", Messages: []Message{{Role: RoleUser, Content: "hi"}}}

	translated := original.WithModel("claude-3-haiku")
	assert.Equal(t, "claude-3-haiku", translated.Model)
	assert.Equal(t, "gpt-4o", original.Model)

	withID := original.WithRequestID("req-9")
	assert.Equal(t, "req-9", withID.Metadata.RequestID)
	assert.Empty(t, original.Metadata.RequestID)

	replaced := original.WithMessages([]Message{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "hi"}})
	assert.Len(t, replaced.Messages, 2)
	assert.Len(t, original.Messages, 1)
}

func TestChatRequest_HasImagesAndText(t *testing.T) {
	req := &ChatRequest{Messages: []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "look", ImageURLs: []string{"x"}},
	}}
	assert.True(t, req.HasImages())
	assert.Equal(t, "sys\nlook\n", req.Text())

	assert.False(t, (&ChatRequest{Messages: []Message{{Role: RoleUser, Content: "plain"}}}).HasImages())
}

func TestChatResponse_Clone(t *testing.T) {
	resp := &ChatResponse{
		Usage: &Usage{TotalTokens: 3},
		Metadata: ResponseMetadata{
			Custom:     map[string]string{"k": "v"},
			Provenance: &Provenance{Attempts: []Attempt{{Backend: "a"}}},
		},
	}

	clone := resp.Clone()
	clone.Usage.TotalTokens = 99
	clone.Metadata.Custom["k"] = "changed"
	clone.Metadata.Provenance.Attempts[0].Backend = "b"

	assert.Equal(t, 3, resp.Usage.TotalTokens)
	assert.Equal(t, "v", resp.Metadata.Custom["k"])
	assert.Equal(t, "a", resp.Metadata.Provenance.Attempts[0].Backend)
}

func TestProvenance_AttemptCount(t *testing.T) {
	var nilProv *Provenance
	assert.Equal(t, 0, nilProv.AttemptCount())

	p := &Provenance{Attempts: []Attempt{
		{Backend: "a", Outcome: OutcomeCircuitOpen},
		{Backend: "b", Outcome: OutcomeFailure},
		{Backend: "c", Outcome: OutcomeSuccess},
	}}
	assert.Equal(t, 2, p.AttemptCount())
}

func TestChunkType_IsTerminal(t *testing.T) {
	assert.True(t, ChunkDone.IsTerminal())
	assert.True(t, ChunkError.IsTerminal())
	for _, ct := range []ChunkType{ChunkStart, ChunkContent, ChunkToolUse, ChunkMetadata} {
		assert.False(t, ct.IsTerminal(), string(ct))
	}
}

func TestStreamChunk_ErrorPayload(t *testing.T) {
	chunk := StreamChunk{
		Type:  ChunkError,
		Error: &ChunkFailure{Code: "overloaded", Message: "busy", Retryable: true},
	}

	data, err := json.Marshal(chunk)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","sequence":0,"error":{"code":"overloaded","message":"busy","retryable":true}}`, string(data))
}

func TestDefaultProviderConfig(t *testing.T) {
	cfg := DefaultProviderConfig()
	require.NotNil(t, cfg.Headers)
	assert.Positive(t, cfg.Timeout)
}
