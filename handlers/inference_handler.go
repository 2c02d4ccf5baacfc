package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/upb/llm-router/middleware"
	"github.com/upb/llm-router/services/inference"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/utils"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 4 << 20

// InferenceService defines the interface for inference operations
type InferenceService interface {
	Complete(ctx context.Context, in *inference.CompletionRequest) (*inference.CompletionResponse, error)
	Stream(ctx context.Context, in *inference.CompletionRequest) (<-chan providers.StreamChunk, string, error)
	Parallel(ctx context.Context, in *inference.ParallelRequest) (*inference.ParallelResponse, error)
}

// InferenceHandler handles inference-related HTTP requests
type InferenceHandler struct {
	service  InferenceService
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewInferenceHandler creates a new InferenceHandler. allowedOrigins limits
// WebSocket upgrades; "*" allows any origin.
func NewInferenceHandler(service InferenceService, allowedOrigins []string, logger *zap.Logger) *InferenceHandler {
	return &InferenceHandler{
		service:  service,
		upgrader: newUpgrader(allowedOrigins),
		logger:   logger,
	}
}

// HandleChatCompletion handles POST /api/v1/chat/completions
func (h *InferenceHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req inference.CompletionRequest
	if !h.decode(w, r, &req) {
		return
	}
	bindRequest(ctx, &req)

	h.logger.Debug("processing chat completion",
		zap.String("request_id", req.RequestID),
		zap.String("model", req.Model))

	resp, err := h.service.Complete(ctx, &req)
	if err != nil {
		HandleServiceError(w, err, req.RequestID, h.logger)
		return
	}

	h.logger.Info("chat completion successful",
		zap.String("request_id", resp.RequestID),
		zap.String("backend", resp.Backend),
		zap.String("model", resp.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Int64("latency_ms", resp.LatencyMs),
		zap.String("cost_usd", resp.CostUSD))

	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// HandleParallel handles POST /api/v1/chat/parallel
func (h *InferenceHandler) HandleParallel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req inference.ParallelRequest
	if !h.decode(w, r, &req) {
		return
	}
	bindRequest(ctx, &req.CompletionRequest)

	resp, err := h.service.Parallel(ctx, &req)
	if err != nil {
		HandleServiceError(w, err, req.RequestID, h.logger)
		return
	}

	h.logger.Info("parallel completion successful",
		zap.String("request_id", resp.RequestID),
		zap.String("strategy", resp.Strategy),
		zap.Strings("succeeded", resp.SuccessfulBackends),
		zap.Int64("total_time_ms", resp.TotalTimeMs))

	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
	}
}

// decode parses a JSON body, writing a 400 on failure
func (h *InferenceHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	requestID := middleware.GetRequestIDFromContext(r.Context())
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		msg := "Invalid request body"
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			msg = "Request body too large"
		case errors.Is(err, io.EOF):
			msg = "Request body is required"
		}
		HandleValidationError(w, errors.New(msg), requestID, h.logger)
		return false
	}
	return true
}

// bindRequest fills the request id and caller identity from the HTTP context.
// Identity from a verified token overrides anything the body claims.
func bindRequest(ctx context.Context, req *inference.CompletionRequest) {
	if req.RequestID == "" {
		req.RequestID = middleware.GetRequestIDFromContext(ctx)
	}
	claims := middleware.GetClaimsFromContext(ctx)
	if claims == nil {
		return
	}
	if req.Metadata == nil {
		req.Metadata = make(map[string]string, 2)
	}
	if claims.Tenant != "" {
		req.Metadata["tenant"] = claims.Tenant
	}
	if claims.Subject != "" {
		req.Metadata["subject"] = claims.Subject
	}
}
