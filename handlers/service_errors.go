package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-router/services/inference"
	"github.com/upb/llm-router/services/pipeline"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/utils"
)

// StatusFor maps an error code to an HTTP status
func StatusFor(code string) int {
	switch code {
	case inference.ErrCodeValidation, "invalid_request", "no_eligible_backend", "unknown_backend":
		return http.StatusBadRequest
	case "rate_limited", string(providers.KindRateLimit):
		return http.StatusTooManyRequests
	case string(providers.KindAuthentication), "chain_exhausted", "dispatch_failed",
		string(providers.KindNetwork), string(providers.KindProvider):
		return http.StatusBadGateway
	case "no_backends":
		return http.StatusServiceUnavailable
	case string(providers.KindTimeout):
		return http.StatusGatewayTimeout
	case string(providers.KindCancelled):
		return utils.StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// HandleServiceError maps inference errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, requestID string, logger *zap.Logger) {
	if err == nil {
		return
	}

	code := inference.ErrorCode(err)
	status := StatusFor(code)
	resp := utils.ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		RequestID: requestID,
	}

	var ie *inference.InferenceError
	if errors.As(err, &ie) {
		resp.Message = ie.Message
		if len(ie.Fields) > 0 {
			resp.Details = make(map[string]interface{}, len(ie.Fields))
			for k, v := range ie.Fields {
				resp.Details[k] = v
			}
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		if d := retryAfter(err); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(utils.RetryAfterSeconds(d)))
		}
		logger.Warn("request rate limited",
			zap.String("request_id", requestID),
			zap.Error(err))
	case status == http.StatusInternalServerError:
		// Log internal errors but return generic message
		logger.Error("internal server error",
			zap.String("request_id", requestID),
			zap.Error(err))
		resp.Message = "An internal error occurred"
	default:
		logger.Debug("handled service error",
			zap.String("request_id", requestID),
			zap.String("code", code),
			zap.Error(err))
	}

	if err := utils.WriteError(w, status, resp); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// HandleValidationError handles errors from request decoding
func HandleValidationError(w http.ResponseWriter, err error, requestID string, logger *zap.Logger) {
	resp := utils.ErrorResponse{
		Error:     inference.ErrCodeValidation,
		Message:   err.Error(),
		RequestID: requestID,
	}
	if fields := utils.GetValidationFields(err); fields != nil {
		resp.Message = "Validation failed"
		resp.Details = make(map[string]interface{}, len(fields))
		for k, v := range fields {
			resp.Details[k] = v
		}
	}
	if err := utils.WriteError(w, http.StatusBadRequest, resp); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

// retryAfter returns the hint of a pipeline or backend rate limit
func retryAfter(err error) time.Duration {
	var rl *pipeline.RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return providers.RetryAfterOf(err)
}
