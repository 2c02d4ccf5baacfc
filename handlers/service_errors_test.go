package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-router/services/inference"
	"github.com/upb/llm-router/services/pipeline"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/services/routing"
	"github.com/upb/llm-router/utils"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
		retryAfter     string
	}{
		{
			name:           "validation error",
			err:            inference.NewValidationError("req-1", "Validation failed", nil),
			expectedStatus: http.StatusBadRequest,
			expectedError:  "validation",
		},
		{
			name:           "no eligible backend",
			err:            &routing.RouterError{Reason: routing.ErrNoEligibleBackend},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "no_eligible_backend",
		},
		{
			name:           "unknown backend",
			err:            &routing.RouterError{Reason: routing.ErrUnknownBackend},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "unknown_backend",
		},
		{
			name:           "upstream authentication",
			err:            &routing.RouterError{LastErr: providers.NewAuthenticationError("a", "bad key", 401)},
			expectedStatus: http.StatusBadGateway,
			expectedError:  "authentication",
		},
		{
			name:           "chain exhausted",
			err:            &routing.RouterError{Reason: routing.ErrChainExhausted},
			expectedStatus: http.StatusBadGateway,
			expectedError:  "chain_exhausted",
		},
		{
			name:           "dispatch failed",
			err:            &routing.DispatchError{RequestID: "req-1"},
			expectedStatus: http.StatusBadGateway,
			expectedError:  "dispatch_failed",
		},
		{
			name: "pipeline rate limit",
			err: &pipeline.MiddlewareError{
				Name:  "rate_limit",
				Phase: pipeline.PhaseRequest,
				Err:   &pipeline.RateLimitError{Key: "acme", RetryAfter: 2500 * time.Millisecond},
			},
			expectedStatus: http.StatusTooManyRequests,
			expectedError:  "rate_limited",
			retryAfter:     "3",
		},
		{
			name:           "backend rate limit",
			err:            &routing.RouterError{LastErr: providers.NewRateLimitError("a", "slow down", 7*time.Second)},
			expectedStatus: http.StatusTooManyRequests,
			expectedError:  "rate_limit",
			retryAfter:     "7",
		},
		{
			name:           "timeout",
			err:            fmt.Errorf("call: %w", context.DeadlineExceeded),
			expectedStatus: http.StatusGatewayTimeout,
			expectedError:  "timeout",
		},
		{
			name:           "cancelled",
			err:            context.Canceled,
			expectedStatus: utils.StatusClientClosedRequest,
			expectedError:  "cancelled",
		},
		{
			name:           "no backends",
			err:            &routing.RouterError{Reason: routing.ErrNoBackends},
			expectedStatus: http.StatusServiceUnavailable,
			expectedError:  "no_backends",
		},
		{
			name:           "unknown error",
			err:            errors.New("boom"),
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			HandleServiceError(w, tt.err, "req-1", logger)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After"))

			var response utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedError, response.Error)
			assert.Equal(t, "req-1", response.RequestID)
		})
	}
}

func TestHandleServiceError_HidesInternalMessage(t *testing.T) {
	w := httptest.NewRecorder()

	HandleServiceError(w, errors.New("dsn=postgres://secret"), "req-1", zap.NewNop())

	assert.NotContains(t, w.Body.String(), "secret")
	assert.Contains(t, w.Body.String(), "An internal error occurred")
}

func TestHandleServiceError_Nil(t *testing.T) {
	w := httptest.NewRecorder()
	HandleServiceError(w, nil, "req-1", zap.NewNop())
	assert.Equal(t, 0, w.Body.Len())
}

func TestHandleValidationError(t *testing.T) {
	t.Run("field errors", func(t *testing.T) {
		w := httptest.NewRecorder()
		err := &utils.ValidationError{Message: "Validation failed", Fields: map[string]string{"Role": "Role is required"}}

		HandleValidationError(w, err, "req-1", zap.NewNop())

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "Validation failed", response.Message)
		assert.Equal(t, "Role is required", response.Details["Role"])
	})

	t.Run("plain error", func(t *testing.T) {
		w := httptest.NewRecorder()

		HandleValidationError(w, errors.New("Invalid request body"), "req-1", zap.NewNop())

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid request body")
	})
}
