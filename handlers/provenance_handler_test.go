package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
	"github.com/upb/llm-router/services/breaker"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/services/routing"
)

// MockProvenanceReader is a mock implementation of repositories.ProvenanceReader
type MockProvenanceReader struct {
	mock.Mock
}

func (m *MockProvenanceReader) ListByRequestID(ctx context.Context, requestID string) ([]*models.ProvenanceRecord, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.ProvenanceRecord), args.Error(1)
}

func (m *MockProvenanceReader) ListRecent(ctx context.Context, limit int) ([]*models.ProvenanceRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.ProvenanceRecord), args.Error(1)
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestProvenanceHandler_Get(t *testing.T) {
	logger := zap.NewNop()

	t.Run("found", func(t *testing.T) {
		reader := new(MockProvenanceReader)
		rec := models.NewProvenanceRecord("req-9", models.ProvenanceKindComplete)
		rec.Backend = "primary"
		reader.On("ListByRequestID", mock.Anything, "req-9").Return([]*models.ProvenanceRecord{rec}, nil)

		w := httptest.NewRecorder()
		req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/provenance/req-9", nil), "requestID", "req-9")
		NewProvenanceHandler(reader, logger).HandleGet(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var got []models.ProvenanceRecord
		decodeData(t, w, &got)
		if assert.Len(t, got, 1) {
			assert.Equal(t, "primary", got[0].Backend)
		}
		reader.AssertExpectations(t)
	})

	t.Run("not found", func(t *testing.T) {
		reader := new(MockProvenanceReader)
		reader.On("ListByRequestID", mock.Anything, "missing").Return(nil, repositories.ErrNotFound)

		w := httptest.NewRecorder()
		req := withURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "requestID", "missing")
		NewProvenanceHandler(reader, logger).HandleGet(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("store error", func(t *testing.T) {
		reader := new(MockProvenanceReader)
		reader.On("ListByRequestID", mock.Anything, "x").Return(nil, errors.New("db down"))

		w := httptest.NewRecorder()
		req := withURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "requestID", "x")
		NewProvenanceHandler(reader, logger).HandleGet(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "db down")
	})

	t.Run("no store configured", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewProvenanceHandler(nil, logger).HandleGet(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestProvenanceHandler_Recent(t *testing.T) {
	logger := zap.NewNop()

	t.Run("default limit", func(t *testing.T) {
		reader := new(MockProvenanceReader)
		reader.On("ListRecent", mock.Anything, defaultRecentLimit).Return([]*models.ProvenanceRecord{}, nil)

		w := httptest.NewRecorder()
		NewProvenanceHandler(reader, logger).HandleRecent(w, httptest.NewRequest(http.MethodGet, "/api/v1/provenance", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		reader.AssertExpectations(t)
	})

	t.Run("explicit limit", func(t *testing.T) {
		reader := new(MockProvenanceReader)
		reader.On("ListRecent", mock.Anything, 5).Return([]*models.ProvenanceRecord{}, nil)

		w := httptest.NewRecorder()
		NewProvenanceHandler(reader, logger).HandleRecent(w, httptest.NewRequest(http.MethodGet, "/api/v1/provenance?limit=5", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		reader.AssertExpectations(t)
	})

	for _, raw := range []string{"0", "abc", "501"} {
		t.Run("bad limit "+raw, func(t *testing.T) {
			reader := new(MockProvenanceReader)

			w := httptest.NewRecorder()
			NewProvenanceHandler(reader, logger).HandleRecent(w, httptest.NewRequest(http.MethodGet, "/api/v1/provenance?limit="+raw, nil))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			reader.AssertNotCalled(t, "ListRecent")
		})
	}
}

type fakeLister []routing.BackendStatus

func (f fakeLister) Health() []routing.BackendStatus { return f }

func TestBackendHandler_List(t *testing.T) {
	lister := fakeLister{
		{
			Name:     "primary",
			Metadata: providers.BackendMetadata{Name: "primary"},
			Health:   breaker.Health{Backend: "primary", State: breaker.StateOpen, ConsecutiveFailures: 5},
		},
	}

	w := httptest.NewRecorder()
	NewBackendHandler(lister, zap.NewNop()).HandleList(w, httptest.NewRequest(http.MethodGet, "/api/v1/backends", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var got []routing.BackendStatus
	decodeData(t, w, &got)
	if assert.Len(t, got, 1) {
		assert.Equal(t, breaker.StateOpen, got[0].Health.State)
		assert.Equal(t, 5, got[0].Health.ConsecutiveFailures)
	}

	t.Run("empty", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewBackendHandler(fakeLister(nil), zap.NewNop()).HandleList(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.JSONEq(t, `{"data":[]}`, w.Body.String())
	})
}
