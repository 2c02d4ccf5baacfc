package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/llm-router/services/routing"
	"github.com/upb/llm-router/utils"
)

// BackendLister exposes backend metadata and breaker health
type BackendLister interface {
	Health() []routing.BackendStatus
}

// BackendHandler serves backend introspection
type BackendHandler struct {
	router BackendLister
	logger *zap.Logger
}

// NewBackendHandler creates a new BackendHandler
func NewBackendHandler(router BackendLister, logger *zap.Logger) *BackendHandler {
	return &BackendHandler{router: router, logger: logger}
}

// HandleList handles GET /api/v1/backends
func (h *BackendHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	statuses := h.router.Health()
	if statuses == nil {
		statuses = []routing.BackendStatus{}
	}
	if err := utils.WriteOK(w, statuses); err != nil {
		h.logger.Error("failed to write backends response", zap.Error(err))
	}
}
