package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/llm-router/middleware"
	"github.com/upb/llm-router/repositories"
	"github.com/upb/llm-router/utils"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// ProvenanceHandler serves provenance lookups
type ProvenanceHandler struct {
	reader repositories.ProvenanceReader
	logger *zap.Logger
}

// NewProvenanceHandler creates a new ProvenanceHandler. reader is nil when
// no queryable store is configured.
func NewProvenanceHandler(reader repositories.ProvenanceReader, logger *zap.Logger) *ProvenanceHandler {
	return &ProvenanceHandler{reader: reader, logger: logger}
}

// HandleGet handles GET /api/v1/provenance/{requestID}
func (h *ProvenanceHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	ctx := r.Context()
	requestID := chi.URLParam(r, "requestID")

	records, err := h.reader.ListByRequestID(ctx, requestID)
	if errors.Is(err, repositories.ErrNotFound) {
		_ = utils.WriteNotFound(w, "No provenance records for request "+requestID)
		return
	}
	if err != nil {
		h.logger.Error("failed to load provenance",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("lookup_id", requestID),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}

	if err := utils.WriteOK(w, records); err != nil {
		h.logger.Error("failed to write provenance response", zap.Error(err))
	}
}

// HandleRecent handles GET /api/v1/provenance?limit=N
func (h *ProvenanceHandler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}

	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRecentLimit {
			_ = utils.WriteBadRequest(w, "limit must be between 1 and "+strconv.Itoa(maxRecentLimit), nil)
			return
		}
		limit = n
	}

	records, err := h.reader.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list provenance", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}

	if err := utils.WriteOK(w, records); err != nil {
		h.logger.Error("failed to write provenance response", zap.Error(err))
	}
}

func (h *ProvenanceHandler) available(w http.ResponseWriter) bool {
	if h.reader != nil {
		return true
	}
	_ = utils.WriteError(w, http.StatusServiceUnavailable, utils.ErrorResponse{
		Message: "Provenance store is not configured",
	})
	return false
}
