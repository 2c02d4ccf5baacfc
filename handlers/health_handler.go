package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-router/utils"
)

// BackendChecker probes every backend
type BackendChecker interface {
	CheckBackends(ctx context.Context) map[string]bool
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db       *sql.DB
	backends BackendChecker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. db is nil when no provenance
// database is configured.
func NewHealthHandler(db *sql.DB, backends BackendChecker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:       db,
		backends: backends,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz. The service is ready when the
// database answers and at least one backend passes its health check.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db == nil {
		checks["database"] = "disabled"
	} else if err := h.checkDatabase(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		allHealthy = false
	} else {
		checks["database"] = "healthy"
	}

	if h.backends != nil {
		results := h.backends.CheckBackends(ctx)
		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)

		anyHealthy := false
		for _, name := range names {
			if results[name] {
				checks["backend:"+name] = "healthy"
				anyHealthy = true
			} else {
				checks["backend:"+name] = "unhealthy"
				h.logger.Warn("backend health check failed", zap.String("backend", name))
			}
		}
		if !anyHealthy {
			allHealthy = false
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	return h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
