package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/llm-router/app"
	"github.com/upb/llm-router/handlers"
	"github.com/upb/llm-router/middleware"
	"github.com/upb/llm-router/utils"
)

// ScopeProvenanceRead guards the provenance endpoints when auth is enabled
const ScopeProvenanceRead = "provenance:read"

// requestTimeout bounds non-streaming API calls. Streams end when the client
// disconnects or the backend finishes.
const requestTimeout = 2 * time.Minute

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", utils.RequestIDHeader},
		ExposedHeaders:   []string{utils.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.DB, deps.Router, deps.Logger)
	inference := handlers.NewInferenceHandler(deps.Inference, cfg.Server.CORSOrigins, deps.Logger)
	backends := handlers.NewBackendHandler(deps.Router, deps.Logger)
	provenance := handlers.NewProvenanceHandler(deps.ProvenanceReader, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if cfg.Observability.MetricsEnabled {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		if deps.AuthMiddleware != nil {
			r.Use(deps.AuthMiddleware.RequireAuth)
		}

		// Streaming endpoints manage their own lifetime
		r.Post("/chat/completions/stream", inference.HandleStream)
		r.Get("/chat/completions/ws", inference.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(requestTimeout))

			r.Post("/chat/completions", inference.HandleChatCompletion)
			r.Post("/chat/parallel", inference.HandleParallel)
			r.Get("/backends", backends.HandleList)

			r.Route("/provenance", func(r chi.Router) {
				if deps.AuthMiddleware != nil {
					r.Use(deps.AuthMiddleware.RequireScope(ScopeProvenanceRead))
				}
				r.Get("/", provenance.HandleRecent)
				r.Get("/{requestID}", provenance.HandleGet)
			})
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, utils.ErrorResponse{
			Error:   "method_not_allowed",
			Message: r.Method + " is not allowed on " + r.URL.Path,
		})
	})

	return r
}
