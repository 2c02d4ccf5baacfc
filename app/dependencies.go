package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/llm-router/config"
	"github.com/upb/llm-router/internal/observability"
	"github.com/upb/llm-router/internal/tokens"
	"github.com/upb/llm-router/middleware"
	"github.com/upb/llm-router/repositories"
	"github.com/upb/llm-router/repositories/mysql"
	"github.com/upb/llm-router/repositories/postgres"
	"github.com/upb/llm-router/repositories/redisstream"
	"github.com/upb/llm-router/services/audit"
	"github.com/upb/llm-router/services/breaker"
	"github.com/upb/llm-router/services/inference"
	"github.com/upb/llm-router/services/pipeline"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/services/providers/openai"
	"github.com/upb/llm-router/services/routing"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger

	// DB is the provenance pool, nil when Provenance.Driver is none
	DB    *sql.DB
	Redis redis.UniversalClient

	// Observability
	Metrics *observability.Metrics
	Tokens  *tokens.Counter

	// Routing
	Router   *routing.Router
	Pipeline *pipeline.Pipeline
	Costs    *pipeline.CostTracker

	// Provenance
	ProvenanceWriters []repositories.ProvenanceWriter
	ProvenanceReader  repositories.ProvenanceReader
	Audit             *audit.Service

	// Inference facade
	Inference *inference.Service

	// AuthMiddleware is nil when auth is disabled
	AuthMiddleware *middleware.AuthMiddleware

	closers []func() error
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(cfg.Observability.RuntimeMetrics),
		Tokens:  tokens.NewCounter(logger),
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"router", deps.initRouter},
		{"pipeline", deps.initPipeline},
		{"provenance store", deps.initProvenance},
		{"audit", deps.initAudit},
		{"inference", deps.initInference},
		{"auth", deps.initAuth},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = deps.Close(ctx)
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	logger.Info("all dependencies initialized successfully",
		zap.Strings("backends", deps.Router.Backends()),
		zap.Strings("middleware", deps.Pipeline.Names()),
		zap.Int("provenance_writers", len(deps.ProvenanceWriters)),
	)
	return deps, nil
}

// initRouter builds one adapter per configured backend and registers it
func (d *Dependencies) initRouter(context.Context) error {
	router, err := routing.New(d.Config.Routing.RouterConfig(), d.Logger,
		routing.WithObserver(d.Metrics),
		routing.WithTokenCounter(d.Tokens),
		routing.WithBreakerOptions(breaker.WithStateChangeHook(d.Metrics.BreakerStateChanged)),
	)
	if err != nil {
		return err
	}

	for _, b := range d.Config.Backends {
		adapter, err := newAdapter(b, d.Tokens)
		if err != nil {
			return fmt.Errorf("backend %s: %w", b.Name, err)
		}
		if err := router.Register(b.Name, adapter); err != nil {
			return err
		}
		d.Metrics.InitBackend(b.Name)
	}
	if len(d.Config.Backends) == 0 {
		d.Logger.Warn("no backends configured")
	}

	if chain := d.Config.Routing.FallbackChain; len(chain) > 0 {
		if err := router.SetFallbackChain(chain); err != nil {
			return err
		}
	}

	d.Router = router
	return nil
}

// newAdapter maps a backend declaration onto an OpenAI-compatible adapter
func newAdapter(b config.BackendConfig, counter *tokens.Counter) (*openai.Adapter, error) {
	if b.Type != "" && b.Type != config.BackendTypeOpenAI {
		return nil, fmt.Errorf("unsupported backend type %q", b.Type)
	}

	cfg := openai.Config{
		ProviderConfig: providers.ProviderConfig{
			Name:    b.Name,
			APIKey:  b.APIKey,
			BaseURL: b.BaseURL,
			Timeout: b.Timeout,
			OrgID:   b.OrgID,
		},
		Models:       b.Models,
		DefaultModel: b.DefaultModel,
		Capabilities: providers.Capabilities{
			Streaming: b.HasCapability(routing.FeatureStreaming),
			Tools:     b.HasCapability(routing.FeatureTools),
			Vision:    b.HasCapability(routing.FeatureVision),
			JSONMode:  b.HasCapability(routing.FeatureJSON),
		},
		ContextWindow: b.ContextWindow,
	}

	if b.HasPrice() {
		in, out, err := b.Prices()
		if err != nil {
			return nil, err
		}
		cfg.Prices = make(map[string]openai.ModelPrice)
		for _, model := range priceModels(b) {
			cfg.Prices[model] = openai.ModelPrice{InputPer1K: in, OutputPer1K: out}
		}
	}

	return openai.NewAdapter(cfg, counter), nil
}

func priceModels(b config.BackendConfig) []string {
	if len(b.Models) > 0 {
		return b.Models
	}
	if b.DefaultModel != "" {
		return []string{b.DefaultModel}
	}
	return nil
}

// initPipeline assembles the built-in middleware in execution order
func (d *Dependencies) initPipeline(context.Context) error {
	pc := d.Config.Pipeline
	pipe := pipeline.New(d.Logger)

	if pc.RequestLogging {
		pipe.Use(pipeline.NewLoggingMiddleware(d.Logger))
	}
	if pc.RateLimit != nil {
		pipe.Use(pipeline.NewRateLimitMiddleware(*pc.RateLimit))
	}
	if pc.Guard.BlockInjection || pc.Guard.RedactPII {
		pipe.Use(pipeline.NewGuardMiddleware(pc.Guard))
	}
	if pc.SystemPrompt != "" {
		pipe.Use(pipeline.NewSystemPromptMiddleware(pc.SystemPrompt))
	}

	prices := make(map[string]pipeline.Price)
	for _, b := range d.Config.Backends {
		if !b.HasPrice() {
			continue
		}
		in, out, err := b.Prices()
		if err != nil {
			return fmt.Errorf("backend %s: %w", b.Name, err)
		}
		prices[b.Name] = pipeline.Price{InputPer1K: in, OutputPer1K: out}
	}
	d.Costs = pipeline.NewCostTracker(prices, d.Logger)
	pipe.Use(d.Costs)

	d.Pipeline = pipe
	return nil
}

// initProvenance opens the configured SQL store and the optional Redis stream
func (d *Dependencies) initProvenance(ctx context.Context) error {
	pc := d.Config.Provenance

	switch pc.Driver {
	case "postgres":
		db, err := postgres.NewDB(pc, d.Logger)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, db.Close)
		if pc.InitSchema {
			if err := db.InitSchema(ctx); err != nil {
				return err
			}
		}
		repo := postgres.NewProvenanceRepository(db, d.Logger)
		d.DB = db.DB
		d.ProvenanceWriters = append(d.ProvenanceWriters, repo)
		d.ProvenanceReader = repo
	case "mysql":
		db, err := mysql.NewDB(pc, d.Logger)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, db.Close)
		if pc.InitSchema {
			if err := db.InitSchema(ctx); err != nil {
				return err
			}
		}
		repo := mysql.NewProvenanceRepository(db, d.Logger)
		d.DB = db.DB
		d.ProvenanceWriters = append(d.ProvenanceWriters, repo)
		d.ProvenanceReader = repo
	default:
		d.Logger.Info("provenance database disabled")
	}

	if d.Config.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     d.Config.Redis.Addr,
			Password: d.Config.Redis.Password,
			DB:       d.Config.Redis.DB,
		})
		d.Redis = client
		d.closers = append(d.closers, client.Close)

		publisher := redisstream.NewPublisher(client, d.Config.Redis.Stream, d.Config.Redis.MaxLen, d.Logger)
		if err := publisher.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		d.ProvenanceWriters = append(d.ProvenanceWriters, publisher)
		d.Logger.Info("provenance stream enabled",
			zap.String("addr", d.Config.Redis.Addr),
			zap.String("stream", d.Config.Redis.Stream))
	}
	return nil
}

func (d *Dependencies) initAudit(context.Context) error {
	ac := d.Config.Audit
	svc := audit.NewService(d.ProvenanceWriters, d.Logger, audit.Config{
		BufferSize:   ac.BufferSize,
		WorkerCount:  ac.WorkerCount,
		WriteTimeout: ac.WriteTimeout,
	})
	if err := svc.Start(); err != nil {
		return err
	}
	d.closers = append(d.closers, func() error {
		return svc.Stop(ac.StopTimeout)
	})
	d.Audit = svc
	return nil
}

func (d *Dependencies) initInference(context.Context) error {
	svc, err := inference.NewService(d.Router, d.Pipeline, d.Metrics, d.Audit, inference.Config{
		Retry:            d.Config.Pipeline.Retry.RetryPolicy,
		MaxTotalAttempts: d.Config.Routing.MaxTotalAttempts,
	}, d.Logger)
	if err != nil {
		return err
	}
	d.Inference = svc
	return nil
}

func (d *Dependencies) initAuth(context.Context) error {
	ac := d.Config.Auth
	if !ac.Enabled {
		d.Logger.Warn("authentication disabled, API routes are public")
		return nil
	}
	if ac.JWTSecret == "" {
		return errors.New("JWT_SECRET is required when auth is enabled")
	}
	validator := middleware.NewHMACValidator(ac.JWTSecret, ac.Issuer, ac.Audience)
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	return nil
}

// Close gracefully shuts down all dependencies in reverse start order
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil

	// Sync logger
	_ = d.Logger.Sync()

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %w", errors.Join(errs...))
	}
	return nil
}
