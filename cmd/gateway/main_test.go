package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/llm-router/app"
	"github.com/upb/llm-router/config"
	"github.com/upb/llm-router/services/breaker"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			ReadTimeout:     time.Second,
			ShutdownTimeout: 2 * time.Second,
		},
		Provenance: config.DatabaseConfig{Driver: "none"},
		Routing:    config.RoutingConfig{Strategy: "round_robin", Breaker: breaker.DefaultConfig()},
		Audit:      config.AuditConfig{BufferSize: 4, WorkerCount: 1, WriteTimeout: time.Second, StopTimeout: time.Second},
		Observability: config.ObservabilityConfig{
			LogLevel:  "error",
			LogFormat: "json",
		},
	}
	return cfg
}

func TestInitLogger(t *testing.T) {
	t.Run("json logger", func(t *testing.T) {
		logger, err := initLogger(testConfig())
		require.NoError(t, err)
		require.NotNil(t, logger)
		defer logger.Sync()
	})

	t.Run("console logger", func(t *testing.T) {
		cfg := testConfig()
		cfg.Observability.LogLevel = "debug"
		cfg.Observability.LogFormat = "console"

		logger, err := initLogger(cfg)
		require.NoError(t, err)
		require.NotNil(t, logger)
		defer logger.Sync()
	})
}

func TestNewServer(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 8080
	cfg.Server.WriteTimeout = 0

	srv := newServer(cfg, http.NotFoundHandler())

	assert.Equal(t, "127.0.0.1:8080", srv.Addr)
	assert.Equal(t, time.Second, srv.ReadTimeout)
	assert.Zero(t, srv.WriteTimeout)
}

func TestServe(t *testing.T) {
	t.Run("stops on context cancellation", func(t *testing.T) {
		cfg := testConfig()
		logger := zaptest.NewLogger(t)
		deps, err := app.NewDependencies(context.Background(), cfg, logger)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- serve(ctx, newServer(cfg, http.NotFoundHandler()), cfg, deps, logger)
		}()

		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("serve did not return after cancellation")
		}
		assert.False(t, deps.Audit.GetStats().Started)
	})

	t.Run("returns listen errors", func(t *testing.T) {
		busy, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer busy.Close()

		cfg := testConfig()
		logger := zaptest.NewLogger(t)
		deps, err := app.NewDependencies(context.Background(), cfg, logger)
		require.NoError(t, err)

		srv := newServer(cfg, http.NotFoundHandler())
		srv.Addr = busy.Addr().String()

		err = serve(context.Background(), srv, cfg, deps, logger)
		assert.Error(t, err)
	})
}
