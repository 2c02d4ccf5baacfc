// Package mysql stores provenance records in MySQL, keeping each record's
// attempts in a JSON column.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/upb/llm-router/config"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// DSN builds a driver DSN. A connection string from the config wins over
// the individual fields.
func DSN(cfg config.DatabaseConfig) string {
	if cfg.ConnectionString != "" {
		return cfg.ConnectionString
	}
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN()
}

// NewDB opens and pings a MySQL pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("driver", "mysql"),
		zap.String("connection", cfg.LogString()))
	return &DB{DB: db, logger: logger}, nil
}

// Wrap adopts an existing pool, used by tests with sqlmock
func Wrap(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// HealthCheck pings the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// InitSchema creates the provenance table
func (db *DB) InitSchema(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS provenance_records (
			id CHAR(36) PRIMARY KEY,
			request_id VARCHAR(255) NOT NULL,
			kind VARCHAR(20) NOT NULL,
			backend VARCHAR(100) NOT NULL DEFAULT '',
			strategy VARCHAR(50) NOT NULL DEFAULT '',
			model VARCHAR(100) NOT NULL DEFAULT '',
			original_model VARCHAR(100) NOT NULL DEFAULT '',
			outcome VARCHAR(20) NOT NULL,
			fallback_used BOOLEAN NOT NULL DEFAULT FALSE,
			attempts JSON NOT NULL,
			prompt_tokens INT NOT NULL DEFAULT 0,
			completion_tokens INT NOT NULL DEFAULT 0,
			cost_usd DECIMAL(14, 6) NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			error_code VARCHAR(50) NOT NULL DEFAULT '',
			error_message TEXT NOT NULL,
			created_at DATETIME(3) NOT NULL,
			INDEX idx_provenance_request_id (request_id),
			INDEX idx_provenance_created_at (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	db.logger.Info("database schema initialized successfully")
	return nil
}

// Close closes the pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}
