package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
	"github.com/upb/llm-router/services/providers"
)

const recordColumns = `id, request_id, kind, backend, strategy, model, original_model, outcome,
	fallback_used, prompt_tokens, completion_tokens, cost_usd, latency_ms,
	error_code, error_message, created_at`

// ProvenanceRepository stores provenance records with one row per attempt
type ProvenanceRepository struct {
	db     *DB
	tm     repositories.TransactionManager
	logger *zap.Logger
}

var _ repositories.ProvenanceRepository = (*ProvenanceRepository)(nil)

// NewProvenanceRepository creates a new provenance repository
func NewProvenanceRepository(db *DB, logger *zap.Logger) *ProvenanceRepository {
	return &ProvenanceRepository{
		db:     db,
		tm:     NewTransactionManager(db, logger),
		logger: logger,
	}
}

// Name implements repositories.ProvenanceWriter
func (r *ProvenanceRepository) Name() string {
	return "postgres"
}

// Insert writes the record and its attempts in one transaction
func (r *ProvenanceRepository) Insert(ctx context.Context, rec *models.ProvenanceRecord) error {
	err := r.tm.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		executor := GetExecutor(ctx, r.db)

		_, err := executor.ExecContext(ctx, `
			INSERT INTO provenance_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			rec.ID,
			rec.RequestID,
			rec.Kind,
			rec.Backend,
			rec.Strategy,
			rec.Model,
			rec.OriginalModel,
			rec.Outcome,
			rec.FallbackUsed,
			rec.PromptTokens,
			rec.CompletionTokens,
			rec.CostUSD,
			rec.LatencyMs,
			rec.ErrorCode,
			rec.ErrorMessage,
			rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert provenance record: %w", err)
		}

		for i, a := range rec.Attempts {
			_, err := executor.ExecContext(ctx, `
				INSERT INTO provenance_attempts (record_id, position, backend, outcome, latency_ms, model, error)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				rec.ID, i, a.Backend, a.Outcome, a.LatencyMs, a.Model, a.Error,
			)
			if err != nil {
				return fmt.Errorf("failed to insert provenance attempt %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("provenance record inserted",
		zap.String("id", rec.ID.String()),
		zap.String("request_id", rec.RequestID),
		zap.Int("attempts", len(rec.Attempts)))
	return nil
}

// ListByRequestID implements repositories.ProvenanceReader
func (r *ProvenanceRepository) ListByRequestID(ctx context.Context, requestID string) ([]*models.ProvenanceRecord, error) {
	records, err := r.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM provenance_records
		WHERE request_id = $1
		ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("provenance for request %s: %w", requestID, repositories.ErrNotFound)
	}
	if err := r.loadAttempts(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// ListRecent implements repositories.ProvenanceReader
func (r *ProvenanceRepository) ListRecent(ctx context.Context, limit int) ([]*models.ProvenanceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	records, err := r.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM provenance_records
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	if err := r.loadAttempts(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// queryRecords is a helper method to query multiple records
func (r *ProvenanceRepository) queryRecords(ctx context.Context, query string, args ...any) ([]*models.ProvenanceRecord, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query provenance records: %w", err)
	}
	defer rows.Close()

	var records []*models.ProvenanceRecord
	for rows.Next() {
		rec := &models.ProvenanceRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.RequestID,
			&rec.Kind,
			&rec.Backend,
			&rec.Strategy,
			&rec.Model,
			&rec.OriginalModel,
			&rec.Outcome,
			&rec.FallbackUsed,
			&rec.PromptTokens,
			&rec.CompletionTokens,
			&rec.CostUSD,
			&rec.LatencyMs,
			&rec.ErrorCode,
			&rec.ErrorMessage,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provenance record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provenance rows: %w", err)
	}
	return records, nil
}

// loadAttempts fills Attempts for every record with a single query
func (r *ProvenanceRepository) loadAttempts(ctx context.Context, records []*models.ProvenanceRecord) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, len(records))
	byID := make(map[uuid.UUID]*models.ProvenanceRecord, len(records))
	for i, rec := range records {
		ids[i] = rec.ID.String()
		byID[rec.ID] = rec
	}

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, `
		SELECT record_id, backend, outcome, latency_ms, model, error
		FROM provenance_attempts
		WHERE record_id = ANY($1::uuid[])
		ORDER BY record_id, position`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query provenance attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			recordID uuid.UUID
			a        providers.Attempt
		)
		if err := rows.Scan(&recordID, &a.Backend, &a.Outcome, &a.LatencyMs, &a.Model, &a.Error); err != nil {
			return fmt.Errorf("failed to scan provenance attempt: %w", err)
		}
		if rec, ok := byID[recordID]; ok {
			rec.Attempts = append(rec.Attempts, a)
		}
	}
	return rows.Err()
}
