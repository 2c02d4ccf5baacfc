package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
)

// errDuplicateEntry is MySQL's ER_DUP_ENTRY
const errDuplicateEntry = 1062

const selectRecord = `SELECT id, request_id, kind, backend, strategy, model, original_model, outcome,
	fallback_used, attempts, prompt_tokens, completion_tokens, cost_usd, latency_ms,
	error_code, error_message, created_at
	FROM provenance_records`

// ProvenanceRepository implements repositories.ProvenanceRepository on MySQL
type ProvenanceRepository struct {
	db     *DB
	logger *zap.Logger
}

var _ repositories.ProvenanceRepository = (*ProvenanceRepository)(nil)

// NewProvenanceRepository creates a new provenance repository
func NewProvenanceRepository(db *DB, logger *zap.Logger) *ProvenanceRepository {
	return &ProvenanceRepository{db: db, logger: logger}
}

// Name implements repositories.ProvenanceWriter
func (r *ProvenanceRepository) Name() string {
	return "mysql"
}

// Insert writes one record. Re-inserting the same record id is a no-op.
func (r *ProvenanceRepository) Insert(ctx context.Context, rec *models.ProvenanceRecord) error {
	attempts, err := rec.AttemptsJSON()
	if err != nil {
		return fmt.Errorf("failed to encode attempts: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO provenance_records (
			id, request_id, kind, backend, strategy, model, original_model, outcome,
			fallback_used, attempts, prompt_tokens, completion_tokens, cost_usd, latency_ms,
			error_code, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(),
		rec.RequestID,
		rec.Kind,
		rec.Backend,
		rec.Strategy,
		rec.Model,
		rec.OriginalModel,
		rec.Outcome,
		rec.FallbackUsed,
		string(attempts),
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.CostUSD,
		rec.LatencyMs,
		rec.ErrorCode,
		rec.ErrorMessage,
		rec.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry {
			r.logger.Debug("provenance record already stored", zap.String("id", rec.ID.String()))
			return nil
		}
		return fmt.Errorf("failed to insert provenance record: %w", err)
	}
	return nil
}

// ListByRequestID implements repositories.ProvenanceReader
func (r *ProvenanceRepository) ListByRequestID(ctx context.Context, requestID string) ([]*models.ProvenanceRecord, error) {
	records, err := r.query(ctx, selectRecord+` WHERE request_id = ? ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("provenance for request %s: %w", requestID, repositories.ErrNotFound)
	}
	return records, nil
}

// ListRecent implements repositories.ProvenanceReader
func (r *ProvenanceRepository) ListRecent(ctx context.Context, limit int) ([]*models.ProvenanceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.query(ctx, selectRecord+` ORDER BY created_at DESC LIMIT ?`, limit)
}

func (r *ProvenanceRepository) query(ctx context.Context, query string, args ...any) ([]*models.ProvenanceRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query provenance records: %w", err)
	}
	defer rows.Close()

	var records []*models.ProvenanceRecord
	for rows.Next() {
		var (
			rec      models.ProvenanceRecord
			attempts []byte
		)
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
			&attempts,
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
		if err := rec.SetAttemptsJSON(attempts); err != nil {
			return nil, fmt.Errorf("failed to decode attempts of %s: %w", rec.ID, err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provenance rows: %w", err)
	}
	return records, nil
}
