package mysql

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-router/config"
	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
	"github.com/upb/llm-router/services/providers"
)

func newMockRepository(t *testing.T) (*ProvenanceRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewProvenanceRepository(Wrap(sqlDB, zap.NewNop()), zap.NewNop()), mock
}

var columns = []string{
	"id", "request_id", "kind", "backend", "strategy", "model", "original_model", "outcome",
	"fallback_used", "attempts", "prompt_tokens", "completion_tokens", "cost_usd", "latency_ms",
	"error_code", "error_message", "created_at",
}

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{
		Host:     "db.internal",
		Port:     3306,
		User:     "router",
		Password: "secret",
		Database: "provenance",
	})
	assert.Equal(t, "router:secret@tcp(db.internal:3306)/provenance?parseTime=true", dsn)

	parsed, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.True(t, parsed.ParseTime)

	assert.Equal(t, "u:p@tcp(h)/d", DSN(config.DatabaseConfig{ConnectionString: "u:p@tcp(h)/d"}))
}

func TestProvenanceRepository_Insert(t *testing.T) {
	repo, mock := newMockRepository(t)
	rec := models.NewProvenanceRecord("req-1", models.ProvenanceKindParallel).
		WithProvenance(&providers.Provenance{
			Backend:  "openai",
			Strategy: "parallel_first",
			Attempts: []providers.Attempt{{Backend: "openai", Outcome: providers.OutcomeSuccess, LatencyMs: 50}},
		}).
		WithCost(decimal.RequireFromString("0.01"))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO provenance_records")).
		WithArgs(rec.ID.String(), "req-1", "parallel", "openai", "parallel_first", "", "", "success",
			false, `[{"backend":"openai","outcome":"success","latency_ms":50}]`,
			0, 0, "0.01", int64(0), "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Insert(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvenanceRepository_InsertDuplicateIsIgnored(t *testing.T) {
	repo, mock := newMockRepository(t)
	rec := models.NewProvenanceRecord("req-1", models.ProvenanceKindComplete)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO provenance_records")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	assert.NoError(t, repo.Insert(context.Background(), rec))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO provenance_records")).
		WillReturnError(&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"})
	assert.Error(t, repo.Insert(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvenanceRepository_ListByRequestID(t *testing.T) {
	repo, mock := newMockRepository(t)
	rec := models.NewProvenanceRecord("req-9", models.ProvenanceKindStream)
	created := time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE request_id = ?")).
		WithArgs("req-9").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			rec.ID.String(), "req-9", "stream", "azure", "latency_optimized", "gpt-4o", "", "error",
			true, []byte(`[{"backend":"openai","outcome":"circuit_open","latency_ms":0},{"backend":"azure","outcome":"failure","latency_ms":70}]`),
			7, 0, "0.000000", 75, "network", "connection reset", created,
		))

	records, err := repo.ListByRequestID(context.Background(), "req-9")
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, models.ProvenanceOutcomeError, got.Outcome)
	assert.Equal(t, "network", got.ErrorCode)
	require.Len(t, got.Attempts, 2)
	assert.Equal(t, providers.OutcomeCircuitOpen, got.Attempts[0].Outcome)
	assert.Equal(t, created, got.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvenanceRepository_ListByRequestIDNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE request_id = ?")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := repo.ListByRequestID(context.Background(), "nope")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestProvenanceRepository_ListRecentBadAttempts(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT ?")).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"6f1c1f4e-8a4a-4a0b-9d7e-1b1d1c1e1f10", "req-1", "complete", "", "", "", "", "success",
			false, []byte(`{not json`), 0, 0, "0", 0, "", "", time.Now(),
		))

	_, err := repo.ListRecent(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode attempts")
}
