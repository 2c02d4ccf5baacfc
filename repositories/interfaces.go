package repositories

import (
	"context"
	"errors"

	"github.com/upb/llm-router/models"
)

// ErrNotFound is returned when a lookup matches no records
var ErrNotFound = errors.New("record not found")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// ProvenanceWriter persists provenance records. Implementations must be safe
// for concurrent use by the audit workers.
type ProvenanceWriter interface {
	// Name identifies the sink in logs
	Name() string

	Insert(ctx context.Context, record *models.ProvenanceRecord) error
}

// ProvenanceReader looks provenance records up
type ProvenanceReader interface {
	// ListByRequestID returns every record of a request, oldest first.
	// ErrNotFound is returned when there are none.
	ListByRequestID(ctx context.Context, requestID string) ([]*models.ProvenanceRecord, error)

	// ListRecent returns the newest records, newest first
	ListRecent(ctx context.Context, limit int) ([]*models.ProvenanceRecord, error)
}

// ProvenanceRepository is a queryable provenance store
type ProvenanceRepository interface {
	ProvenanceWriter
	ProvenanceReader
}
