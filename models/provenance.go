package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/upb/llm-router/services/providers"
)

// ProvenanceKind is the call shape that produced a record
type ProvenanceKind string

const (
	ProvenanceKindComplete ProvenanceKind = "complete"
	ProvenanceKindStream   ProvenanceKind = "stream"
	ProvenanceKindParallel ProvenanceKind = "parallel"
)

// ProvenanceOutcome is the final result of a logical request
type ProvenanceOutcome string

const (
	ProvenanceOutcomeSuccess   ProvenanceOutcome = "success"
	ProvenanceOutcomeError     ProvenanceOutcome = "error"
	ProvenanceOutcomeCancelled ProvenanceOutcome = "cancelled"
)

// ProvenanceRecord is the persisted account of how one logical request was served
type ProvenanceRecord struct {
	ID            uuid.UUID           `json:"id" db:"id"`
	RequestID     string              `json:"request_id" db:"request_id"`
	Kind          ProvenanceKind      `json:"kind" db:"kind"`
	Backend       string              `json:"backend" db:"backend"`
	Strategy      string              `json:"strategy" db:"strategy"`
	Model         string              `json:"model" db:"model"`
	OriginalModel string              `json:"original_model,omitempty" db:"original_model"`
	Outcome       ProvenanceOutcome   `json:"outcome" db:"outcome"`
	FallbackUsed  bool                `json:"fallback_used" db:"fallback_used"`
	Attempts      []providers.Attempt `json:"attempts" db:"-"`

	// Metrics
	PromptTokens     int             `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens" db:"completion_tokens"`
	CostUSD          decimal.Decimal `json:"cost_usd" db:"cost_usd"`
	LatencyMs        int64           `json:"latency_ms" db:"latency_ms"`

	ErrorCode    string `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the ProvenanceRecord model
func (ProvenanceRecord) TableName() string {
	return "provenance_records"
}

// NewProvenanceRecord creates a successful record for a request
func NewProvenanceRecord(requestID string, kind ProvenanceKind) *ProvenanceRecord {
	return &ProvenanceRecord{
		ID:        uuid.New(),
		RequestID: requestID,
		Kind:      kind,
		Outcome:   ProvenanceOutcomeSuccess,
		CostUSD:   decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
}

// WithProvenance copies routing details. A nil provenance leaves the record unchanged.
func (r *ProvenanceRecord) WithProvenance(p *providers.Provenance) *ProvenanceRecord {
	if p == nil {
		return r
	}
	r.Backend = p.Backend
	r.Strategy = p.Strategy
	r.FallbackUsed = p.FallbackUsed
	r.OriginalModel = p.OriginalModel
	r.Attempts = append([]providers.Attempt(nil), p.Attempts...)
	return r
}

// WithUsage sets token counts
func (r *ProvenanceRecord) WithUsage(u *providers.Usage) *ProvenanceRecord {
	if u != nil {
		r.PromptTokens = u.PromptTokens
		r.CompletionTokens = u.CompletionTokens
	}
	return r
}

// WithLatency sets the end-to-end latency
func (r *ProvenanceRecord) WithLatency(d time.Duration) *ProvenanceRecord {
	r.LatencyMs = d.Milliseconds()
	return r
}

// WithCost sets the estimated spend
func (r *ProvenanceRecord) WithCost(usd decimal.Decimal) *ProvenanceRecord {
	r.CostUSD = usd
	return r
}

// WithError marks the record failed
func (r *ProvenanceRecord) WithError(code, message string) *ProvenanceRecord {
	r.Outcome = ProvenanceOutcomeError
	if code == string(providers.KindCancelled) {
		r.Outcome = ProvenanceOutcomeCancelled
	}
	r.ErrorCode = code
	r.ErrorMessage = message
	return r
}

// TotalTokens returns prompt plus completion tokens
func (r *ProvenanceRecord) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// AttemptsJSON encodes the attempt list for JSON columns and stream payloads
func (r *ProvenanceRecord) AttemptsJSON() ([]byte, error) {
	if r.Attempts == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Attempts)
}

// SetAttemptsJSON decodes an attempt list read back from storage
func (r *ProvenanceRecord) SetAttemptsJSON(data []byte) error {
	if len(data) == 0 {
		r.Attempts = nil
		return nil
	}
	return json.Unmarshal(data, &r.Attempts)
}
