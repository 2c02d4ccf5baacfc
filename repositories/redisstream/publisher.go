// Package redisstream publishes provenance records to a capped Redis stream
// for downstream consumers.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/llm-router/models"
)

// DefaultStream is the stream key used when none is configured
const DefaultStream = "llm-router:provenance"

// Publisher appends records with XADD and trims the stream approximately
type Publisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewPublisher creates a publisher. maxLen <= 0 leaves the stream untrimmed.
func NewPublisher(client redis.UniversalClient, stream string, maxLen int64, logger *zap.Logger) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{client: client, stream: stream, maxLen: maxLen, logger: logger}
}

// Name implements repositories.ProvenanceWriter
func (p *Publisher) Name() string {
	return "redis"
}

// Insert implements repositories.ProvenanceWriter
func (p *Publisher) Insert(ctx context.Context, rec *models.ProvenanceRecord) error {
	args, err := p.xaddArgs(rec)
	if err != nil {
		return err
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish provenance record: %w", err)
	}
	p.logger.Debug("provenance record published",
		zap.String("stream", p.stream),
		zap.String("entry_id", id),
		zap.String("request_id", rec.RequestID))
	return nil
}

// xaddArgs keeps a few flat fields for stream filtering next to the full record
func (p *Publisher) xaddArgs(rec *models.ProvenanceRecord) (*redis.XAddArgs, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provenance record: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"request_id": rec.RequestID,
			"kind":       string(rec.Kind),
			"backend":    rec.Backend,
			"outcome":    string(rec.Outcome),
			"data":       string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return args, nil
}

// Ping checks the connection, used by readiness
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
