// Package audit delivers provenance records to storage asynchronously so the
// request path never waits on a database.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
)

var (
	// ErrNotStarted is returned by Publish before Start
	ErrNotStarted = errors.New("audit service not started")

	// ErrStopped is returned by Publish after Stop
	ErrStopped = errors.New("audit service stopped")

	// ErrBufferFull is returned by Publish when the queue is full and the record was dropped
	ErrBufferFull = errors.New("audit event buffer full")
)

// Config holds configuration for the Service
type Config struct {
	BufferSize   int           `yaml:"buffer_size" validate:"gte=1"`
	WorkerCount  int           `yaml:"worker_count" validate:"gte=1"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   10000,
		WorkerCount:  5,
		WriteTimeout: 5 * time.Second,
	}
}

// Service fans provenance records out to every configured writer
type Service struct {
	writers []repositories.ProvenanceWriter
	logger  *zap.Logger
	cfg     Config

	events chan *models.ProvenanceRecord
	quit   chan struct{}
	wg     conc.WaitGroup

	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopOnce sync.Once

	published atomic.Int64
	dropped   atomic.Int64
	written   atomic.Int64
	failed    atomic.Int64
}

// NewService creates a new Service. With no writers every record is discarded
// after being counted.
func NewService(writers []repositories.ProvenanceWriter, logger *zap.Logger, cfg Config) *Service {
	d := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = d.WorkerCount
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		writers: writers,
		logger:  logger,
		cfg:     cfg,
		events:  make(chan *models.ProvenanceRecord, cfg.BufferSize),
		quit:    make(chan struct{}),
	}
}

// Start starts the background workers
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Go(func() { s.worker(i) })
	}
	s.started = true

	names := make([]string, len(s.writers))
	for i, w := range s.writers {
		names[i] = w.Name()
	}
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.cfg.WorkerCount),
		zap.Int("buffer_size", s.cfg.BufferSize),
		zap.Strings("writers", names))
	return nil
}

// Stop stops accepting records and waits for queued ones to be written
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	s.stopOnce.Do(func() {
		close(s.quit)
		s.mu.Lock()
		s.stopped = true
		close(s.events)
		s.mu.Unlock()
	})

	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.events)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Publish queues a record without blocking. A full queue drops the record.
func (s *Service) Publish(rec *models.ProvenanceRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.acceptingLocked(); err != nil {
		return err
	}

	select {
	case s.events <- rec:
		s.published.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("audit event channel full, dropping record",
			zap.String("request_id", rec.RequestID),
			zap.String("kind", string(rec.Kind)))
		return ErrBufferFull
	}
}

// PublishBlocking waits for queue space until ctx is done or the service stops
func (s *Service) PublishBlocking(ctx context.Context, rec *models.ProvenanceRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.acceptingLocked(); err != nil {
		return err
	}

	select {
	case s.events <- rec:
		s.published.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrStopped
	}
}

func (s *Service) acceptingLocked() error {
	if s.stopped {
		return ErrStopped
	}
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

func (s *Service) worker(id int) {
	s.logger.Debug("audit worker started", zap.Int("worker_id", id))
	for rec := range s.events {
		s.deliver(id, rec)
	}
	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

// deliver writes rec to every writer. A failing or panicking writer does not
// keep the record from the others.
func (s *Service) deliver(workerID int, rec *models.ProvenanceRecord) {
	for _, w := range s.writers {
		var err error
		var pc panics.Catcher
		pc.Try(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
			defer cancel()
			err = w.Insert(ctx, rec)
		})
		if r := pc.Recovered(); r != nil {
			err = r.AsError()
		}

		if err != nil {
			s.failed.Add(1)
			s.logger.Error("failed to write provenance record",
				zap.Int("worker_id", workerID),
				zap.String("writer", w.Name()),
				zap.String("request_id", rec.RequestID),
				zap.Error(err))
			continue
		}
		s.written.Add(1)
	}
}

// GetStats returns statistics about the audit service
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.cfg.BufferSize,
		PendingEvents: len(s.events),
		WorkerCount:   s.cfg.WorkerCount,
		Writers:       len(s.writers),
		Started:       s.started && !s.stopped,
		Published:     s.published.Load(),
		Dropped:       s.dropped.Load(),
		Written:       s.written.Load(),
		Failed:        s.failed.Load(),
	}
}

// Stats represents audit service statistics. Written and Failed count
// per-writer deliveries.
type Stats struct {
	BufferSize    int   `json:"buffer_size"`
	PendingEvents int   `json:"pending_events"`
	WorkerCount   int   `json:"worker_count"`
	Writers       int   `json:"writers"`
	Started       bool  `json:"started"`
	Published     int64 `json:"published"`
	Dropped       int64 `json:"dropped"`
	Written       int64 `json:"written"`
	Failed        int64 `json:"failed"`
}
