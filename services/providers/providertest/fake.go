// Package providertest provides a scriptable in-memory Adapter for tests.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/upb/llm-router/services/providers"
)

// ErrStreamClosed is returned by Next after Close
var ErrStreamClosed = errors.New("stream closed")

// Adapter is a fake backend whose behavior is configured per test
type Adapter struct {
	mu        sync.Mutex
	meta      providers.BackendMetadata
	delay     time.Duration
	failures  []error
	failAll   error
	cost      float64
	hasCost   bool
	healthy   bool
	chunks    []providers.StreamChunk
	chunkGap  time.Duration
	streamErr error
	openErr   error
	respond   func(req *providers.ChatRequest) (*providers.ChatResponse, error)
	requests  []*providers.ChatRequest
	inFlight  int
	maxSeen   int
}

// New creates a healthy fake with every capability enabled
func New(name string) *Adapter {
	return &Adapter{
		meta: providers.BackendMetadata{
			Name:     name,
			Provider: "fake",
			Capabilities: providers.Capabilities{
				Streaming: true,
				Tools:     true,
				Vision:    true,
				JSONMode:  true,
			},
			ContextWindow: 128000,
		},
		healthy: true,
	}
}

// WithMetadata edits the reported metadata
func (a *Adapter) WithMetadata(fn func(m *providers.BackendMetadata)) *Adapter {
	fn(&a.meta)
	return a
}

// WithDelay makes every call take d, or less if the context ends first
func (a *Adapter) WithDelay(d time.Duration) *Adapter {
	a.delay = d
	return a
}

// FailAlways makes every call return err
func (a *Adapter) FailAlways(err error) *Adapter {
	a.failAll = err
	return a
}

// FailNext queues errors returned by the next calls, in order
func (a *Adapter) FailNext(errs ...error) *Adapter {
	a.failures = append(a.failures, errs...)
	return a
}

// WithCost sets the cost estimate
func (a *Adapter) WithCost(cost float64) *Adapter {
	a.cost = cost
	a.hasCost = true
	return a
}

// WithHealth sets the HealthCheck result
func (a *Adapter) WithHealth(healthy bool) *Adapter {
	a.healthy = healthy
	return a
}

// WithResponder overrides the successful response
func (a *Adapter) WithResponder(fn func(req *providers.ChatRequest) (*providers.ChatResponse, error)) *Adapter {
	a.respond = fn
	return a
}

// WithStream scripts the chunks ExecuteStream yields, then io.EOF
func (a *Adapter) WithStream(chunks ...providers.StreamChunk) *Adapter {
	a.chunks = chunks
	return a
}

// WithChunkGap delays each streamed chunk
func (a *Adapter) WithChunkGap(d time.Duration) *Adapter {
	a.chunkGap = d
	return a
}

// WithStreamError makes the stream fail with err after the scripted chunks
func (a *Adapter) WithStreamError(err error) *Adapter {
	a.streamErr = err
	return a
}

// WithOpenError makes ExecuteStream itself fail
func (a *Adapter) WithOpenError(err error) *Adapter {
	a.openErr = err
	return a
}

// Metadata implements providers.Adapter
func (a *Adapter) Metadata() providers.BackendMetadata {
	return a.meta
}

// Execute implements providers.Adapter
func (a *Adapter) Execute(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	a.begin(req)
	defer a.end()

	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := a.nextError(); err != nil {
		return nil, err
	}
	if a.respond != nil {
		return a.respond(req)
	}
	return &providers.ChatResponse{
		ID:           fmt.Sprintf("%s-%d", a.meta.Name, a.Calls()),
		Model:        req.Model,
		Message:      providers.Message{Role: providers.RoleAssistant, Content: "ok from " + a.meta.Name},
		FinishReason: providers.FinishStop,
		Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Latency:      a.delay,
		Created:      time.Now(),
	}, nil
}

// ExecuteStream implements providers.Adapter
func (a *Adapter) ExecuteStream(ctx context.Context, req *providers.ChatRequest) (providers.Stream, error) {
	a.begin(req)
	defer a.end()

	if a.openErr != nil {
		return nil, a.openErr
	}
	if err := a.nextError(); err != nil {
		return nil, err
	}
	return &Stream{
		ctx:    ctx,
		chunks: append([]providers.StreamChunk(nil), a.chunks...),
		gap:    a.chunkGap,
		err:    a.streamErr,
		closed: make(chan struct{}),
	}, nil
}

// HealthCheck implements providers.Adapter
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	return a.healthy
}

// EstimateCost implements providers.Adapter
func (a *Adapter) EstimateCost(req *providers.ChatRequest) (float64, bool) {
	return a.cost, a.hasCost
}

// Calls returns how many Execute or ExecuteStream calls were made
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

// Requests returns the requests received, in order
func (a *Adapter) Requests() []*providers.ChatRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*providers.ChatRequest(nil), a.requests...)
}

// MaxConcurrent returns the highest number of overlapping calls observed
func (a *Adapter) MaxConcurrent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxSeen
}

func (a *Adapter) begin(req *providers.ChatRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	a.inFlight++
	if a.inFlight > a.maxSeen {
		a.maxSeen = a.inFlight
	}
}

func (a *Adapter) end() {
	a.mu.Lock()
	a.inFlight--
	a.mu.Unlock()
}

func (a *Adapter) nextError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.failures) > 0 {
		err := a.failures[0]
		a.failures = a.failures[1:]
		return err
	}
	return a.failAll
}

// Stream is the scripted stream returned by Adapter.ExecuteStream
type Stream struct {
	ctx       context.Context
	chunks    []providers.StreamChunk
	gap       time.Duration
	err       error
	pos       int
	closeOnce sync.Once
	closed    chan struct{}
}

// Next implements providers.Stream
func (s *Stream) Next() (providers.StreamChunk, error) {
	select {
	case <-s.closed:
		return providers.StreamChunk{}, ErrStreamClosed
	case <-s.ctx.Done():
		return providers.StreamChunk{}, s.ctx.Err()
	default:
	}
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return providers.StreamChunk{}, s.err
		}
		return providers.StreamChunk{}, io.EOF
	}
	if s.gap > 0 {
		select {
		case <-time.After(s.gap):
		case <-s.closed:
			return providers.StreamChunk{}, ErrStreamClosed
		case <-s.ctx.Done():
			return providers.StreamChunk{}, s.ctx.Err()
		}
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

// Close implements providers.Stream
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Content builds content chunks from text deltas
func Content(deltas ...string) []providers.StreamChunk {
	chunks := make([]providers.StreamChunk, len(deltas))
	for i, d := range deltas {
		chunks[i] = providers.StreamChunk{Type: providers.ChunkContent, Delta: d}
	}
	return chunks
}

// Done builds a done chunk with the given finish reason
func Done(reason providers.FinishReason) providers.StreamChunk {
	return providers.StreamChunk{Type: providers.ChunkDone, FinishReason: reason}
}
