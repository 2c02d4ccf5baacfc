// Package pipeline wraps one logical router call with ordered request and
// response middleware.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/llm-router/services/providers"
)

// Middleware intercepts one logical call. Hooks must not mutate their
// arguments; return a new value instead.
type Middleware interface {
	Name() string
	ProcessRequest(ctx context.Context, req *providers.ChatRequest) (*providers.ChatRequest, error)
	ProcessResponse(ctx context.Context, req *providers.ChatRequest, resp *providers.ChatResponse) (*providers.ChatResponse, error)
}

// ErrorObserver is implemented by middleware that wants to see failed calls
type ErrorObserver interface {
	ProcessError(ctx context.Context, req *providers.ChatRequest, err error)
}

// Handler performs the wrapped call
type Handler func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)

// StreamHandler performs the wrapped streaming call
type StreamHandler func(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error)

// Pipeline is an ordered middleware list
type Pipeline struct {
	mu         sync.RWMutex
	middleware []Middleware
	logger     *zap.Logger
}

// New creates a pipeline
func New(logger *zap.Logger, middleware ...Middleware) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		middleware: append([]Middleware(nil), middleware...),
		logger:     logger,
	}
}

// Use appends middleware
func (p *Pipeline) Use(middleware ...Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.middleware = append(p.middleware, middleware...)
}

// Names returns middleware names in request order
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.middleware))
	for i, m := range p.middleware {
		names[i] = m.Name()
	}
	return names
}

func (p *Pipeline) snapshot() []Middleware {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Middleware(nil), p.middleware...)
}

// Execute runs request hooks in order, the handler, then response hooks in
// reverse. Only middleware whose request hook ran sees the response.
func (p *Pipeline) Execute(ctx context.Context, req *providers.ChatRequest, next Handler) (*providers.ChatResponse, error) {
	if req == nil {
		return nil, providers.NewValidationError("pipeline", "request is nil")
	}
	chain := p.snapshot()

	cur, ran, resp, err := p.runRequest(ctx, chain, req)
	if err != nil {
		return nil, err
	}

	if resp == nil {
		resp, err = next(ctx, cur)
		if err == nil && resp == nil {
			err = fmt.Errorf("handler returned no response for request %s", cur.Metadata.RequestID)
		}
		if err != nil {
			notifyError(ctx, chain[:ran], cur, err)
			return nil, err
		}
	}

	return p.runResponse(ctx, chain[:ran], cur, resp)
}

// runRequest applies request hooks. It returns the final request, how many
// hooks ran and a response when a hook short-circuited.
func (p *Pipeline) runRequest(ctx context.Context, chain []Middleware, req *providers.ChatRequest) (*providers.ChatRequest, int, *providers.ChatResponse, error) {
	cur := req
	for i, m := range chain {
		out, err := m.ProcessRequest(ctx, cur)
		if err != nil {
			var sc *shortCircuit
			if errors.As(err, &sc) && sc.resp != nil {
				p.logger.Debug("pipeline short-circuited",
					zap.String("request_id", cur.Metadata.RequestID),
					zap.String("middleware", m.Name()),
				)
				return cur, i + 1, sc.resp, nil
			}
			merr := &MiddlewareError{Name: m.Name(), Phase: PhaseRequest, RequestID: cur.Metadata.RequestID, Err: err}
			notifyError(ctx, chain[:i], cur, merr)
			return nil, i, nil, merr
		}
		if out != nil {
			cur = out
		}
	}
	return cur, len(chain), nil, nil
}

// runResponse applies response hooks in reverse order
func (p *Pipeline) runResponse(ctx context.Context, chain []Middleware, req *providers.ChatRequest, resp *providers.ChatResponse) (*providers.ChatResponse, error) {
	cur := resp
	for i := len(chain) - 1; i >= 0; i-- {
		m := chain[i]
		out, err := m.ProcessResponse(ctx, req, cur)
		if err != nil {
			return nil, &MiddlewareError{Name: m.Name(), Phase: PhaseResponse, RequestID: req.Metadata.RequestID, Err: err}
		}
		if out != nil {
			cur = out
		}
	}
	return cur, nil
}

// ExecuteStream applies request hooks, then runs response hooks on the
// assembled done chunk. A failing response hook turns the done chunk into
// an error chunk with the same sequence number.
func (p *Pipeline) ExecuteStream(ctx context.Context, req *providers.ChatRequest, next StreamHandler) (<-chan providers.StreamChunk, error) {
	if req == nil {
		return nil, providers.NewValidationError("pipeline", "request is nil")
	}
	chain := p.snapshot()

	cur, ran, resp, err := p.runRequest(ctx, chain, req)
	if err != nil {
		return nil, err
	}

	var in <-chan providers.StreamChunk
	if resp != nil {
		in = replay(cur, resp)
	} else {
		in, err = next(ctx, cur)
		if err != nil {
			notifyError(ctx, chain[:ran], cur, err)
			return nil, err
		}
	}

	hooks := chain[:ran]
	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		for chunk := range in {
			switch chunk.Type {
			case providers.ChunkDone:
				chunk = p.finishStream(ctx, hooks, cur, chunk)
			case providers.ChunkError:
				notifyError(ctx, hooks, cur, chunkError(chunk))
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// keep draining so the producer can exit
			}
		}
	}()
	return out, nil
}

func (p *Pipeline) finishStream(ctx context.Context, hooks []Middleware, req *providers.ChatRequest, chunk providers.StreamChunk) providers.StreamChunk {
	resp := responseFromChunk(chunk)
	out, err := p.runResponse(ctx, hooks, req, resp)
	if err != nil {
		p.logger.Warn("stream response hook failed",
			zap.String("request_id", req.Metadata.RequestID),
			zap.Error(err),
		)
		return providers.StreamChunk{
			Type:     providers.ChunkError,
			Sequence: chunk.Sequence,
			Error:    &providers.ChunkFailure{Code: "middleware_error", Message: err.Error()},
			Metadata: chunk.Metadata,
		}
	}

	chunk.Message = &out.Message
	chunk.FinishReason = out.FinishReason
	chunk.Usage = out.Usage
	meta := out.Metadata
	chunk.Metadata = &meta
	if out.Model != "" {
		chunk.Model = out.Model
	}
	return chunk
}

func responseFromChunk(chunk providers.StreamChunk) *providers.ChatResponse {
	resp := &providers.ChatResponse{
		Model:        chunk.Model,
		FinishReason: chunk.FinishReason,
		Usage:        chunk.Usage,
	}
	if chunk.Message != nil {
		resp.Message = *chunk.Message
	}
	if chunk.Metadata != nil {
		resp.Metadata = *chunk.Metadata
	}
	return resp
}

// replay renders a short-circuit response as a complete stream
func replay(req *providers.ChatRequest, resp *providers.ChatResponse) <-chan providers.StreamChunk {
	meta := resp.Metadata
	if meta.RequestID == "" {
		meta.RequestID = req.Metadata.RequestID
	}
	msg := resp.Message
	finish := resp.FinishReason
	if finish == "" {
		finish = providers.FinishStop
	}

	ch := make(chan providers.StreamChunk, 3)
	ch <- providers.StreamChunk{Type: providers.ChunkStart, Sequence: 0, Model: resp.Model, Metadata: &providers.ResponseMetadata{RequestID: meta.RequestID}}
	ch <- providers.StreamChunk{Type: providers.ChunkContent, Sequence: 1, Delta: msg.Content, Accumulated: accumulated(req, msg.Content)}
	ch <- providers.StreamChunk{Type: providers.ChunkDone, Sequence: 2, FinishReason: finish, Message: &msg, Usage: resp.Usage, Metadata: &meta, Model: resp.Model}
	close(ch)
	return ch
}

func accumulated(req *providers.ChatRequest, text string) string {
	if req.StreamMode == providers.StreamModeAccumulated {
		return text
	}
	return ""
}

func notifyError(ctx context.Context, hooks []Middleware, req *providers.ChatRequest, err error) {
	for i := len(hooks) - 1; i >= 0; i-- {
		if obs, ok := hooks[i].(ErrorObserver); ok {
			obs.ProcessError(ctx, req, err)
		}
	}
}

func chunkError(chunk providers.StreamChunk) error {
	if chunk.Error == nil {
		return errors.New("stream failed")
	}
	return fmt.Errorf("stream failed: %s: %s", chunk.Error.Code, chunk.Error.Message)
}
