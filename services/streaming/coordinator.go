// Package streaming turns backend streams into one ordered canonical chunk
// sequence with a single terminal chunk.
package streaming

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/upb/llm-router/services/providers"
)

// Phase is the coordinator state
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStreaming
	PhaseDone
	PhaseFailed
	PhaseCancelled
)

// String returns the phase name
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStreaming:
		return "streaming"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Source is one opened backend stream
type Source struct {
	Backend string

	// Model actually requested from the backend
	Model string

	Stream providers.Stream

	// Done is called exactly once when the coordinator stops reading the
	// source: nil on success, the classified error on failure, or the
	// context error on cancellation
	Done func(err error)
}

// OpenFunc opens the next backend stream. It returns an error once no
// backend is left to try.
type OpenFunc func(ctx context.Context) (*Source, error)

// Option configures a coordinator run
type Option func(*coordinator)

// WithProvenance supplies the provenance attached to the done chunk
func WithProvenance(fn func() *providers.Provenance) Option {
	return func(c *coordinator) {
		c.provenance = fn
	}
}

// WithBufferSize sets the output channel buffer
func WithBufferSize(n int) Option {
	return func(c *coordinator) {
		if n >= 0 {
			c.buffer = n
		}
	}
}

// WithPhaseHook observes phase transitions
func WithPhaseHook(fn func(from, to Phase)) Option {
	return func(c *coordinator) {
		c.onPhase = fn
	}
}

// StreamError describes why a stream terminated with an error chunk
type StreamError struct {
	RequestID string
	Backend   string

	// Committed is true when content had already been emitted
	Committed bool

	Err error
}

// Error implements the error interface
func (e *StreamError) Error() string {
	msg := "stream failed"
	if e.Backend != "" {
		msg += " on " + e.Backend
	}
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	if e.Committed {
		msg += " after partial output"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *StreamError) Unwrap() error {
	return e.Err
}

// Code returns the code carried by the error chunk
func (e *StreamError) Code() string {
	var coded interface{ ErrorCode() string }
	if errors.As(e.Err, &coded) {
		return coded.ErrorCode()
	}
	if kind := providers.KindOf(e.Err); kind != "" {
		return string(kind)
	}
	return "stream_error"
}

// Retryable reports whether the caller may retry the whole request
func (e *StreamError) Retryable() bool {
	return !e.Committed && providers.IsRetryable(e.Err)
}

// Failure renders the error as a terminal chunk payload
func (e *StreamError) Failure() *providers.ChunkFailure {
	return &providers.ChunkFailure{
		Code:      e.Code(),
		Message:   e.Error(),
		Retryable: e.Retryable(),
	}
}

// errNoContent marks a stream that ended before producing anything
var errNoContent = errors.New("stream ended before any content")

type coordinator struct {
	req        *providers.ChatRequest
	open       OpenFunc
	provenance func() *providers.Provenance
	onPhase    func(from, to Phase)
	buffer     int
	out        chan providers.StreamChunk

	phase     Phase
	seq       int
	committed bool
	backend   string
	model     string
	text      strings.Builder
	tools     map[int]*providers.ToolCall
	usage     *providers.Usage
	finish    providers.FinishReason
}

// Run starts coordinating and returns the canonical chunk channel. The
// channel is closed after the terminal chunk, or without one when ctx is
// cancelled.
func Run(ctx context.Context, req *providers.ChatRequest, open OpenFunc, opts ...Option) <-chan providers.StreamChunk {
	c := &coordinator{
		req:    req,
		open:   open,
		buffer: 16,
		model:  req.Model,
		tools:  make(map[int]*providers.ToolCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.out = make(chan providers.StreamChunk, c.buffer)

	go c.run(ctx)
	return c.out
}

func (c *coordinator) run(ctx context.Context) {
	defer close(c.out)

	start := providers.StreamChunk{
		Type:     providers.ChunkStart,
		Metadata: &providers.ResponseMetadata{RequestID: c.req.Metadata.RequestID},
		Model:    c.req.Model,
	}
	if !c.emit(ctx, start) {
		c.setPhase(PhaseCancelled)
		return
	}

	for {
		src, err := c.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setPhase(PhaseCancelled)
				return
			}
			c.fail(ctx, err)
			return
		}
		// nothing observed on a failed source carries over
		c.backend = src.Backend
		c.model = c.req.Model
		c.usage = nil
		c.finish = ""
		if src.Model != "" {
			c.model = src.Model
		}
		c.setPhase(PhaseStreaming)

		err = c.consume(ctx, src)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			c.setPhase(PhaseCancelled)
			return
		}
		if !c.committed && providers.IsRetryable(err) {
			continue
		}
		c.fail(ctx, err)
		return
	}
}

type readResult struct {
	chunk providers.StreamChunk
	err   error
}

// consume drains one source. It returns nil once the done chunk was
// emitted, or the classified error that ended the source.
func (c *coordinator) consume(ctx context.Context, src *Source) error {
	reads := make(chan readResult)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			chunk, err := src.Stream.Next()
			select {
			case reads <- readResult{chunk: chunk, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	settle := func(err error) {
		_ = src.Stream.Close()
		if src.Done != nil {
			src.Done(err)
		}
	}

	for {
		var res readResult
		select {
		case <-ctx.Done():
			settle(ctx.Err())
			return ctx.Err()
		case res = <-reads:
		}

		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				if c.committed {
					settle(nil)
					c.complete(ctx)
					return nil
				}
				err := providers.NewProviderError(src.Backend, "empty_stream", errNoContent.Error(), 0, false, errNoContent)
				settle(err)
				return err
			}
			if ctx.Err() != nil {
				settle(ctx.Err())
				return ctx.Err()
			}
			err := providers.Classify(src.Backend, res.err)
			settle(err)
			return err
		}

		chunk := res.chunk
		switch chunk.Type {
		case providers.ChunkContent:
			c.committed = true
			c.text.WriteString(chunk.Delta)
			out := providers.StreamChunk{Type: providers.ChunkContent, Delta: chunk.Delta}
			if c.req.StreamMode == providers.StreamModeAccumulated {
				out.Accumulated = c.text.String()
			}
			if !c.emit(ctx, out) {
				settle(ctx.Err())
				return ctx.Err()
			}

		case providers.ChunkToolUse:
			if chunk.ToolCall == nil {
				continue
			}
			c.committed = true
			c.addToolDelta(chunk.ToolCall)
			delta := *chunk.ToolCall
			if !c.emit(ctx, providers.StreamChunk{Type: providers.ChunkToolUse, ToolCall: &delta}) {
				settle(ctx.Err())
				return ctx.Err()
			}

		case providers.ChunkMetadata:
			if chunk.Usage != nil {
				u := *chunk.Usage
				c.usage = &u
			}
			out := providers.StreamChunk{Type: providers.ChunkMetadata, Usage: c.usage}
			if !c.emit(ctx, out) {
				settle(ctx.Err())
				return ctx.Err()
			}

		case providers.ChunkDone:
			if chunk.Usage != nil {
				u := *chunk.Usage
				c.usage = &u
			}
			c.finish = chunk.FinishReason
			settle(nil)
			c.complete(ctx)
			return nil

		case providers.ChunkError:
			err := chunkErr(src.Backend, chunk.Error)
			settle(err)
			return err

		case providers.ChunkStart:
			if chunk.Model != "" {
				c.model = chunk.Model
			}
		}
	}
}

// complete emits the done chunk with the assembled message
func (c *coordinator) complete(ctx context.Context) {
	msg := &providers.Message{
		Role:      providers.RoleAssistant,
		Content:   c.text.String(),
		ToolCalls: c.toolCalls(),
	}
	finish := c.finish
	if finish == "" {
		finish = providers.FinishStop
		if len(msg.ToolCalls) > 0 {
			finish = providers.FinishToolCalls
		}
	}

	meta := &providers.ResponseMetadata{RequestID: c.req.Metadata.RequestID}
	if c.provenance != nil {
		meta.Provenance = c.provenance()
	}

	done := providers.StreamChunk{
		Type:         providers.ChunkDone,
		FinishReason: finish,
		Message:      msg,
		Usage:        c.usage,
		Metadata:     meta,
		Model:        c.model,
	}
	if c.emit(ctx, done) {
		c.setPhase(PhaseDone)
		return
	}
	c.setPhase(PhaseCancelled)
}

// fail emits the terminal error chunk
func (c *coordinator) fail(ctx context.Context, err error) {
	serr := &StreamError{
		RequestID: c.req.Metadata.RequestID,
		Backend:   c.backend,
		Committed: c.committed,
		Err:       err,
	}
	chunk := providers.StreamChunk{
		Type:     providers.ChunkError,
		Error:    serr.Failure(),
		Metadata: &providers.ResponseMetadata{RequestID: c.req.Metadata.RequestID},
	}
	if c.provenance != nil {
		chunk.Metadata.Provenance = c.provenance()
	}
	if c.emit(ctx, chunk) {
		c.setPhase(PhaseFailed)
		return
	}
	c.setPhase(PhaseCancelled)
}

// emit sends one chunk with the next sequence number. It emits nothing
// once ctx is done or a terminal chunk was sent.
func (c *coordinator) emit(ctx context.Context, chunk providers.StreamChunk) bool {
	if ctx.Err() != nil || c.phase >= PhaseDone {
		return false
	}
	chunk.Sequence = c.seq
	select {
	case c.out <- chunk:
		c.seq++
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *coordinator) setPhase(p Phase) {
	if c.phase == p {
		return
	}
	from := c.phase
	c.phase = p
	if c.onPhase != nil {
		c.onPhase(from, p)
	}
}

func (c *coordinator) addToolDelta(d *providers.ToolCallDelta) {
	call, ok := c.tools[d.Index]
	if !ok {
		call = &providers.ToolCall{}
		c.tools[d.Index] = call
	}
	if d.ID != "" {
		call.ID = d.ID
	}
	if d.Name != "" {
		call.Name = d.Name
	}
	call.Arguments += d.ArgumentsDelta
}

func (c *coordinator) toolCalls() []providers.ToolCall {
	if len(c.tools) == 0 {
		return nil
	}
	idx := make([]int, 0, len(c.tools))
	for i := range c.tools {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	calls := make([]providers.ToolCall, 0, len(idx))
	for _, i := range idx {
		calls = append(calls, *c.tools[i])
	}
	return calls
}

func chunkErr(backend string, ce *providers.ChunkFailure) error {
	if ce == nil {
		return providers.NewProviderError(backend, "stream_error", "backend sent an error chunk", 0, false, nil)
	}
	return providers.NewProviderError(backend, ce.Code, ce.Message, 0, !ce.Retryable, nil)
}
