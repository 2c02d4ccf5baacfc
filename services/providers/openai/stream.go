package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/upb/llm-router/services/providers"
)

// sseStream reads OpenAI server-sent events and yields canonical chunks.
// The response body is bound to the request context, so cancellation
// unblocks Next.
type sseStream struct {
	ctx     context.Context
	backend string
	body    io.ReadCloser
	reader  *bufio.Reader

	pending []providers.StreamChunk
	finish  providers.FinishReason
	usage   *providers.Usage
	done    bool

	closeOnce sync.Once
}

func newSSEStream(ctx context.Context, backend string, body io.ReadCloser) *sseStream {
	return &sseStream{
		ctx:     ctx,
		backend: backend,
		body:    body,
		reader:  bufio.NewReaderSize(body, 64<<10),
	}
}

// Next implements providers.Stream
func (s *sseStream) Next() (providers.StreamChunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.done {
			return providers.StreamChunk{}, io.EOF
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.handleLine(line)
				if !s.done {
					s.done = true
					if s.finish != "" {
						s.emitDone()
					}
				}
				continue
			}
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return providers.StreamChunk{}, ctxErr
			}
			return providers.StreamChunk{}, providers.Classify(s.backend, err)
		}
		s.handleLine(line)
	}
}

// Close implements providers.Stream
func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

func (s *sseStream) handleLine(line string) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data:") {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return
	}
	if payload == "[DONE]" {
		s.emitDone()
		return
	}

	var ev chatResponse
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.emitError("decode_error", fmt.Sprintf("invalid stream event: %v", err), false)
		return
	}
	if ev.Error != nil {
		retryable := ev.Error.Type == "server_error" || ev.Error.Type == "rate_limit_error"
		s.emitError(ev.Error.Type, ev.Error.Message, retryable)
		return
	}

	for _, c := range ev.Choices {
		if c.Index != 0 {
			continue
		}
		if c.Delta.Content != nil && *c.Delta.Content != "" {
			s.pending = append(s.pending, providers.StreamChunk{Type: providers.ChunkContent, Delta: *c.Delta.Content})
		}
		for _, tc := range c.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			s.pending = append(s.pending, providers.StreamChunk{
				Type: providers.ChunkToolUse,
				ToolCall: &providers.ToolCallDelta{
					Index:          idx,
					ID:             tc.ID,
					Name:           tc.Function.Name,
					ArgumentsDelta: tc.Function.Arguments,
				},
			})
		}
		if c.FinishReason != nil {
			s.finish = finishReason(c.FinishReason)
		}
	}

	if ev.Usage != nil {
		s.usage = &providers.Usage{
			PromptTokens:     ev.Usage.PromptTokens,
			CompletionTokens: ev.Usage.CompletionTokens,
			TotalTokens:      ev.Usage.TotalTokens,
		}
		u := *s.usage
		s.pending = append(s.pending, providers.StreamChunk{Type: providers.ChunkMetadata, Usage: &u})
	}
}

func (s *sseStream) emitDone() {
	if s.done {
		return
	}
	s.done = true
	s.pending = append(s.pending, providers.StreamChunk{
		Type:         providers.ChunkDone,
		FinishReason: s.finish,
		Usage:        s.usage,
	})
}

func (s *sseStream) emitError(code, message string, retryable bool) {
	s.done = true
	s.pending = append(s.pending, providers.StreamChunk{
		Type:  providers.ChunkError,
		Error: &providers.ChunkFailure{Code: code, Message: message, Retryable: retryable},
	})
}
