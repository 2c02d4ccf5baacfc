// Package tokens estimates prompt sizes for routing and cost estimation.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
	"go.uber.org/zap"

	"github.com/upb/llm-router/services/providers"
)

// messageOverhead approximates the per-message framing tokens added by chat formats
const messageOverhead = 4

// Counter counts tokens with tiktoken encodings, caching one codec per encoding
type Counter struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
	logger *zap.Logger
}

// NewCounter creates a counter with an empty codec cache
func NewCounter(logger *zap.Logger) *Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counter{
		codecs: make(map[tokenizer.Encoding]tokenizer.Codec),
		logger: logger,
	}
}

// Count returns the number of tokens in text for the given model.
// Unknown encodings fall back to a chars/4 estimate.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	codec := c.codec(encodingFor(model))
	if codec == nil {
		return Estimate(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return Estimate(text)
	}
	return len(ids)
}

// CountRequest returns the prompt token count of a request
func (c *Counter) CountRequest(req *providers.ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += c.Count(req.Model, m.Content) + messageOverhead
	}
	return total
}

// Estimate is the model-independent fallback of roughly four characters per token
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func (c *Counter) codec(enc tokenizer.Encoding) tokenizer.Codec {
	c.mu.RLock()
	codec, ok := c.codecs[enc]
	c.mu.RUnlock()
	if ok {
		return codec
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if codec, ok := c.codecs[enc]; ok {
		return codec
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		c.logger.Warn("failed to load encoding, using estimate",
			zap.String("encoding", string(enc)),
			zap.Error(err),
		)
		codec = nil
	}
	c.codecs[enc] = codec
	return codec
}

func encodingFor(model string) tokenizer.Encoding {
	switch {
	case strings.HasPrefix(model, "text-davinci"), strings.HasPrefix(model, "code-"):
		return tokenizer.P50kBase
	default:
		return tokenizer.Cl100kBase
	}
}
