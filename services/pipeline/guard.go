package pipeline

import (
	"context"
	"regexp"
	"strings"

	"github.com/upb/llm-router/services/providers"
)

// GuardConfig selects the prompt checks applied to user messages
type GuardConfig struct {
	// BlockInjection rejects prompts that try to override instructions
	BlockInjection bool `yaml:"block_injection"`

	// RedactPII replaces emails, SSNs and card numbers before the request leaves
	RedactPII bool `yaml:"redact_pii"`
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?)`),
	regexp.MustCompile(`(?i)disregard\s+(all|previous|above|any)\s+(instructions?|rules)`),
	regexp.MustCompile(`(?i)override\s+(all|previous|system)\s+(instructions?|rules|settings?)`),
	regexp.MustCompile(`(?i)(reveal|print|repeat|show)\s+(me\s+)?(your|the)\s+(system|hidden|original)\s+(prompt|instructions?)`),
	regexp.MustCompile(`(?i)forget\s+(everything|all\s+previous)`),
	regexp.MustCompile(`(?i)\b(DAN|developer|unrestricted|god)\s+mode\b`),
	regexp.MustCompile(`(\[/?SYSTEM\]|<\|(system|assistant|end)\|>|###\s*SYSTEM)`),
}

type redaction struct {
	pattern *regexp.Regexp
	label   string
	check   func(string) bool
}

var redactions = []redaction{
	{pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), label: "[EMAIL]"},
	{pattern: regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`), label: "[SSN]"},
	{pattern: regexp.MustCompile(`\b(?:[0-9][ -]?){12,18}[0-9]\b`), label: "[CARD]", check: luhn},
}

// GuardMiddleware screens user messages for injection attempts and PII
type GuardMiddleware struct {
	cfg GuardConfig
}

// NewGuardMiddleware creates a GuardMiddleware
func NewGuardMiddleware(cfg GuardConfig) *GuardMiddleware {
	return &GuardMiddleware{cfg: cfg}
}

func (m *GuardMiddleware) Name() string { return "guard" }

func (m *GuardMiddleware) ProcessRequest(ctx context.Context, req *providers.ChatRequest) (*providers.ChatRequest, error) {
	var messages []providers.Message
	for i, msg := range req.Messages {
		if msg.Role != providers.RoleUser {
			continue
		}
		if m.cfg.BlockInjection && looksLikeInjection(msg.Content) {
			return nil, providers.NewValidationError("guard", "prompt rejected: instruction override detected")
		}
		if !m.cfg.RedactPII {
			continue
		}
		redacted := Redact(msg.Content)
		if redacted == msg.Content {
			continue
		}
		if messages == nil {
			messages = append([]providers.Message(nil), req.Messages...)
		}
		messages[i].Content = redacted
	}
	if messages == nil {
		return req, nil
	}
	return req.WithMessages(messages), nil
}

func (m *GuardMiddleware) ProcessResponse(ctx context.Context, req *providers.ChatRequest, resp *providers.ChatResponse) (*providers.ChatResponse, error) {
	return resp, nil
}

func looksLikeInjection(text string) bool {
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Redact masks emails, SSNs and Luhn-valid card numbers
func Redact(text string) string {
	for _, r := range redactions {
		text = r.pattern.ReplaceAllStringFunc(text, func(match string) string {
			if r.check != nil && !r.check(match) {
				return match
			}
			return r.label
		})
	}
	return text
}

func luhn(s string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
