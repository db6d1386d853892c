// Package llm provides the completion and embedding provider ports plus the
// Anthropic-backed and offline implementations used across extraction,
// reflection and task execution.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
)

// Request is one completion call. Model overrides the provider default when
// set; zero Temperature and MaxTokens fall back to provider defaults.
type Request struct {
	System      string
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Completion is the provider's answer with token accounting attached.
// Usage is always populated, estimated locally when the provider does not
// report it, so cost bookkeeping never sees a zero.
type Completion struct {
	Text       string
	Model      string
	StopReason string
	Usage      domain.TokenUsage
}

// Provider is the completion port.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	// CompleteJSON runs Complete and decodes the response body into out,
	// tolerating markdown code fences around the JSON.
	CompleteJSON(ctx context.Context, req Request, out any) (*Completion, error)
	Name() string
}

// decodeJSON strips markdown fences and unmarshals the model output.
func decodeJSON(raw string, out any) error {
	cleaned := StripJSONFences(raw)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return apperrors.ProviderOutputInvalid(apperrors.CodeProviderOutputInvalid,
			"model returned malformed JSON").
			WithDetails(truncate(cleaned, 200)).
			WithCause(err).
			Build()
	}
	return nil
}

// StripJSONFences removes a surrounding ```json ... ``` block when present.
func StripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// EstimateTokens approximates the token count of a text. Used for budget
// prechecks and prompt budgeting before any provider round trip.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	n := int64(len(text) / 4)
	if n < 1 {
		n = 1
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
