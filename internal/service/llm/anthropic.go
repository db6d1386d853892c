package llm

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	apperrors "rae-backend/internal/errors"
)

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	timeout     time.Duration
	logger      *zap.Logger
}

// AnthropicOptions configures the provider defaults applied when a request
// leaves the corresponding field zero.
type AnthropicOptions struct {
	APIKey      string
	Model       string
	MaxTokens   int64
	Temperature float64
	Timeout     time.Duration
}

// NewAnthropicProvider builds the provider. An empty API key falls back to
// the ANTHROPIC_API_KEY environment variable, which the SDK reads itself.
func NewAnthropicProvider(opts AnthropicOptions, logger *zap.Logger) *AnthropicProvider {
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &AnthropicProvider{
		client:      anthropic.NewClient(clientOpts...),
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
		logger:      logger,
	}
}

var _ Provider = (*AnthropicProvider)(nil)

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if temperature > 0 {
		params.Temperature = anthropic.Float(temperature)
	}

	start := time.Now()
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Timeout(apperrors.CodeTimeout, "completion timed out").
				WithOperation("llm.complete").
				WithCause(err).
				Build()
		}
		return nil, apperrors.DependencyUnavailable(apperrors.CodeProviderError, "completion failed").
			WithOperation("llm.complete").
			WithCause(err).
			Build()
	}

	var text strings.Builder
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			text.WriteString(resp.Content[i].Text)
		}
	}

	completion := &Completion{
		Text:       text.String(),
		Model:      model,
		StopReason: string(resp.StopReason),
	}
	completion.Usage.InputTokens = resp.Usage.InputTokens
	completion.Usage.OutputTokens = resp.Usage.OutputTokens
	if completion.Usage.Total() == 0 {
		completion.Usage.InputTokens = EstimateTokens(req.System + req.Prompt)
		completion.Usage.OutputTokens = EstimateTokens(completion.Text)
	}

	p.logger.Debug("completion finished",
		zap.String("model", model),
		zap.Int64("input_tokens", completion.Usage.InputTokens),
		zap.Int64("output_tokens", completion.Usage.OutputTokens),
		zap.String("stop_reason", completion.StopReason),
		zap.Duration("elapsed", time.Since(start)),
	)
	return completion, nil
}

func (p *AnthropicProvider) CompleteJSON(ctx context.Context, req Request, out any) (*Completion, error) {
	completion, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(completion.Text, out); err != nil {
		return completion, err
	}
	return completion, nil
}
