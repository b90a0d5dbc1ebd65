package providers

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/YASSERRMD/AiMesh/engine/dispatcher"
	"github.com/YASSERRMD/AiMesh/engine/errors"
)

// AnthropicOptions configures the Anthropic adapter.
type AnthropicOptions struct {
	Model     anthropic.Model
	MaxTokens int64
	APIKey    string
}

// AnthropicExecutor runs payloads through the Anthropic Messages API. The
// payload is sent verbatim as a single user message; the reported token
// cost is input plus output usage.
type AnthropicExecutor struct {
	client *anthropic.Client
	opts   AnthropicOptions
	logger Logger
}

// NewAnthropicExecutor creates an Anthropic-backed executor.
func NewAnthropicExecutor(logger Logger, optFns ...func(*AnthropicOptions)) *AnthropicExecutor {
	opts := AnthropicOptions{
		Model:     anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &AnthropicExecutor{client: &client, opts: opts, logger: logger}
}

// Execute implements dispatcher.Executor.
func (a *AnthropicExecutor) Execute(ctx context.Context, endpointID string, payload []byte, budgetTokens int64, _ time.Time) (*dispatcher.ExecutionResult, error) {
	maxTokens := a.opts.MaxTokens
	if budgetTokens > 0 && budgetTokens < maxTokens {
		maxTokens = budgetTokens
	}

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.opts.Model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(string(payload))),
		},
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindEndpointFailure, "anthropic api", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}

	latencyMS := time.Since(start).Milliseconds()
	tokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
	if a.logger != nil {
		a.logger.Debug("anthropic_execution_completed",
			"endpoint_id", endpointID,
			"model", string(a.opts.Model),
			"tokens_used", tokens,
			"latency_ms", latencyMS)
	}

	return &dispatcher.ExecutionResult{
		Result:     []byte(sb.String()),
		TokensUsed: tokens,
		LatencyMS:  latencyMS,
	}, nil
}
