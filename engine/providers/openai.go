package providers

import (
	"context"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/YASSERRMD/AiMesh/engine/dispatcher"
	"github.com/YASSERRMD/AiMesh/engine/errors"
)

// OpenAIOptions configures the OpenAI adapter.
type OpenAIOptions struct {
	Model               string
	MaxCompletionTokens int64
	APIKey              string
}

// OpenAIExecutor runs payloads through the OpenAI Chat Completions API.
type OpenAIExecutor struct {
	client *openai.Client
	opts   OpenAIOptions
	logger Logger
}

// NewOpenAIExecutor creates an OpenAI-backed executor.
func NewOpenAIExecutor(logger Logger, optFns ...func(*OpenAIOptions)) *OpenAIExecutor {
	opts := OpenAIOptions{
		Model:               openai.ChatModelGPT4oMini,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAIExecutor{client: &client, opts: opts, logger: logger}
}

// Execute implements dispatcher.Executor.
func (o *OpenAIExecutor) Execute(ctx context.Context, endpointID string, payload []byte, budgetTokens int64, _ time.Time) (*dispatcher.ExecutionResult, error) {
	maxTokens := o.opts.MaxCompletionTokens
	if budgetTokens > 0 && budgetTokens < maxTokens {
		maxTokens = budgetTokens
	}

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(string(payload)),
		},
		MaxCompletionTokens: openai.Int(maxTokens),
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindEndpointFailure, "openai api", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New(errors.KindEndpointFailure, "openai api returned no choices")
	}

	latencyMS := time.Since(start).Milliseconds()
	tokens := resp.Usage.TotalTokens
	if o.logger != nil {
		o.logger.Debug("openai_execution_completed",
			"endpoint_id", endpointID,
			"model", o.opts.Model,
			"tokens_used", tokens,
			"latency_ms", latencyMS)
	}

	return &dispatcher.ExecutionResult{
		Result:     []byte(resp.Choices[0].Message.Content),
		TokensUsed: tokens,
		LatencyMS:  latencyMS,
	}, nil
}
