package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI is a chat model backed by the OpenAI chat completions API.
type OpenAI struct {
	client openai.Client
	cfg    Config
}

// NewOpenAI creates an OpenAI chat model. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: openai: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...), cfg: cfg}, nil
}

// Generate sends input as a single chat completion request.
func (o *OpenAI) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := callOptions(o.cfg, opts)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(*options.Model),
		Messages: toOpenAIMessages(input),
	}
	if options.Temperature != nil {
		params.Temperature = openai.Float(float64(*options.Temperature))
	}
	if options.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*options.MaxTokens))
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm: openai: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("llm: openai: no choices returned")
	}
	return schema.AssistantMessage(completion.Choices[0].Message.Content, nil), nil
}

// Stream returns the full completion as a single chunk.
func (o *OpenAI) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return singleChunk(o.Generate(ctx, input, opts...))
}

// BindTools is a no-op; the assistant never requests tool calls.
func (o *OpenAI) BindTools(tools []*schema.ToolInfo) error { return nil }

func toOpenAIMessages(input []*schema.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(input))
	for _, m := range input {
		if m == nil || strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case schema.System:
			out = append(out, openai.SystemMessage(m.Content))
		case schema.Assistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
