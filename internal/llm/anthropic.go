package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const defaultAnthropicMaxTokens = 1024

// Anthropic is a chat model backed by the Anthropic messages API.
type Anthropic struct {
	client anthropic.Client
	cfg    Config
}

// NewAnthropic creates an Anthropic chat model.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: anthropic: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

// Generate sends input as a single messages request. System messages are
// passed out of band; consecutive turns of the same role are merged because
// the API requires alternating roles.
func (a *Anthropic) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := callOptions(a.cfg, opts)
	system, turns := splitSystem(input)

	maxTokens := int64(defaultAnthropicMaxTokens)
	if options.MaxTokens != nil && *options.MaxTokens > 0 {
		maxTokens = int64(*options.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(*options.Model),
		MaxTokens: maxTokens,
		Messages:  toAnthropicMessages(turns),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if options.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*options.Temperature))
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm: anthropic: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("llm: anthropic: empty response")
	}
	return schema.AssistantMessage(sb.String(), nil), nil
}

// Stream returns the full response as a single chunk.
func (a *Anthropic) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return singleChunk(a.Generate(ctx, input, opts...))
}

// BindTools is a no-op; the assistant never requests tool calls.
func (a *Anthropic) BindTools(tools []*schema.ToolInfo) error { return nil }

func toAnthropicMessages(turns []*schema.Message) []anthropic.MessageParam {
	type turn struct {
		assistant bool
		text      []string
	}
	var merged []turn
	for _, m := range turns {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		isAssistant := m.Role == schema.Assistant
		if n := len(merged); n > 0 && merged[n-1].assistant == isAssistant {
			merged[n-1].text = append(merged[n-1].text, text)
			continue
		}
		merged = append(merged, turn{assistant: isAssistant, text: []string{text}})
	}
	// The first turn must come from the user.
	if len(merged) > 0 && merged[0].assistant {
		merged = merged[1:]
	}

	out := make([]anthropic.MessageParam, 0, len(merged))
	for _, t := range merged {
		block := anthropic.NewTextBlock(strings.Join(t.text, "\n"))
		if t.assistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
