// Package llm builds the text-generation backend used by the assistant. Every
// provider is exposed as an eino chat model so prompt templates and chains
// stay provider-agnostic.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderArk       = "ark"
)

// Config selects and tunes a provider.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Region      string   // ark only
	Temperature *float32 // nil keeps the provider default
	MaxTokens   int      // 0 keeps the provider default
}

// NewChatModel returns a chat model for cfg.Provider.
func NewChatModel(ctx context.Context, cfg Config) (model.ChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: %s: api key is required", cfg.Provider)
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	case ProviderAnthropic:
		return NewAnthropic(cfg)
	case ProviderGemini:
		return NewGemini(ctx, cfg)
	case ProviderArk:
		return newArk(ctx, cfg)
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q", cfg.Provider)
	}
}

func newArk(ctx context.Context, cfg Config) (model.ChatModel, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: ark: model (endpoint id) is required")
	}
	arkCfg := &ark.ChatModelConfig{
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
	}
	if cfg.BaseURL != "" {
		arkCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Region != "" {
		arkCfg.Region = cfg.Region
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		arkCfg.MaxTokens = &maxTokens
	}
	m, err := ark.NewChatModel(ctx, arkCfg)
	if err != nil {
		return nil, fmt.Errorf("llm: ark: %w", err)
	}
	return m, nil
}

// callOptions merges per-call options over the configured defaults.
func callOptions(cfg Config, opts []model.Option) *model.Options {
	base := &model.Options{Temperature: cfg.Temperature, Model: &cfg.Model}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		base.MaxTokens = &maxTokens
	}
	return model.GetCommonOptions(base, opts...)
}

// splitSystem separates system instructions from the conversational turns.
// Providers that take the system prompt out of band receive the joined
// instructions and the remaining messages in order.
func splitSystem(input []*schema.Message) (string, []*schema.Message) {
	var system []string
	turns := make([]*schema.Message, 0, len(input))
	for _, m := range input {
		if m == nil {
			continue
		}
		if m.Role == schema.System {
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(system, "\n\n"), turns
}

// singleChunk adapts a one-shot Generate into the Stream contract.
func singleChunk(msg *schema.Message, err error) (*schema.StreamReader[*schema.Message], error) {
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}
