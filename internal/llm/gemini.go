package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// Gemini is a chat model backed by the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    Config
}

// NewGemini creates a Gemini chat model.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: gemini: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("llm: gemini: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

// Generate sends input as a single GenerateContent request.
func (g *Gemini) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := callOptions(g.cfg, opts)
	system, turns := splitSystem(input)

	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		var role genai.Role = genai.RoleUser
		if m.Role == schema.Assistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(text, role))
	}

	gc := &genai.GenerateContentConfig{}
	if system != "" {
		gc.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if options.Temperature != nil {
		temp := *options.Temperature
		gc.Temperature = &temp
	}
	if options.MaxTokens != nil {
		gc.MaxOutputTokens = int32(*options.MaxTokens)
	}

	result, err := g.client.Models.GenerateContent(ctx, *options.Model, contents, gc)
	if err != nil {
		return nil, fmt.Errorf("llm: gemini: %w", err)
	}
	var sb strings.Builder
	for _, cand := range result.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil {
				sb.WriteString(part.Text)
			}
		}
		break
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("llm: gemini: empty response")
	}
	return schema.AssistantMessage(sb.String(), nil), nil
}

// Stream returns the full response as a single chunk.
func (g *Gemini) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return singleChunk(g.Generate(ctx, input, opts...))
}

// BindTools is a no-op; the assistant never requests tool calls.
func (g *Gemini) BindTools(tools []*schema.ToolInfo) error { return nil }
