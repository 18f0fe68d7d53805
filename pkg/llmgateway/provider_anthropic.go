package llmgateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicProvider talks to Claude. Structured output is implemented the
// way Anthropic recommends it: a single tool whose input schema is the
// caller's requested schema, with tool_choice forced to that tool, so the
// model's only possible response is a call into it.
type anthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
}

func newAnthropicProvider(apiKey, model string) *anthropicProvider {
	return &anthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0)),
		model:  anthropic.Model(model),
	}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var systemPrompt string
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += m.Content
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(messages) == 0 {
		return ChatResponse{}, fmt.Errorf("anthropic: no user/assistant messages in request")
	}

	params := anthropic.MessageNewParams{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(float64(req.Temperature)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	toolName := "emit_result"
	if req.Schema != nil {
		if req.Schema.Name != "" {
			toolName = req.Schema.Name
		}
		params.Tools = []anthropic.ToolUnionParam{
			anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: req.Schema.Schema["properties"],
				Required:   toStringSlice(req.Schema.Schema["required"]),
			}, toolName),
		}
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: toolName},
		}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("anthropic request failed: %w", err)
	}
	if resp == nil {
		return ChatResponse{}, fmt.Errorf("anthropic: empty response")
	}

	if req.Schema != nil {
		for _, block := range resp.Content {
			if block.Type == "tool_use" && block.Name == toolName {
				raw, err := json.Marshal(block.Input)
				if err != nil {
					return ChatResponse{}, fmt.Errorf("anthropic: marshal tool input: %w", err)
				}
				return ChatResponse{Content: string(raw), Provider: p.Name()}, nil
			}
		}
		return ChatResponse{}, fmt.Errorf("anthropic: no tool_use block for %s in response", toolName)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return ChatResponse{Content: content, Provider: p.Name()}, nil
}

func toStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
