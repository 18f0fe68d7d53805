package llmgateway

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// openAICompatProvider talks to any Chat Completions endpoint that follows
// the OpenAI wire format. Groq's API is byte-for-byte compatible aside
// from the base URL, so this same adapter serves both providers — it just
// gets pointed at a different option.WithBaseURL.
type openAICompatProvider struct {
	client openai.Client
	model  string
	name   string
}

func newOpenAIProvider(apiKey, model string) *openAICompatProvider {
	return &openAICompatProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		name:   "openai",
	}
}

func newGroqProvider(apiKey, model string) *openAICompatProvider {
	return &openAICompatProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL("https://api.groq.com/openai/v1")),
		model:  model,
		name:   "groq",
	}
}

func (p *openAICompatProvider) Name() string { return p.name }

func (p *openAICompatProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   openai.Int(int64(req.MaxTokens)),
		Temperature: openai.Float(float64(req.Temperature)),
	}

	if req.Schema != nil {
		name := req.Schema.Name
		if name == "" {
			name = "emit_result"
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        name,
					Description: openai.String(req.Schema.Description),
					Schema:      req.Schema.Schema,
					Strict:      openai.Bool(true),
				},
			},
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%s request failed: %w", p.name, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("%s: empty response", p.name)
	}

	return ChatResponse{Content: resp.Choices[0].Message.Content, Provider: p.name}, nil
}
