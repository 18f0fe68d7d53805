package llmgateway

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// geminiProvider talks to Google's Gemini API. The client requires a
// context to construct, so construction is deferred to the first Chat
// call rather than done eagerly in the constructor, following the
// teacher's own lazy-init pattern for this same client.
type geminiProvider struct {
	apiKey string
	model  string
	client *genai.Client
}

func newGeminiProvider(apiKey, model string) *geminiProvider {
	return &geminiProvider{apiKey: apiKey, model: model}
}

func (p *geminiProvider) Name() string { return "gemini" }

func (p *geminiProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if p.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: p.apiKey, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return ChatResponse{}, fmt.Errorf("gemini: create client: %w", err)
		}
		p.client = client
	}

	var systemPrompt string
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += m.Content
		case RoleUser:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		case RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(contents) == 0 {
		return ChatResponse{}, fmt.Errorf("gemini: no user/assistant messages in request")
	}

	temperature := req.Temperature
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = schemaToGenai(req.Schema.Schema)
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("gemini request failed: %w", err)
	}
	if result == nil {
		return ChatResponse{}, fmt.Errorf("gemini: empty response")
	}

	return ChatResponse{Content: result.Text(), Provider: p.Name()}, nil
}

// schemaToGenai converts a plain JSON-schema map into genai's typed Schema.
// Only the subset the orchestrator's own structured outputs use (object
// with typed properties) is handled; anything else falls back to an
// untyped object schema rather than failing the request.
func schemaToGenai(raw map[string]any) *genai.Schema {
	props, _ := raw["properties"].(map[string]any)
	schema := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
	for name, v := range props {
		propMap, ok := v.(map[string]any)
		if !ok {
			continue
		}
		schema.Properties[name] = &genai.Schema{Type: genaiType(propMap["type"])}
	}
	if req, ok := raw["required"].([]any); ok {
		schema.Required = toStringSlice(req)
	}
	return schema
}

func genaiType(t any) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}
