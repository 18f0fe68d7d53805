package llmgateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// ollamaProvider talks to a local Ollama server. It is the gateway's
// last-resort fallback: no API key, no network egress, just whatever
// model the operator has pulled locally.
type ollamaProvider struct {
	client *api.Client
	model  string
}

func newOllamaProvider(hostURL, model string) *ollamaProvider {
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &ollamaProvider{client: api.NewClient(parsed, http.DefaultClient), model: model}
}

func (p *ollamaProvider) Name() string { return "ollama" }

func (p *ollamaProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var messages []api.Message
	for _, m := range req.Messages {
		messages = append(messages, api.Message{Role: string(m.Role), Content: m.Content})
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}
	if req.Schema != nil {
		chatReq.Format = []byte(`"json"`)
	}

	var response api.ChatResponse
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return ChatResponse{}, fmt.Errorf("ollama request failed: %w", err)
	}

	return ChatResponse{Content: response.Message.Content, Provider: p.Name()}, nil
}
