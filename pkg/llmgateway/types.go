// Package llmgateway is the provider-agnostic facade every agent Runner
// calls through. It hides which of Anthropic, OpenAI, Groq, Gemini, or a
// local Ollama model actually answered a given request behind one
// interface, and falls back from one provider to the next on failure so a
// single vendor outage degrades a stack's cadence instead of stopping it.
package llmgateway

import (
	"context"
	"errors"
)

// Role mirrors the three-party structure every chat-completion API shares.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat completion request.
type Message struct {
	Role    Role
	Content string
}

// JSONSchema is a JSON-schema document a provider should constrain its
// response to. Name and Description are surfaced to providers (like
// Anthropic) that implement structured output via a forced tool call
// rather than a native response-format parameter.
type JSONSchema struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ChatRequest is one completion request, provider-agnostic.
type ChatRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
	// Schema, if set, requests a structured JSON response conforming to
	// it. Every provider adapter is responsible for translating this into
	// its own structured-output mechanism.
	Schema *JSONSchema
}

// ChatResponse is a completion result, provider-agnostic.
type ChatResponse struct {
	// Content is the raw assistant text. When Schema was set on the
	// request, this is a JSON document validated (to the extent the
	// provider supports it) against that schema.
	Content string
	// Provider names which adapter actually produced this response,
	// useful for trace records and cost attribution.
	Provider string
}

// Provider is the interface every backend (Anthropic, OpenAI, Groq,
// Gemini, Ollama) implements. It is intentionally narrower than the
// teacher's LLMClient: no tool-calling, no streaming — the orchestrator's
// agents only ever need one-shot, optionally-structured completions.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ErrNoProvidersConfigured is returned by NewGateway when its provider
// order names no configured provider. Ollama needs no key and is always
// configured (no reachability check is made), so with the default order
// this error does not occur.
var ErrNoProvidersConfigured = errors.New("llmgateway: no providers configured")

// ErrAllProvidersFailed is returned by Gateway.Chat when every provider in
// the fallback chain failed; it wraps the last provider's error.
var ErrAllProvidersFailed = errors.New("llmgateway: all providers failed")
