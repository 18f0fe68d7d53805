package llmgateway

import (
	"context"
	"fmt"
	"os"
	"time"

	"stackforge/pkg/logx"
	"stackforge/pkg/tokencount"
)

// Config selects which providers to wire up and with which models. Zero
// values for a provider's API key leave that provider out of the chain —
// a missing key disables the provider, it is never an error.
type Config struct {
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
	GroqAPIKey      string
	GroqModel       string
	GeminiAPIKey    string
	GeminiModel     string
	OllamaHostURL   string
	OllamaModel     string
	// ProviderOrder overrides the default preference order. Names not
	// present in the configured set are ignored.
	ProviderOrder []string
}

// ConfigFromEnv reads the four named provider API keys plus an optional
// local Ollama endpoint from the environment, the same one-key-per-provider
// convention the spec's external interface section documents.
func ConfigFromEnv() Config {
	return Config{
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     envOr("OPENAI_MODEL", "gpt-4o-mini"),
		GroqAPIKey:      os.Getenv("GROQ_API_KEY"),
		GroqModel:       envOr("GROQ_MODEL", "llama-3.3-70b-versatile"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		GeminiModel:     envOr("GEMINI_MODEL", "gemini-2.0-flash"),
		OllamaHostURL:   envOr("OLLAMA_HOST", "http://localhost:11434"),
		OllamaModel:     envOr("OLLAMA_MODEL", "llama3.2"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Recorder receives one observation per Chat attempt. pkg/metrics.Recorder
// satisfies this structurally; kept as a small local interface so
// llmgateway doesn't need to import pkg/metrics.
type Recorder interface {
	ObserveChat(provider string, promptTokens, completionTokens int, duration time.Duration, success bool)
}

// Gateway is the provider-agnostic chat facade. Chat iterates its
// providers in order, attempting each exactly once; a failure moves to
// the next provider rather than being retried in place, so retry only
// ever happens at the orchestrator's cycle granularity.
type Gateway struct {
	providers []*circuitBreakerProvider
	logger    *logx.Logger
	promptLog *PromptLogger
	recorder  Recorder
	tokens    *tokencount.Counter
}

// SetRecorder attaches a metrics Recorder. Optional; Chat is a no-op
// towards metrics until one is set.
func (g *Gateway) SetRecorder(r Recorder) {
	g.recorder = r
}

// NewGateway builds the fallback chain: Anthropic, OpenAI, Groq, Gemini,
// then Ollama as the always-available local last resort. Each entry is
// wrapped with its own circuit breaker so a provider mid-outage is skipped
// for its cooldown window instead of being probed on every cycle.
func NewGateway(cfg Config) (*Gateway, error) {
	logger := logx.NewLogger("llmgateway")
	byName := map[string]Provider{}

	if cfg.AnthropicAPIKey != "" {
		byName["anthropic"] = newAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	}
	if cfg.OpenAIAPIKey != "" {
		byName["openai"] = newOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	}
	if cfg.GroqAPIKey != "" {
		byName["groq"] = newGroqProvider(cfg.GroqAPIKey, cfg.GroqModel)
	}
	if cfg.GeminiAPIKey != "" {
		byName["gemini"] = newGeminiProvider(cfg.GeminiAPIKey, cfg.GeminiModel)
	}
	// Ollama needs no key: a local, un-metered fallback that keeps a
	// stack's cadence alive even with zero cloud credentials configured.
	byName["ollama"] = newOllamaProvider(cfg.OllamaHostURL, cfg.OllamaModel)

	order := cfg.ProviderOrder
	if len(order) == 0 {
		order = []string{"anthropic", "openai", "groq", "gemini", "ollama"}
	}

	var providers []*circuitBreakerProvider
	for _, name := range order {
		p, ok := byName[name]
		if !ok {
			continue
		}
		providers = append(providers, newCircuitBreakerProvider(p, DefaultCircuitBreakerConfig, logger))
	}
	if len(providers) == 0 {
		return nil, ErrNoProvidersConfigured
	}

	tokens, err := tokencount.NewCounter()
	if err != nil {
		return nil, fmt.Errorf("new gateway: %w", err)
	}

	return &Gateway{
		providers: providers,
		logger:    logger,
		promptLog: NewPromptLogger(DefaultPromptLogConfig, logger),
		tokens:    tokens,
	}, nil
}

// Chat tries each configured provider in order, returning the first
// success. Every failed provider's error is logged at Warn; only the last
// one is wrapped into ErrAllProvidersFailed.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	promptTokens := g.countPromptTokens(req)

	var lastErr error
	for _, p := range g.providers {
		start := time.Now()
		resp, err := p.Chat(ctx, req)
		duration := time.Since(start)

		if err == nil {
			g.promptLog.LogSuccess(p.Name(), req, resp)
			g.record(p.Name(), promptTokens, g.countTokens(resp.Content), duration, true)
			return resp, nil
		}
		g.logger.Warn("provider %s failed, falling back: %v", p.Name(), err)
		g.promptLog.LogFailure(p.Name(), req, err)
		g.record(p.Name(), promptTokens, 0, duration, false)
		lastErr = err
	}
	return ChatResponse{}, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

func (g *Gateway) countPromptTokens(req ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += g.countTokens(m.Content)
	}
	return total
}

func (g *Gateway) countTokens(text string) int {
	if g.tokens == nil || text == "" {
		return 0
	}
	return g.tokens.Count(text)
}

func (g *Gateway) record(provider string, promptTokens, completionTokens int, duration time.Duration, success bool) {
	if g.recorder == nil {
		return
	}
	g.recorder.ObserveChat(provider, promptTokens, completionTokens, duration, success)
}

// ProviderStates reports the circuit state of every configured provider.
func (g *Gateway) ProviderStates() map[string]CircuitState {
	out := make(map[string]CircuitState, len(g.providers))
	for _, p := range g.providers {
		out[p.Name()] = p.State()
	}
	return out
}
