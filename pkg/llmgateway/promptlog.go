package llmgateway

import (
	"stackforge/pkg/logx"
)

// PromptLogMode controls when PromptLogger writes a prompt's content to
// the log, as opposed to just a one-line summary.
type PromptLogMode string

const (
	PromptLogOff       PromptLogMode = "off"
	PromptLogOnFailure PromptLogMode = "on_failure"
)

// PromptLogConfig configures PromptLogger.
type PromptLogConfig struct {
	Mode     PromptLogMode
	MaxChars int
}

// DefaultPromptLogConfig only logs full prompt content when a provider
// call fails, and caps it well short of filling the log with a multi-KB
// context dump on every agent turn.
var DefaultPromptLogConfig = PromptLogConfig{
	Mode:     PromptLogOnFailure,
	MaxChars: 2000,
}

// PromptLogger records gateway call outcomes: a one-line debug summary on
// success, and — when configured — the (truncated) prompt on failure, so
// a provider outage can be diagnosed from the logs alone.
type PromptLogger struct {
	logger *logx.Logger
	config PromptLogConfig
}

func NewPromptLogger(cfg PromptLogConfig, logger *logx.Logger) *PromptLogger {
	return &PromptLogger{config: cfg, logger: logger}
}

// LogSuccess records a one-line summary of a successful call.
func (pl *PromptLogger) LogSuccess(provider string, req ChatRequest, resp ChatResponse) {
	pl.logger.Debug("llm call succeeded: provider=%s messages=%d response_chars=%d",
		provider, len(req.Messages), len(resp.Content))
}

// LogFailure records the failure and, if configured to, the prompt
// content that produced it.
func (pl *PromptLogger) LogFailure(provider string, req ChatRequest, err error) {
	if pl.config.Mode == PromptLogOff {
		return
	}
	pl.logger.Warn("llm call failed: provider=%s messages=%d error=%v prompt=%q",
		provider, len(req.Messages), err, pl.truncatedPrompt(req))
}

func (pl *PromptLogger) truncatedPrompt(req ChatRequest) string {
	var content string
	for i, m := range req.Messages {
		if i > 0 {
			content += "\n\n"
		}
		content += "[" + string(m.Role) + "]: " + m.Content
	}
	if len(content) > pl.config.MaxChars {
		return content[:pl.config.MaxChars] + "...(truncated)"
	}
	return content
}
