package llm

import (
	"log/slog"

	"github.com/nugget/climate-agent/internal/config"
)

// NewFromConfig builds a MultiClient with every provider the
// configuration can support, each behind its own Breaker. Ollama is
// always registered; hosted providers need an API key (or, for OpenAI,
// a custom base URL).
func NewFromConfig(cfg *config.Config, logger *slog.Logger) *MultiClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Models.Timeout

	m := NewMultiClient(cfg.Models.Provider)
	register := func(name string, c Client) {
		m.AddProvider(name, NewBreaker(name, c, BreakerConfig{}, logger))
		logger.Info("model provider registered", "provider", name)
	}

	register("ollama", NewOllamaClient(cfg.Models.OllamaURL, timeout, logger))
	if cfg.Anthropic.APIKey != "" {
		register("anthropic", NewAnthropicClient(cfg.Anthropic.APIKey, timeout, logger))
	}
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		register("openai", NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, timeout, logger))
	}
	return m
}
