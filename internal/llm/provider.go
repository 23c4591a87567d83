package llm

import (
	"fmt"
	"log/slog"

	"github.com/nugget/mcpchat/internal/config"
)

// New builds the client for the configured provider.
func New(cfg config.ModelConfig, logger *slog.Logger) (Client, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIClient(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			MaxTokens: cfg.MaxTokens,
			Logger:    logger,
		}), nil
	case config.ProviderAnthropic:
		return NewAnthropicClient(AnthropicConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			MaxTokens: cfg.MaxTokens,
			Logger:    logger,
		}), nil
	case config.ProviderOllama:
		return NewOllamaClient(OllamaConfig{
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
			Logger:    logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
