package llm

import (
	"fmt"

	"fixbot/pkg/config"
)

// NewClient builds the configured provider client wrapped with retries.
func NewClient(cfg *config.LLMConfig) (Client, error) {
	var base Client
	switch cfg.Provider {
	case config.ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		base = NewClaudeClient(cfg.APIKey, cfg.Model)
	case config.ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		base = NewOpenAIClient(cfg.APIKey, cfg.Model)
	case config.ProviderMock:
		base = NewScriptedClient(nil, nil)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}

	retryCfg := DefaultRetryConfig
	if cfg.MaxRetries > 0 {
		retryCfg.MaxRetries = cfg.MaxRetries
	}
	return NewRetryableClient(base, retryCfg), nil
}
