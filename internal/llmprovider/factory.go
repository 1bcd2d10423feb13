package llmprovider

import "fmt"

// Config is the subset of configuration needed to construct a Provider.
// Callers fill it from config.LLMConfig field by field (with the API key
// already resolved), so this package needs no internal/config import.
type Config struct {
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	MaxRetries int
}

// New constructs the Provider named by cfg.Provider ("anthropic" or
// "openai"). It is the single place new provider bindings get registered.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			MaxRetries:   cfg.MaxRetries,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			MaxRetries:   cfg.MaxRetries,
		})
	default:
		return nil, fmt.Errorf("llmprovider: unknown provider %q", cfg.Provider)
	}
}
