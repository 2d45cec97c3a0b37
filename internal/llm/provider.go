package llm

import (
	"fmt"
	"time"

	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/logging"
)

// NewFromConfig builds the completion client selected by cfg.Provider.
func NewFromConfig(cfg config.CompletionConfig, log *logging.Logger) (Client, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	var client Client
	switch cfg.Provider {
	case "", "openai":
		if cfg.APIKey == "" {
			return nil, &config.MissingError{Component: "completion mode", Vars: []string{"OPENAI_API_KEY"}}
		}
		client = NewOpenAIAPIClient(cfg.APIKey, cfg.BaseURL, cfg.Model, timeout)
	case "ollama":
		client = NewOllamaAPIClient(cfg.BaseURL, cfg.Model, timeout)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}

	log.Sub("llm").Info().
		Str("provider", client.Name()).
		Str("model", cfg.Model).
		Msg("completion provider ready")
	return client, nil
}
