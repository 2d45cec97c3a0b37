package config

import (
	"fmt"
	"strings"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Well-known endpoints.
const (
	DefaultAuthorityHost = "https://login.microsoftonline.com"
	DefaultGraphURL      = "https://graph.microsoft.com/v1.0"
	DefaultManagementURL = "https://management.azure.com"
	DefaultKeysURL       = "https://login.botframework.com/v1/.well-known/keys"
	DefaultIssuer        = "https://api.botframework.com"
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOllamaBaseURL = "http://localhost:11434"
	DefaultSystemPrompt  = "You are a helpful AI assistant. Provide concise and friendly responses."
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	temperature := 0.7
	return Config{
		Gateway: GatewayConfig{
			Port: 3978,
			Bind: "loopback",
			Auth: GatewayAuth{
				Mode: "token",
			},
		},
		Azure: AzureConfig{
			AuthorityHost:  DefaultAuthorityHost,
			GraphURL:       DefaultGraphURL,
			ManagementURL:  DefaultManagementURL,
			TimeoutSeconds: 30,
		},
		Bot: BotConfig{
			Mode:            "static",
			KeysURL:         DefaultKeysURL,
			Issuer:          DefaultIssuer,
			ChannelID:       "msteams",
			ConnectorTenant: "botframework.com",
			TimeoutSeconds:  15,
		},
		Completion: CompletionConfig{
			Provider:       "openai",
			BaseURL:        DefaultOpenAIBaseURL,
			Model:          "gpt-3.5-turbo",
			MaxTokens:      150,
			Temperature:    &temperature,
			SystemPrompt:   DefaultSystemPrompt,
			TimeoutSeconds: 30,
		},
		History: HistoryConfig{
			Store: "memory",
		},
		Provisioning: ProvisioningConfig{
			Location: "global",
			SKU:      "F0",
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}

// MissingError reports required settings that are absent. Each entry names
// the environment variable that supplies it.
type MissingError struct {
	Component string
	Vars      []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("config: %s requires %s to be set", e.Component, strings.Join(e.Vars, ", "))
}

func missing(component string, pairs ...string) error {
	var vars []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			vars = append(vars, pairs[i])
		}
	}
	if len(vars) == 0 {
		return nil
	}
	return &MissingError{Component: component, Vars: vars}
}

// RequireAzureCredentials checks the service principal used for token exchange.
func RequireAzureCredentials(cfg *Config) error {
	return cfg.Azure.RequireCredentials()
}

// RequireCredentials reports which of tenant, client and secret are unset.
func (a AzureConfig) RequireCredentials() error {
	return missing("token exchange",
		"AZURE_TENANT_ID", a.TenantID,
		"AZURE_CLIENT_ID", a.ClientID,
		"AZURE_CLIENT_SECRET", a.ClientSecret,
	)
}

// RequireProvisioning checks the subscription scope used for bot registration.
func RequireProvisioning(cfg *Config) error {
	return missing("bot provisioning",
		"SUBSCRIPTION_ID", cfg.Azure.SubscriptionID,
		"RESOURCE_GROUP", cfg.Azure.ResourceGroup,
	)
}

// RequireBot checks the bot identity used to validate inbound tokens.
func RequireBot(cfg *Config) error {
	return missing("inbound bot authentication", "APP_ID", cfg.Bot.AppID)
}

// RequireCompletion checks the completion service credentials.
func RequireCompletion(cfg *Config) error {
	if cfg.Completion.Provider == "ollama" {
		return nil
	}
	return missing("completion mode", "OPENAI_API_KEY", cfg.Completion.APIKey)
}
