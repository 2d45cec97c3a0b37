package config

import (
	"fmt"
	"net/url"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	oneOf := func(path, value string, valid []string) {
		if value != "" && !slices.Contains(valid, value) {
			issues = append(issues, ValidationIssue{
				Path:    path,
				Message: fmt.Sprintf("must be one of %v, got %q", valid, value),
			})
		}
	}
	absURL := func(path, value string) {
		if value == "" {
			return
		}
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			issues = append(issues, ValidationIssue{
				Path:    path,
				Message: fmt.Sprintf("must be an absolute URL, got %q", value),
			})
		}
	}
	positive := func(path string, value int) {
		if value < 0 {
			issues = append(issues, ValidationIssue{
				Path:    path,
				Message: fmt.Sprintf("must not be negative, got %d", value),
			})
		}
	}

	// Gateway
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Gateway.Port),
		})
	}
	oneOf("gateway.bind", cfg.Gateway.Bind, []string{"auto", "lan", "loopback", "custom"})
	oneOf("gateway.auth.mode", cfg.Gateway.Auth.Mode, []string{"token", "password"})
	absURL("gateway.publicUrl", cfg.Gateway.PublicURL)
	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.tls",
			Message: "certPath and keyPath are required when TLS is enabled",
		})
	}

	// Azure
	absURL("azure.authorityHost", cfg.Azure.AuthorityHost)
	absURL("azure.graphUrl", cfg.Azure.GraphURL)
	absURL("azure.managementUrl", cfg.Azure.ManagementURL)
	positive("azure.timeoutSeconds", cfg.Azure.TimeoutSeconds)

	// Bot
	oneOf("bot.mode", cfg.Bot.Mode, []string{"static", "echo", "completion"})
	absURL("bot.keysUrl", cfg.Bot.KeysURL)
	positive("bot.timeoutSeconds", cfg.Bot.TimeoutSeconds)

	// Completion
	oneOf("completion.provider", cfg.Completion.Provider, []string{"openai", "ollama"})
	absURL("completion.baseUrl", cfg.Completion.BaseURL)
	positive("completion.maxTokens", cfg.Completion.MaxTokens)
	positive("completion.timeoutSeconds", cfg.Completion.TimeoutSeconds)
	if t := cfg.Completion.Temperature; t != nil && (*t < 0 || *t > 2) {
		issues = append(issues, ValidationIssue{
			Path:    "completion.temperature",
			Message: fmt.Sprintf("must be 0-2, got %g", *t),
		})
	}

	// History
	oneOf("history.store", cfg.History.Store, []string{"memory", "redis"})
	if cfg.History.Store == "redis" && cfg.History.RedisURL == "" {
		issues = append(issues, ValidationIssue{
			Path:    "history.redisUrl",
			Message: "required when history.store is redis (or set REDIS_URL)",
		})
	}

	// Logging
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	oneOf("logging.level", cfg.Logging.Level, validLogLevels)
	oneOf("logging.consoleStyle", cfg.Logging.ConsoleStyle, []string{"pretty", "json"})

	return issues
}
