package config

import (
	"bytes"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so secrets can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
	cfg.Gateway.Auth.Password = expandEnvVars(cfg.Gateway.Auth.Password)
	cfg.Azure.ClientSecret = expandEnvVars(cfg.Azure.ClientSecret)
	cfg.Bot.AppPassword = expandEnvVars(cfg.Bot.AppPassword)
	cfg.Completion.APIKey = expandEnvVars(cfg.Completion.APIKey)
	cfg.History.RedisURL = expandEnvVars(cfg.History.RedisURL)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// FromRaw decodes a raw config map the way Load decodes the file, with
// environment overrides applied. Keys that match no config field are an
// error, so a mistyped path is caught before it is written.
func FromRaw(raw map[string]any) (Config, error) {
	cfg := Defaults()
	data, err := yaml.Marshal(raw)
	if err != nil {
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, &ConfigError{Message: "invalid config: " + err.Error()}
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// applyDefaults fills zero-value fields left empty by a partial config file.
func applyDefaults(cfg *Config) {
	def := Defaults()

	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = def.Gateway.Bind
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = def.Gateway.Auth.Mode
	}
	if cfg.Azure.AuthorityHost == "" {
		cfg.Azure.AuthorityHost = def.Azure.AuthorityHost
	}
	if cfg.Azure.GraphURL == "" {
		cfg.Azure.GraphURL = def.Azure.GraphURL
	}
	if cfg.Azure.ManagementURL == "" {
		cfg.Azure.ManagementURL = def.Azure.ManagementURL
	}
	if cfg.Azure.TimeoutSeconds == 0 {
		cfg.Azure.TimeoutSeconds = def.Azure.TimeoutSeconds
	}
	if cfg.Bot.Mode == "" {
		cfg.Bot.Mode = def.Bot.Mode
	}
	if cfg.Bot.KeysURL == "" {
		cfg.Bot.KeysURL = def.Bot.KeysURL
	}
	if cfg.Bot.Issuer == "" {
		cfg.Bot.Issuer = def.Bot.Issuer
	}
	if cfg.Bot.ChannelID == "" {
		cfg.Bot.ChannelID = def.Bot.ChannelID
	}
	if cfg.Bot.ConnectorTenant == "" {
		cfg.Bot.ConnectorTenant = def.Bot.ConnectorTenant
	}
	if cfg.Bot.TimeoutSeconds == 0 {
		cfg.Bot.TimeoutSeconds = def.Bot.TimeoutSeconds
	}
	if cfg.Completion.Provider == "" {
		cfg.Completion.Provider = def.Completion.Provider
	}
	if cfg.Completion.Provider == "ollama" && (cfg.Completion.BaseURL == "" || cfg.Completion.BaseURL == DefaultOpenAIBaseURL) {
		cfg.Completion.BaseURL = DefaultOllamaBaseURL
	}
	if cfg.Completion.BaseURL == "" {
		cfg.Completion.BaseURL = def.Completion.BaseURL
	}
	if cfg.Completion.Model == "" {
		cfg.Completion.Model = def.Completion.Model
	}
	if cfg.Completion.MaxTokens == 0 {
		cfg.Completion.MaxTokens = def.Completion.MaxTokens
	}
	if cfg.Completion.Temperature == nil {
		cfg.Completion.Temperature = def.Completion.Temperature
	}
	if cfg.Completion.SystemPrompt == "" {
		cfg.Completion.SystemPrompt = def.Completion.SystemPrompt
	}
	if cfg.Completion.TimeoutSeconds == 0 {
		cfg.Completion.TimeoutSeconds = def.Completion.TimeoutSeconds
	}
	if cfg.History.Store == "" {
		cfg.History.Store = def.History.Store
	}
	if cfg.Provisioning.Location == "" {
		cfg.Provisioning.Location = def.Provisioning.Location
	}
	if cfg.Provisioning.SKU == "" {
		cfg.Provisioning.SKU = def.Provisioning.SKU
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = def.Logging.ConsoleStyle
	}
}

// applyEnvOverrides reads the deployment environment and overrides config values.
// The unprefixed Azure/bot variables are the names the hosting environment
// already uses; TEAMSFORGE_* variables tune the server itself.
func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, name string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	setString(&cfg.Azure.TenantID, "AZURE_TENANT_ID")
	setString(&cfg.Azure.ClientID, "AZURE_CLIENT_ID")
	setString(&cfg.Azure.ClientSecret, "AZURE_CLIENT_SECRET")
	setString(&cfg.Azure.SubscriptionID, "SUBSCRIPTION_ID")
	setString(&cfg.Azure.ResourceGroup, "RESOURCE_GROUP")
	setString(&cfg.Bot.AppID, "APP_ID")
	setString(&cfg.Bot.AppPassword, "APP_PASSWORD")
	setString(&cfg.Completion.APIKey, "OPENAI_API_KEY")
	setString(&cfg.History.RedisURL, "REDIS_URL")

	if v := os.Getenv("TEAMSFORGE_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	setString(&cfg.Gateway.Bind, "TEAMSFORGE_GATEWAY_BIND")
	setString(&cfg.Gateway.PublicURL, "TEAMSFORGE_PUBLIC_URL")
	if v := os.Getenv("TEAMSFORGE_BOT_MODE"); v != "" {
		cfg.Bot.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("TEAMSFORGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
