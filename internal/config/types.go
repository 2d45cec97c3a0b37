package config

// Config is the root configuration for teamsforge.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway,omitempty"`
	Azure        AzureConfig        `yaml:"azure,omitempty"`
	Bot          BotConfig          `yaml:"bot,omitempty"`
	Completion   CompletionConfig   `yaml:"completion,omitempty"`
	History      HistoryConfig      `yaml:"history,omitempty"`
	Provisioning ProvisioningConfig `yaml:"provisioning,omitempty"`
	Store        StoreConfig        `yaml:"store,omitempty"`
	Logging      LoggingConfig      `yaml:"logging,omitempty"`
	Metrics      MetricsConfig      `yaml:"metrics,omitempty"`
	Hooks        HooksConfig        `yaml:"hooks,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int              `yaml:"port,omitempty"`
	Bind           string           `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string           `yaml:"customBindHost,omitempty"`
	PublicURL      string           `yaml:"publicUrl,omitempty"` // externally reachable base URL, used as the bot messaging endpoint
	Auth           GatewayAuth      `yaml:"auth,omitempty"`
	TLS            GatewayTLS       `yaml:"tls,omitempty"`
	ControlUI      GatewayControlUI `yaml:"controlUi,omitempty"`
}

// GatewayAuth configures operator authentication for the control API.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// GatewayControlUI configures browser access to the operator API.
type GatewayControlUI struct {
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`
}

// AzureConfig holds the service principal used for Graph and ARM calls.
type AzureConfig struct {
	TenantID       string `yaml:"tenantId,omitempty"`
	ClientID       string `yaml:"clientId,omitempty"`
	ClientSecret   string `yaml:"clientSecret,omitempty"`
	SubscriptionID string `yaml:"subscriptionId,omitempty"`
	ResourceGroup  string `yaml:"resourceGroup,omitempty"`
	AuthorityHost  string `yaml:"authorityHost,omitempty"`
	GraphURL       string `yaml:"graphUrl,omitempty"`
	ManagementURL  string `yaml:"managementUrl,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`
}

// BotConfig controls inbound authentication and turn handling.
type BotConfig struct {
	AppID           string `yaml:"appId,omitempty"`
	AppPassword     string `yaml:"appPassword,omitempty"`
	Mode            string `yaml:"mode,omitempty"` // "static" | "echo" | "completion"
	Welcome         *bool  `yaml:"welcome,omitempty"`
	KeysURL         string `yaml:"keysUrl,omitempty"`
	Issuer          string `yaml:"issuer,omitempty"`
	ChannelID       string `yaml:"channelId,omitempty"`
	ConnectorTenant string `yaml:"connectorTenant,omitempty"`
	TimeoutSeconds  int    `yaml:"timeoutSeconds,omitempty"`
}

// CompletionConfig selects the text-completion service used in completion mode.
type CompletionConfig struct {
	Provider       string   `yaml:"provider,omitempty"` // "openai" | "ollama"
	APIKey         string   `yaml:"apiKey,omitempty"`
	BaseURL        string   `yaml:"baseUrl,omitempty"`
	Model          string   `yaml:"model,omitempty"`
	MaxTokens      int      `yaml:"maxTokens,omitempty"`
	Temperature    *float64 `yaml:"temperature,omitempty"`
	SystemPrompt   string   `yaml:"systemPrompt,omitempty"`
	TimeoutSeconds int      `yaml:"timeoutSeconds,omitempty"`
}

// HistoryConfig selects where per-conversation history lives.
type HistoryConfig struct {
	Store    string `yaml:"store,omitempty"` // "memory" | "redis"
	RedisURL string `yaml:"redisUrl,omitempty"`
}

// ProvisioningConfig controls the Azure bot creation sequence.
type ProvisioningConfig struct {
	Location string `yaml:"location,omitempty"`
	SKU      string `yaml:"sku,omitempty"`
	Rollback *bool  `yaml:"rollback,omitempty"` // delete the AD application when bot registration fails
}

// StoreConfig controls the provisioned-bot ledger.
type StoreConfig struct {
	Disabled bool   `yaml:"disabled,omitempty"`
	Path     string `yaml:"path,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Disabled bool `yaml:"disabled,omitempty"`
}

// HooksConfig defines shell commands run on lifecycle events.
type HooksConfig struct {
	ActivityReceived []HookEntry `yaml:"activityReceived,omitempty"`
	ReplySending     []HookEntry `yaml:"replySending,omitempty"`
	BotProvisioned   []HookEntry `yaml:"botProvisioned,omitempty"`
	GatewayStart     []HookEntry `yaml:"gatewayStart,omitempty"`
	GatewayStop      []HookEntry `yaml:"gatewayStop,omitempty"`
}

// HookEntry defines a single hook action.
type HookEntry struct {
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout,omitempty"` // milliseconds
}

// BoolValue dereferences an optional flag, falling back to def when unset.
func BoolValue(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
