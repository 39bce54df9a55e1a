package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Providers is a map of named provider configurations.
	// Each provider has a type ("anthropic", "openai", "vertex", or "gemini"), along with
	// api_key, base_url, model, and extra_headers fields.
	//
	// Supported types:
	//   - "openai":     OpenAI and all OpenAI-compatible APIs (Groq, DeepSeek,
	//                   Mistral, Together AI, Fireworks, Perplexity, xAI/Grok,
	//                   OpenRouter, Ollama, LM Studio, vLLM, GitHub Models, etc.)
	//   - "anthropic":  Anthropic Claude API
	//   - "vertex":     Google Vertex AI (Gemini) via OpenAI-compatible endpoint
	//                   with automatic Google ADC authentication
	//   - "gemini":     Google AI (Gemini) via generativelanguage.googleapis.com
	//                   with API key authentication (from AI Studio)
	//
	// Example YAML:
	//
	//   providers:
	//     anthropic:
	//       type: anthropic
	//       api_key: "sk-ant-..."
	//       model: "claude-haiku-4-5"
	//     openai:
	//       type: openai
	//       api_key: "sk-..."
	//       model: "gpt-4o"
	//     groq:
	//       type: openai
	//       api_key: "gsk_..."
	//       base_url: "https://api.groq.com/openai/v1/chat/completions"
	//       model: "llama-3.3-70b-versatile"
	//     ollama:
	//       type: openai
	//       base_url: "http://localhost:11434/v1/chat/completions"
	//       model: "llama3.2"
	//     github:
	//       type: openai
	//       api_key: "ghp_..."
	//       base_url: "https://models.github.ai/inference/chat/completions"
	//       model: "openai/gpt-4.1"
	//       extra_headers:
	//         Accept: "application/vnd.github+json"
	//         X-GitHub-Api-Version: "2022-11-28"
	//     vertex:
	//       type: vertex
	//       base_url: "https://us-central1-aiplatform.googleapis.com/v1/projects/my-project/locations/us-central1/endpoints/openapi/chat/completions"
	//       model: "google/gemini-2.5-flash"
	//     gemini:
	//       type: gemini
	//       api_key: "AIzaSy..."
	//       model: "gemini-2.5-flash"
	Providers map[string]LLMConfig `cfg:"providers"`

	// Gateway holds gateway auth-token settings. No code in this module reads
	// it; no gateway server is started.
	Gateway Gateway `cfg:"gateway"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`

	// Connectors lists the connector instances this process should run
	// sync tasks for, keyed by connector instance id.
	Connectors map[string]ConnectorConfig `cfg:"connectors"`

	// Messaging configures the event bus used to dispatch connector events.
	Messaging Messaging `cfg:"messaging"`

	// Cache configures the three named LRU caches (llm, tool, retrieval).
	Cache CacheConfig `cfg:"cache"`

	// Sinks configures the transform pipeline's blob/vector/graph outputs.
	Sinks Sinks `cfg:"sinks"`

	// Notify configures optional out-of-band notifications for connector
	// failure / credential-invalid events.
	Notify NotifyConfig `cfg:"notify"`

	// Permission configures the role-to-tool allow-list used by the agent loop.
	Permission PermissionConfig `cfg:"permission"`
}

// ConnectorConfig describes one configured connector instance.
type ConnectorConfig struct {
	Type     string            `cfg:"type"`
	Enabled  bool              `cfg:"enabled" default:"true"`
	Schedule string            `cfg:"schedule"`
	Settings map[string]string `cfg:"settings"`
	// CredentialID, if set, names a credential managed by the token refresh
	// service that this connector's sync task should hold a reconciling
	// reference to.
	CredentialID string `cfg:"credential_id"`
}

// Messaging configures the event bus transport.
type Messaging struct {
	// Kafka, if set, enables the Kafka-backed messaging driver. When nil,
	// the in-memory driver is used (single-process only).
	Kafka *MessagingKafka `cfg:"kafka"`
}

type MessagingKafka struct {
	Brokers []string `cfg:"brokers"`
	GroupID string   `cfg:"group_id" default:"cortex"`
}

// CacheConfig sizes the three named LRU caches.
type CacheConfig struct {
	LLMSize       int           `cfg:"llm_size" default:"2048"`
	ToolSize      int           `cfg:"tool_size" default:"4096"`
	RetrievalSize int           `cfg:"retrieval_size" default:"8192"`
	DefaultTTL    time.Duration `cfg:"default_ttl" default:"10m"`
}

// Sinks configures the transform pipeline outputs.
type Sinks struct {
	Blob   *SinkBlob   `cfg:"blob"`
	Vector *SinkVector `cfg:"vector"`
}

type SinkBlob struct {
	Bucket string `cfg:"bucket"`
	Region string `cfg:"region" default:"us-east-1"`
	Prefix string `cfg:"prefix"`
}

type SinkVector struct {
	Address    string `cfg:"address"`
	Collection string `cfg:"collection"`
	Dimension  int    `cfg:"dimension" default:"1536"`
}

// NotifyConfig configures optional notification channels for operational events.
type NotifyConfig struct {
	Mail     *NotifyMail     `cfg:"mail"`
	Discord  *NotifyDiscord  `cfg:"discord"`
	Telegram *NotifyTelegram `cfg:"telegram"`
}

type NotifyMail struct {
	SMTPHost string `cfg:"smtp_host"`
	SMTPPort int    `cfg:"smtp_port" default:"587"`
	Username string `cfg:"username"`
	Password string `cfg:"password" log:"-"`
	From     string `cfg:"from"`
	To       []string `cfg:"to"`
}

type NotifyDiscord struct {
	WebhookURL string `cfg:"webhook_url" log:"-"`
}

type NotifyTelegram struct {
	BotToken string `cfg:"bot_token" log:"-"`
	ChatID   int64  `cfg:"chat_id"`
}

// PermissionConfig maps role names to allowed tool full-names ("*" = all tools).
type PermissionConfig struct {
	Roles map[string][]string `cfg:"roles"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// MCPPort, if set, serves the tool registry as an MCP JSON-RPC endpoint
	// on this port, letting external MCP clients call the same tools the
	// agent loop uses. Empty disables the endpoint.
	MCPPort string `cfg:"mcp_port"`

	// ForwardAuth, if set, configures the API to forward auth requests to an external
	// authentication service.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminToken, if set, protects every admin API route (/api/v1/*) with bearer
	// token authentication. Requests must include "Authorization: Bearer <token>".
	// If not set, every admin API request is rejected (403 Forbidden).
	AdminToken string `cfg:"admin_token" log:"-"`

	// UserHeader is the HTTP header name that contains the authenticated user's
	// email address (populated by the forward auth middleware).
	UserHeader string `cfg:"user_header" default:"X-User"`

	// Alan, if set, enables distributed clustering via UDP peer discovery.
	// This allows multiple AT instances to coordinate encryption key rotation
	// and other admin operations across the cluster.
	Alan *alan.Config `cfg:"alan"`
}

// Gateway holds bearer-token settings for an OpenAI-compatible gateway. The
// block is loaded with the rest of the configuration, but this module starts
// no gateway server and no code reads these fields.
//
// Example YAML:
//
//	gateway:
//	  auth_tokens:
//	    - token: "sk-master-key"
//	      name: "Master Key"
//	      # no restrictions = full access
//	    - token: "sk-ci-token"
//	      name: "CI Pipeline"
//	      allowed_providers:
//	        - openai
//	      allowed_models:
//	        - openai/gpt-4o
//	      expires_at: "2026-12-31T23:59:59Z"
type Gateway struct {
	// AuthTokens is a list of bearer tokens for gateway authentication.
	// Each token can optionally be scoped to specific providers/models and
	// can have an expiration date.
	AuthTokens []AuthTokenConfig `cfg:"auth_tokens"`
}

// AuthTokenConfig describes a single bearer token for gateway authentication,
// with optional scoping and expiration.
type AuthTokenConfig struct {
	// Token is the bearer token value that clients send in the
	// "Authorization: Bearer <token>" header.
	Token string `cfg:"token" json:"token" log:"-"`

	// Name is an optional human-readable label for this token
	// (e.g., "CI Pipeline", "Dev Team").
	Name string `cfg:"name" json:"name"`

	// AllowedProviders restricts this token to specific provider keys.
	// If empty/nil, all providers are accessible.
	AllowedProviders []string `cfg:"allowed_providers" json:"allowed_providers"`

	// AllowedModels restricts this token to specific models in
	// "provider/model" format (e.g., "openai/gpt-4o").
	// If empty/nil, all models are accessible.
	AllowedModels []string `cfg:"allowed_models" json:"allowed_models"`

	// AllowedWebhooks restricts this token to specific webhook triggers
	// by trigger ID or alias. If empty/nil, all webhooks are accessible.
	AllowedWebhooks []string `cfg:"allowed_webhooks" json:"allowed_webhooks"`

	// ExpiresAt is an optional RFC3339 expiration timestamp.
	// After this time the token is rejected. If empty, the token never expires.
	ExpiresAt string `cfg:"expires_at" json:"expires_at"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM encryption of every value the
	// key-value store writes. The key can be any non-empty string; it is
	// hashed with SHA-256 into a 32-byte key. When empty, no encryption is
	// applied.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// LLMConfig describes a single LLM provider configuration.
type LLMConfig struct {
	// Type is the provider type: "anthropic", "openai", "vertex", or "gemini".
	// The "openai" type works with any OpenAI-compatible API.
	// The "vertex" type uses Google Application Default Credentials (ADC).
	// The "gemini" type uses API key authentication with generativelanguage.googleapis.com.
	Type string `cfg:"type" json:"type"`

	// APIKey is the authentication key for the provider.
	// Optional for local providers like Ollama and for "vertex" type (uses ADC).
	// Required for "gemini" type (get one from https://aistudio.google.com/apikey).
	APIKey string `cfg:"api_key" json:"api_key" log:"-"`

	// BaseURL is the full endpoint URL for the provider's chat completions API.
	// For "openai" type, defaults to "https://api.openai.com/v1/chat/completions".
	// For "anthropic" type, defaults to "https://api.anthropic.com".
	// For "vertex" type, required. Format:
	//   https://{LOCATION}-aiplatform.googleapis.com/v1/projects/{PROJECT}/locations/{LOCATION}/endpoints/openapi/chat/completions
	// For "gemini" type, defaults to "https://generativelanguage.googleapis.com".
	BaseURL string `cfg:"base_url" json:"base_url"`

	// Model is the default model identifier to use (e.g., "gpt-4o", "claude-haiku-4-5").
	Model string `cfg:"model" json:"model"`

	// Models is the list of all models this provider supports. No code in
	// this module reads it: requests are not checked against it and no model
	// list is served.
	Models []string `cfg:"models" json:"models"`

	// ExtraHeaders allows setting additional HTTP headers sent with each request.
	// Useful for providers that require custom headers (e.g., GitHub Models).
	ExtraHeaders map[string]string `cfg:"extra_headers" json:"extra_headers"`

	// AuthType names an authentication mechanism for the provider ("" for
	// APIKey as a static Bearer token, "copilot" for GitHub Copilot). It is
	// loaded but not read when providers are built (cmd/cortex buildProvider):
	// every provider uses APIKey as given, and openai.CopilotTokenSource is
	// not wired to this setting.
	AuthType string `cfg:"auth_type" json:"auth_type"`

	// Proxy is an optional HTTP/HTTPS/SOCKS5 proxy URL to route all requests
	// through before reaching the provider. For example:
	//   - "http://proxy.example.com:8080"
	//   - "socks5://127.0.0.1:1080"
	// If empty, no proxy is used (requests go directly to the provider).
	Proxy string `cfg:"proxy" json:"proxy"`

	// InsecureSkipVerify disables TLS certificate verification when
	// connecting to the provider. Use this for self-signed certificates
	// or internal endpoints that don't have valid TLS certs.
	InsecureSkipVerify bool `cfg:"insecure_skip_verify" json:"insecure_skip_verify"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("CORTEX_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
