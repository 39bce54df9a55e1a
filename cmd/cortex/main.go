package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/cortex/internal/adminapi"
	"github.com/rakunlabs/cortex/internal/agent"
	"github.com/rakunlabs/cortex/internal/cache"
	"github.com/rakunlabs/cortex/internal/cluster"
	"github.com/rakunlabs/cortex/internal/config"
	"github.com/rakunlabs/cortex/internal/connector"
	_ "github.com/rakunlabs/cortex/internal/connector/gitrepo"
	_ "github.com/rakunlabs/cortex/internal/connector/sample"
	"github.com/rakunlabs/cortex/internal/crypto"
	"github.com/rakunlabs/cortex/internal/event"
	"github.com/rakunlabs/cortex/internal/event/notify"
	"github.com/rakunlabs/cortex/internal/kvstore"
	"github.com/rakunlabs/cortex/internal/kvstore/memory"
	"github.com/rakunlabs/cortex/internal/kvstore/postgres"
	"github.com/rakunlabs/cortex/internal/kvstore/sqlite3"
	"github.com/rakunlabs/cortex/internal/messaging"
	"github.com/rakunlabs/cortex/internal/messaging/kafka"
	kmemory "github.com/rakunlabs/cortex/internal/messaging/memory"
	"github.com/rakunlabs/cortex/internal/permission"
	"github.com/rakunlabs/cortex/internal/schema"
	"github.com/rakunlabs/cortex/internal/service"
	"github.com/rakunlabs/cortex/internal/service/llm/antropic"
	"github.com/rakunlabs/cortex/internal/service/llm/gemini"
	"github.com/rakunlabs/cortex/internal/service/llm/ollama"
	"github.com/rakunlabs/cortex/internal/service/llm/openai"
	"github.com/rakunlabs/cortex/internal/service/llm/vertex"
	"github.com/rakunlabs/cortex/internal/synctask"
	"github.com/rakunlabs/cortex/internal/token"
	"github.com/rakunlabs/cortex/internal/toolregistry"
	"github.com/rakunlabs/cortex/internal/transform"
	"github.com/rakunlabs/cortex/internal/transform/blob"
	"github.com/rakunlabs/cortex/internal/transform/graph"
	"github.com/rakunlabs/cortex/internal/transform/vector"
)

var (
	name    = "cortex"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var encKey []byte
	if cfg.Store.EncryptionKey != "" {
		encKey, err = crypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive store encryption key: %w", err)
		}
	}

	store, err := newKVStore(ctx, cfg, encKey)
	if err != nil {
		return fmt.Errorf("build kv store: %w", err)
	}
	if err := store.Connect(ctx); err != nil {
		return fmt.Errorf("connect kv store: %w", err)
	}
	defer store.Disconnect(ctx)

	if clus, err := cluster.New(cfg.Server.Alan); err != nil {
		return fmt.Errorf("build cluster: %w", err)
	} else if clus != nil {
		go func() {
			if err := clus.Start(ctx, store.SetEncryptionKey); err != nil && ctx.Err() == nil {
				slog.Error("cluster stopped", "error", err)
			}
		}()
	}

	bus, err := newMessagingBus(cfg)
	if err != nil {
		return fmt.Errorf("build messaging bus: %w", err)
	}
	defer bus.Close(ctx)

	syncManager := synctask.New()
	caches := cache.New(cache.Sizes{
		LLM:        cfg.Cache.LLMSize,
		Tool:       cfg.Cache.ToolSize,
		Retrieval:  cfg.Cache.RetrievalSize,
		DefaultTTL: cfg.Cache.DefaultTTL,
	})

	validator := schema.New()
	if err := validator.Register("records", recordsSchema); err != nil {
		return fmt.Errorf("register records schema: %w", err)
	}

	orchestrator, sinkDB, err := newOrchestrator(ctx, cfg, validator)
	if err != nil {
		return fmt.Errorf("build transform orchestrator: %w", err)
	}
	if sinkDB != nil {
		defer sinkDB.Close()
	}

	events := event.New(bus, syncManager)
	events.SetStore(store)

	if dispatcher := newNotifyDispatcher(cfg); dispatcher != nil {
		events.OnEvent(func(ctx context.Context, eventType string, payload map[string]any) bool {
			if eventType != "connector.failed" && eventType != "credential.invalid" {
				return true
			}
			if err := dispatcher.Notify(ctx, eventType, fmt.Sprintf("%v", payload)); err != nil {
				slog.Warn("notification dispatch failed", "event_type", eventType, "error", err)
			}
			return true
		})
	}

	tokens := token.New(events)
	go func() {
		if err := tokens.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("token refresh service stopped", "error", err)
		}
	}()

	for id, cc := range cfg.Connectors {
		if !cc.Enabled {
			continue
		}
		if err := events.Init(ctx, id, cc.Type, cc.Settings); err != nil {
			return fmt.Errorf("init connector %q: %w", id, err)
		}
		registerConnectorCredential(ctx, tokens, id, cc)
	}

	scheduled := make([]synctask.ScheduledConnector, 0, len(cfg.Connectors))
	for id, cc := range cfg.Connectors {
		if cc.Enabled && cc.Schedule != "" {
			scheduled = append(scheduled, synctask.ScheduledConnector{ID: id, Schedule: cc.Schedule})
		}
	}

	cron, err := synctask.NewCronScheduler(syncManager, scheduled, func(connectorID string) synctask.RunFunc {
		return func(runCtx context.Context) error {
			return events.Start(runCtx, connectorID, func(group connector.BlockGroup) (bool, error) {
				if err := orchestrator.Process(runCtx, group); err != nil {
					return false, err
				}
				return true, nil
			})
		}
	})
	if err != nil {
		return fmt.Errorf("build cron scheduler: %w", err)
	}
	go func() {
		if err := cron.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("cron scheduler stopped", "error", err)
		}
	}()
	defer cron.Stop()

	tools := toolregistry.New()
	perms := permission.New(cfg.Permission.Roles)

	provider, model, err := buildPrimaryProvider(cfg)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}

	runner := agent.New(agent.Config{
		Provider: provider,
		Tools:    tools,
		Perms:    perms,
		Cache:    caches,
		Model:    model,
	})

	admin := adminapi.New(cfg.Server, syncManager, caches, func(id string) (adminapi.ConnectorHealth, bool) {
		return events.Connector(id)
	})

	go func() {
		if err := admin.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("admin api stopped", "error", err)
		}
	}()

	if cfg.Server.MCPPort != "" {
		go serveMCP(ctx, cfg.Server.Host, cfg.Server.MCPPort, tools)
	}

	return repl(ctx, runner)
}

// repl runs the same stdin conversation loop the teacher's original main
// used, driving the agent loop (component J) instead of the teacher's
// single-shot Agent.Run/mcp demo.
func repl(ctx context.Context, runner *agent.Runner) error {
	var history []service.Message

BREAK_LOOP:
	for {
		fmt.Print("Enter your message (or 'quit' to exit): ")
		inputChan := make(chan string, 1)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			if scanner.Scan() {
				inputChan <- scanner.Text()
			} else {
				inputChan <- ""
			}
		}()

		select {
		case message := <-inputChan:
			if message == "quit" {
				break BREAK_LOOP
			}
			result, err := runner.Run(ctx, agent.Request{Message: message, History: history})
			if err != nil {
				return fmt.Errorf("agent run failed: %w", err)
			}
			fmt.Println(result.FinalText)
			history = result.Messages
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// serveMCP exposes tools over the MCP JSON-RPC protocol so external MCP
// clients can call the same tools the agent loop calls internally.
func serveMCP(ctx context.Context, host, port string, tools *toolregistry.Registry) {
	srv := tools.MCPServer(ctx)

	httpSrv := &http.Server{
		Addr:    net.JoinHostPort(host, port),
		Handler: srv,
	}
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("mcp server stopped", "error", err)
	}
}

func newKVStore(ctx context.Context, cfg *config.Config, encKey []byte) (kvstore.Store, error) {
	switch {
	case cfg.Store.Postgres != nil:
		return postgres.New(ctx, cfg.Store.Postgres, encKey)
	case cfg.Store.SQLite != nil:
		return sqlite3.New(ctx, cfg.Store.SQLite, encKey)
	default:
		return memory.New(), nil
	}
}

// registerConnectorCredential registers cc's OAuth2 client-credentials
// refresher with the token service, if the connector settings carry one.
// Connectors without a credential_id (most do not: sample_http and git_repo
// use static settings) are left alone.
func registerConnectorCredential(ctx context.Context, tokens *token.Service, id string, cc config.ConnectorConfig) {
	if cc.CredentialID == "" {
		return
	}
	clientID := cc.Settings["oauth_client_id"]
	clientSecret := cc.Settings["oauth_client_secret"]
	tokenURL := cc.Settings["oauth_token_url"]
	if clientID == "" || clientSecret == "" || tokenURL == "" {
		return
	}

	refresher := token.NewOAuth2ClientCredentials(clientID, clientSecret, tokenURL, nil)
	initial, err := refresher.Refresh(ctx, nil)
	if err != nil {
		slog.Warn("initial credential fetch failed, will retry on schedule", "connector_id", id, "credential_id", cc.CredentialID, "error", err)
		initial = nil
	}
	tokens.Register(cc.CredentialID, initial, refresher)
}

// newNotifyDispatcher builds a notify.Dispatcher from every configured
// channel under cfg.Notify, or nil if none are configured.
func newNotifyDispatcher(cfg *config.Config) *notify.Dispatcher {
	var channels []notify.Channel

	if m := cfg.Notify.Mail; m != nil {
		if ch, err := notify.NewMailChannel(m.SMTPHost, m.SMTPPort, m.Username, m.Password, m.From, m.To); err != nil {
			slog.Warn("mail notify channel disabled", "error", err)
		} else {
			channels = append(channels, ch)
		}
	}
	if d := cfg.Notify.Discord; d != nil {
		webhookID, webhookToken, ok := splitDiscordWebhookURL(d.WebhookURL)
		if !ok {
			slog.Warn("discord notify channel disabled", "error", "malformed webhook_url")
		} else if ch, err := notify.NewDiscordChannel(webhookID, webhookToken); err != nil {
			slog.Warn("discord notify channel disabled", "error", err)
		} else {
			channels = append(channels, ch)
		}
	}
	if t := cfg.Notify.Telegram; t != nil {
		if ch, err := notify.NewTelegramChannel(t.BotToken, t.ChatID); err != nil {
			slog.Warn("telegram notify channel disabled", "error", err)
		} else {
			channels = append(channels, ch)
		}
	}

	if len(channels) == 0 {
		return nil
	}
	return notify.NewDispatcher(channels...)
}

// splitDiscordWebhookURL extracts {id}/{token} from a
// https://discord.com/api/webhooks/{id}/{token} URL.
func splitDiscordWebhookURL(webhookURL string) (id, tok string, ok bool) {
	parts := strings.Split(strings.TrimSuffix(webhookURL, "/"), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[len(parts)-2], parts[len(parts)-1], true
}

func newMessagingBus(cfg *config.Config) (messaging.Bus, error) {
	if cfg.Messaging.Kafka != nil {
		return kafka.New(kafka.Config{
			Brokers: cfg.Messaging.Kafka.Brokers,
			GroupID: cfg.Messaging.Kafka.GroupID,
		})
	}
	return kmemory.New(), nil
}

// recordsSchema is the default schema validated against every Record before
// its graph write: org_id is required so a connector or upload path that
// never set it fails loudly instead of landing an orphaned record.
var recordsSchema = map[string]any{
	"type":     "object",
	"required": []any{"id", "org_id", "name", "content_hash"},
	"properties": map[string]any{
		"id":           map[string]any{"type": "string", "minLength": 1},
		"org_id":       map[string]any{"type": "string", "minLength": 1},
		"name":         map[string]any{"type": "string", "minLength": 1},
		"content_hash": map[string]any{"type": "string", "minLength": 1},
	},
}

func newOrchestrator(ctx context.Context, cfg *config.Config, validator *schema.Validator) (*transform.Orchestrator, *sql.DB, error) {
	var blobSink transform.BlobSink
	if cfg.Sinks.Blob != nil {
		s, err := blob.New(ctx, cfg.Sinks.Blob.Region, cfg.Sinks.Blob.Bucket, cfg.Sinks.Blob.Prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("build blob sink: %w", err)
		}
		blobSink = s
	}

	var vectorSink transform.VectorSink
	if cfg.Sinks.Vector != nil {
		s, err := vector.New(ctx, cfg.Sinks.Vector.Address, cfg.Sinks.Vector.Dimension)
		if err != nil {
			return nil, nil, fmt.Errorf("build vector sink: %w", err)
		}
		vectorSink = s
	}

	var graphSink transform.GraphSink
	var db *sql.DB
	if cfg.Store.Postgres != nil {
		var err error
		db, err = sql.Open("pgx", cfg.Store.Postgres.Datasource)
		if err != nil {
			return nil, nil, fmt.Errorf("open graph sink connection: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping graph sink connection: %w", err)
		}
		tablePrefix := postgres.DefaultTablePrefix
		if cfg.Store.Postgres.TablePrefix != nil {
			tablePrefix = *cfg.Store.Postgres.TablePrefix
		}
		s, err := graph.New(ctx, db, tablePrefix)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("build graph sink: %w", err)
		}
		graphSink = s
	}

	var embedder transform.Embedder
	if p, ok := firstOpenAICompatible(cfg); ok {
		embedder = p
	}

	return transform.New(transform.Config{
		Blob:             blobSink,
		Vector:           vectorSink,
		Graph:            graphSink,
		Embedder:         embedder,
		Schema:           validator,
		VectorCollection: "records",
	}), db, nil
}

// firstOpenAICompatible returns the first configured openai-type provider,
// used as the embeddings backend since none of the other provider types
// expose an embeddings endpoint.
func firstOpenAICompatible(cfg *config.Config) (*openai.Provider, bool) {
	for _, lc := range cfg.Providers {
		if lc.Type != "openai" {
			continue
		}
		p, err := openai.New(lc.APIKey, lc.Model, lc.BaseURL, lc.Proxy, lc.InsecureSkipVerify, lc.ExtraHeaders)
		if err != nil {
			return nil, false
		}
		return p, true
	}
	return nil, false
}

func buildPrimaryProvider(cfg *config.Config) (service.LLMProvider, string, error) {
	for _, lc := range cfg.Providers {
		p, err := buildProvider(lc)
		if err != nil {
			return nil, "", err
		}
		return p, lc.Model, nil
	}
	return nil, "", fmt.Errorf("no llm provider configured")
}

func buildProvider(lc config.LLMConfig) (service.LLMProvider, error) {
	switch lc.Type {
	case "anthropic", "antropic":
		return antropic.New(lc.APIKey, lc.Model, lc.BaseURL, lc.Proxy, lc.InsecureSkipVerify)
	case "gemini":
		return gemini.New(lc.APIKey, lc.Model, lc.BaseURL, lc.Proxy, lc.InsecureSkipVerify)
	case "vertex":
		return vertex.New(lc.Model, lc.BaseURL, lc.Proxy, lc.InsecureSkipVerify)
	case "ollama":
		return ollama.New(lc.Model), nil
	case "openai", "":
		return openai.New(lc.APIKey, lc.Model, lc.BaseURL, lc.Proxy, lc.InsecureSkipVerify, lc.ExtraHeaders)
	default:
		return nil, fmt.Errorf("unknown provider type %q", lc.Type)
	}
}
