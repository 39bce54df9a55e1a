package toolregistry

import (
	"context"
	"log/slog"

	"github.com/rakunlabs/cortex/internal/service"
)

// MCPClient is the slice of service.HTTPMCPClient this loader needs, kept
// narrow so tests can substitute a fake server.
type MCPClient interface {
	ListTools(ctx context.Context) ([]service.Tool, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) (string, error)
}

// LoadMCP connects to url, lists its tools, and registers each one under
// SourceMCP, dispatching calls back through the same client. A connection
// or listing failure is logged and treated as "this server contributes no
// tools" rather than aborting the whole load, matching agent-call.go's
// per-server skip-on-error behavior.
func LoadMCP(ctx context.Context, r *Registry, url string, dial func(ctx context.Context, url string) (MCPClient, error)) {
	client, err := dial(ctx, url)
	if err != nil {
		slog.Warn("toolregistry: failed to connect to MCP server, skipping", "url", url, "error", err)
		return
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		slog.Warn("toolregistry: failed to list MCP tools, skipping", "url", url, "error", err)
		return
	}

	for _, t := range tools {
		t := t
		r.Register(Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Source:      SourceMCP,
		}, func(ctx context.Context, arguments map[string]any) (string, error) {
			return client.CallTool(ctx, t.Name, arguments)
		})
	}
}

// DialHTTPMCP adapts service.NewHTTPMCPClient to the dial signature LoadMCP expects.
func DialHTTPMCP(ctx context.Context, url string) (MCPClient, error) {
	return service.NewHTTPMCPClient(ctx, url)
}
