package toolregistry

import (
	"context"

	"github.com/rakunlabs/cortex/pkg/mcp"
)

// MCPServer exposes every tool currently in the registry through an MCP
// JSON-RPC server, so external MCP clients can call the same tools the
// agent loop calls internally. The server is a static snapshot taken at
// call time, matching the teacher's own one-shot mcp.New()/AddTool
// registration at startup rather than a live-reloading bridge.
func (r *Registry) MCPServer(ctx context.Context) *mcp.MCP {
	srv := mcp.New()

	for _, tool := range r.All() {
		fullName := tool.FullName
		srv.AddTool(mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, func(args map[string]any) (any, error) {
			return r.Call(ctx, fullName, args)
		})
	}

	return srv
}
