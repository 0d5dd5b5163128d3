// Package tools connects assistant-configured MCP servers and exposes their
// tools to the graph as a flat, namespaced toolset.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/renga/internal/llm"
	"github.com/ashita-ai/renga/internal/model"
)

type route struct {
	client *mcpclient.Client
	tool   string
}

// Toolset holds live MCP client connections for one run. It is not safe for
// concurrent Call use from multiple goroutines against the same server.
type Toolset struct {
	logger  *slog.Logger
	clients []*mcpclient.Client
	defs    []llm.ToolDef
	routes  map[string]route
}

// Connect dials every configured server, initializes the MCP session and
// lists its tools. Tool names are namespaced as <server>__<tool> so that two
// servers exposing the same tool name cannot shadow each other.
func Connect(ctx context.Context, servers []model.ToolServerConfig, logger *slog.Logger) (*Toolset, error) {
	ts := &Toolset{logger: logger, routes: map[string]route{}}
	for _, srv := range servers {
		c, err := mcpclient.NewStreamableHttpClient(srv.URL, mcptransport.WithHTTPHeaders(srv.Headers))
		if err != nil {
			ts.Close()
			return nil, fmt.Errorf("tools: client for %s: %w", srv.Name, err)
		}
		_, err = c.Initialize(ctx, mcp.InitializeRequest{
			Params: mcp.InitializeParams{
				ClientInfo: mcp.Implementation{Name: "renga", Version: "1.0.0"},
			},
		})
		if err != nil {
			_ = c.Close()
			ts.Close()
			return nil, fmt.Errorf("tools: initialize %s: %w", srv.Name, err)
		}
		ts.clients = append(ts.clients, c)

		listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			ts.Close()
			return nil, fmt.Errorf("tools: list tools on %s: %w", srv.Name, err)
		}
		for _, tool := range listed.Tools {
			name := Namespaced(srv.Name, tool.Name)
			schema, err := schemaMap(tool.InputSchema)
			if err != nil {
				ts.Close()
				return nil, fmt.Errorf("tools: schema for %s: %w", name, err)
			}
			ts.routes[name] = route{client: c, tool: tool.Name}
			ts.defs = append(ts.defs, llm.ToolDef{
				Name:        name,
				Description: tool.Description,
				InputSchema: schema,
			})
			logger.Debug("registered tool", "server", srv.Name, "tool", tool.Name)
		}
	}
	return ts, nil
}

// Namespaced builds the provider-facing name for a server tool.
func Namespaced(server, tool string) string {
	return server + "__" + tool
}

// SplitNamespaced reverses Namespaced. The second return is false when the
// name carries no server prefix.
func SplitNamespaced(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, "__")
	return server, tool, ok
}

// Defs returns the provider-facing tool definitions.
func (ts *Toolset) Defs() []llm.ToolDef {
	return ts.defs
}

// Call invokes a namespaced tool and returns its text content. A tool error
// result is returned as (text, true, nil) so callers can hand the failure
// back to the model instead of aborting the run.
func (ts *Toolset) Call(ctx context.Context, name string, arguments json.RawMessage) (text string, isError bool, err error) {
	r, ok := ts.routes[name]
	if !ok {
		return "", false, fmt.Errorf("tools: unknown tool %q", name)
	}
	var args map[string]any
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return "", false, fmt.Errorf("tools: arguments for %q: %w", name, err)
		}
	}
	result, err := r.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: r.tool, Arguments: args},
	})
	if err != nil {
		return "", false, fmt.Errorf("tools: call %q: %w", name, err)
	}

	var b strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String(), result.IsError, nil
}

// Close shuts down every client connection.
func (ts *Toolset) Close() {
	for _, c := range ts.clients {
		if err := c.Close(); err != nil {
			ts.logger.Warn("closing tool client", "error", err)
		}
	}
	ts.clients = nil
}

func schemaMap(schema mcp.ToolInputSchema) (map[string]any, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{"type": "object"}
	}
	return m, nil
}
