package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tmc/langchaingo/tools"

	"github.com/pablioRichardy/agentle/app/config"
)

type mcpServerHandle struct {
	name   string
	client client.MCPClient
}

func (h *mcpServerHandle) close() {
	if closer, ok := h.client.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// mcpToolAdapter exposes an MCP server tool through the langchaingo
// tools interface.
type mcpToolAdapter struct {
	client client.MCPClient
	tool   mcp.Tool
	name   string
}

var _ tools.Tool = (*mcpToolAdapter)(nil)

func (m *mcpToolAdapter) Name() string {
	return m.name
}

func (m *mcpToolAdapter) Description() string {
	return m.tool.Description
}

func (m *mcpToolAdapter) Call(ctx context.Context, input string) (string, error) {
	callRequest := mcp.CallToolRequest{
		Request: mcp.Request{
			Method: "tools/call",
		},
	}
	callRequest.Params.Name = m.tool.Name
	callRequest.Params.Arguments = toolArguments(input, m.tool)

	response, err := m.client.CallTool(ctx, callRequest)
	if err != nil {
		return "", fmt.Errorf("MCP tool call failed: %w", err)
	}

	var result strings.Builder
	for _, content := range response.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			result.WriteString(textContent.Text)
			result.WriteString("\n")
		}
	}

	return strings.TrimSpace(result.String()), nil
}

// toolArguments maps the agent's free-form input onto the tool schema:
// JSON input is passed through, plain text is bound to the first schema
// property or wrapped under "input".
func toolArguments(input string, tool mcp.Tool) map[string]any {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "{") {
		var args map[string]any
		if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
			return args
		}
	}

	for propName := range tool.InputSchema.Properties {
		return map[string]any{propName: input}
	}

	return map[string]any{"input": input}
}

func (s *Service) initMCPTools(servers []config.MCPServer) error {
	for _, server := range servers {
		mcpClient, err := client.NewStdioMCPClient(server.Command, nil, server.Args...)
		if err != nil {
			return fmt.Errorf("failed to create MCP client for %s: %w", server.Name, err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)

		initRequest := mcp.InitializeRequest{}
		initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		initRequest.Params.ClientInfo = mcp.Implementation{
			Name:    "agentle",
			Version: "1.0.0",
		}

		if _, err = mcpClient.Initialize(ctx, initRequest); err != nil {
			cancel()
			return fmt.Errorf("failed to initialize MCP client %s: %w", server.Name, err)
		}

		toolsResponse, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
		cancel()
		if err != nil {
			return fmt.Errorf("failed to list tools from %s: %w", server.Name, err)
		}

		for _, mcpTool := range toolsResponse.Tools {
			s.tools = append(s.tools, &mcpToolAdapter{
				client: mcpClient,
				tool:   mcpTool,
				name:   fmt.Sprintf("%s_%s", server.Name, mcpTool.Name),
			})
		}

		s.mcpClients = append(s.mcpClients, &mcpServerHandle{
			name:   server.Name,
			client: mcpClient,
		})
	}

	return nil
}
