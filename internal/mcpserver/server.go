package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with the read-only paymaster tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("latticepay", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetSession, h.HandleGetSession)
	s.AddTool(ToolGetProfitMetrics, h.HandleGetProfitMetrics)
	s.AddTool(ToolGetTankStatus, h.HandleGetTankStatus)
	s.AddTool(ToolGetGatewayStatus, h.HandleGetGatewayStatus)
	s.AddTool(ToolNormalizePayment, h.HandleNormalizePayment)

	return s
}
