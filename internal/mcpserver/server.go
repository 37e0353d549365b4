// Package mcpserver exposes tradeflow trades, readiness and escrow as MCP
// tools over the public HTTP API.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all tradeflow tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("tradeflow", "0.1.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetTrade, h.HandleGetTrade)
	s.AddTool(ToolListTrades, h.HandleListTrades)
	s.AddTool(ToolGetTradeReadiness, h.HandleGetTradeReadiness)
	s.AddTool(ToolGetTradeEscrow, h.HandleGetTradeEscrow)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)

	return s
}
