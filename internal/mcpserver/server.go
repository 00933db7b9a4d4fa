package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with the investigation tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("fraudguard", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetFraudScore, h.HandleGetFraudScore)
	s.AddTool(ToolListReviewQueue, h.HandleListReviewQueue)
	s.AddTool(ToolLookupVelocity, h.HandleLookupVelocity)
	s.AddTool(ToolGetBlacklistEntry, h.HandleGetBlacklistEntry)

	return s
}
