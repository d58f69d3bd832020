package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all yieldguard tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("yieldguard", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetRiskScore, h.HandleGetRiskScore)
	s.AddTool(ToolGetVaultStatus, h.HandleGetVaultStatus)
	s.AddTool(ToolListStrategies, h.HandleListStrategies)
	s.AddTool(ToolGetPortfolioRisk, h.HandleGetPortfolioRisk)
	s.AddTool(ToolGetRiskProfile, h.HandleGetRiskProfile)
	s.AddTool(ToolUpdateRiskProfile, h.HandleUpdateRiskProfile)
	s.AddTool(ToolGetEmergencyStatus, h.HandleGetEmergencyStatus)
	s.AddTool(ToolTriggerEmergency, h.HandleTriggerEmergency)
	s.AddTool(ToolListEvents, h.HandleListEvents)

	return s
}
