// Package mcp implements the Model Context Protocol server for takara.
//
// The MCP server exposes the marketplace's payment and bounty operations as
// tools, so MCP-compatible agents can fund, work, and settle bounties over
// the same service layer the HTTP API uses. The caller's identity comes from
// the JWT claims the HTTP auth middleware put on the context.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/takara/internal/bounty"
	"github.com/ashita-ai/takara/internal/payments"
	"github.com/ashita-ai/takara/internal/storage"
)

// Server wraps the MCP server with takara's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	payments  *payments.Service
	bounties  *bounty.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(db *storage.DB, pay *payments.Service, bounties *bounty.Service, logger *slog.Logger) *Server {
	s := &Server{
		db:       db,
		payments: pay,
		bounties: bounties,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"takara",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
