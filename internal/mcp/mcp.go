// Package mcp exposes the approval gate to agents over the Model Context
// Protocol.
//
// Agents can request actions, poll their own tasks, and execute tasks a
// reviewer has approved. Review itself (approve/reject) is deliberately
// absent: an agent must never be able to approve its own request.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/sekimon/internal/auth"
	"github.com/ashita-ai/sekimon/internal/ctxutil"
	"github.com/ashita-ai/sekimon/internal/dispatch"
	"github.com/ashita-ai/sekimon/internal/gate"
	"github.com/ashita-ai/sekimon/internal/model"
)

// Server wraps the MCP server around the gate and dispatcher.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	gate       *gate.Gate
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// New creates and configures an MCP server with all tools, resources and
// prompts registered.
func New(g *gate.Gate, d *dispatch.Dispatcher, logger *slog.Logger, version string) *Server {
	s := &Server{
		gate:       g,
		dispatcher: d,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"sekimon",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// caller returns the authenticated claims, or nil when the request carried
// none. The HTTP layer rejects unauthenticated /mcp calls; nil here means
// an in-process caller wired the server without auth.
func caller(ctx context.Context) *auth.Claims {
	return ctxutil.ClaimsFromContext(ctx)
}

func isReviewer(c *auth.Claims) bool {
	return c != nil && model.RoleAtLeast(c.Role, model.RoleReviewer)
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
