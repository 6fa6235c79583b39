package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/sekimon/internal/gate"
	"github.com/ashita-ai/sekimon/internal/model"
)

const (
	uriPolicy  = "sekimon://policy"
	uriPending = "sekimon://tasks/pending"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriPolicy,
			"Approval Policy",
			mcplib.WithResourceDescription("Which actions are auto-approved and which wait for a reviewer, plus the actions that can be executed"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePolicy,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriPending,
			"My Pending Tasks",
			mcplib.WithResourceDescription("Your tasks still waiting for review, oldest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePending,
	)
}

func (s *Server) handlePolicy(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	p := s.gate.Policy()
	return textResource(uriPolicy, model.PolicyResponse{
		DefaultRequiresApproval: p.DefaultRequiresApproval(),
		Rules:                   p.Rules(),
		RegisteredActions:       s.dispatcher.Registry().Actions(),
	})
}

func (s *Server) handlePending(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := caller(ctx)
	if claims == nil {
		return nil, fmt.Errorf("mcp: pending tasks: authentication required")
	}
	tasks, err := s.gate.ListPending(ctx, gate.Scope{PrincipalID: claims.PrincipalID}, model.DefaultListLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: pending tasks: %w", err)
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	return textResource(uriPending, tasks)
}

func textResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
