// Package mcp implements the Model Context Protocol server for kanshi.
//
// The MCP server exposes monitoring agents, their per-entity machine
// states, and the evaluation event trail as MCP tools and resources, so
// MCP-compatible AI assistants can inspect and operate the control loop.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kanshi-ai/kanshi/internal/model"
)

// Store is the slice of the storage layer the MCP tools use.
type Store interface {
	ListActiveAgents(ctx context.Context) ([]model.Agent, error)
	GetAgentByID(ctx context.Context, id uuid.UUID) (model.Agent, error)
	SetAgentStatus(ctx context.Context, workspaceID, id uuid.UUID, status model.AgentStatus) error
	ListEntityStates(ctx context.Context, agentID uuid.UUID) ([]model.EntityState, error)
	ListRecentEvents(ctx context.Context, agentID uuid.UUID, limit int) ([]model.EvaluationEvent, error)
}

// Server wraps the MCP server with kanshi's storage layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     Store
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(store Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kanshi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// kanshi://agents — every active monitoring agent.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kanshi://agents",
			"Active Agents",
			mcplib.WithResourceDescription("All active monitoring agents with their schedules and trigger history"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgentsResource,
	)

	// kanshi://agent/{id}/events — an agent's recent evaluation events.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kanshi://agent/{id}/events",
			"Agent Events",
			mcplib.WithTemplateDescription("Recent evaluation events for a specific agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentEventsResource,
	)
}

func (s *Server) handleAgentsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	agents, err := s.store.ListActiveAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list agents: %w", err)
	}

	data, err := json.MarshalIndent(summarizeAgents(agents), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal agents: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kanshi://agents",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleAgentEventsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	var idStr string
	if _, err := fmt.Sscanf(uri, "kanshi://agent/%36s/events", &idStr); err != nil {
		return nil, fmt.Errorf("mcp: invalid agent events URI: %s", uri)
	}
	agentID, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid agent id in URI %s: %w", uri, err)
	}

	events, err := s.store.ListRecentEvents(ctx, agentID, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent events: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"agent_id": agentID,
		"events":   events,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal events: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// agentSummary is the compact agent shape returned by tools and resources.
type agentSummary struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	Schedule        string     `json:"schedule"`
	Aggregate       bool       `json:"aggregate,omitempty"`
	ErrorCount      int        `json:"error_count,omitempty"`
	TriggerCount    int        `json:"trigger_count"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

func summarizeAgents(agents []model.Agent) []agentSummary {
	out := make([]agentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentSummary{
			ID:              a.ID,
			Name:            a.Name,
			Status:          string(a.Status),
			Schedule:        string(a.Schedule.Type),
			Aggregate:       a.Aggregate,
			ErrorCount:      a.ErrorCount,
			TriggerCount:    a.TriggerCount,
			LastEvaluatedAt: a.LastEvaluatedAt,
			LastTriggeredAt: a.LastTriggeredAt,
		})
	}
	return out
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
