package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/kanshi-ai/kanshi/internal/model"
)

func (s *Server) registerTools() {
	// kanshi_list_agents — enumerate active monitoring agents.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_list_agents",
			mcplib.WithDescription(`List all active monitoring agents.

WHEN TO USE: As the first call when inspecting the monitoring setup, or to
find the agent_id needed by the other tools.

WHAT YOU GET BACK: For each agent — id, name, status, schedule type,
trigger count, and when it last evaluated and triggered.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListAgents,
	)

	// kanshi_agent_status — one agent's configuration and machine states.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_agent_status",
			mcplib.WithDescription(`Inspect one agent: its configuration and the accumulation state of every
entity it watches.

WHEN TO USE: To answer "why hasn't this agent fired?" or "is this agent
stuck?". The per-entity states show accumulation progress, cooldown
windows, and error streaks.

WHAT YOU GET BACK:
- agent: full configuration (condition, accumulation, trigger, scope, schedule)
- states: per-entity machine state (watching/accumulating/triggered/cooldown/error)`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("The agent's UUID (from kanshi_list_agents)"),
				mcplib.Required(),
			),
		),
		s.handleAgentStatus,
	)

	// kanshi_recent_events — the evaluation trail for an agent.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_recent_events",
			mcplib.WithDescription(`Read an agent's recent evaluation events, newest first.

WHEN TO USE: To audit what the engine observed and decided — each event
records the metric inputs, whether the condition held, the state
transition, and any actions executed (including skips and failures).

EXAMPLE: After a budget was unexpectedly changed, pull the events of the
scaling agent and look at action_results for the mutation record and its
rollback payload.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("The agent's UUID"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum events to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleRecentEvents,
	)

	// kanshi_pause_agent — stop an agent from evaluating.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_pause_agent",
			mcplib.WithDescription(`Pause a monitoring agent. A paused agent is skipped by every engine
cycle until it is resumed; no conditions are evaluated and no actions run.

WHEN TO USE: When an agent is misbehaving — firing too often, acting on a
broken metric feed — and you need to stop it NOW while the configuration
is fixed.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("The agent's UUID"),
				mcplib.Required(),
			),
		),
		s.handlePauseAgent,
	)

	// kanshi_resume_agent — put a paused agent back to work.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_resume_agent",
			mcplib.WithDescription(`Resume a paused agent. Error bookkeeping is cleared so the agent starts
with a clean slate on the next cycle.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("The agent's UUID"),
				mcplib.Required(),
			),
		),
		s.handleResumeAgent,
	)
}

func (s *Server) handleListAgents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agents, err := s.store.ListActiveAgents(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("list agents failed: %v", err)), nil
	}
	return textResult(map[string]any{
		"agents": summarizeAgents(agents),
		"total":  len(agents),
	}), nil
}

func (s *Server) handleAgentStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID, result := requiredAgentID(request)
	if result != nil {
		return result, nil
	}

	agent, err := s.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return errorResult(fmt.Sprintf("agent %s not found: %v", agentID, err)), nil
	}
	states, err := s.store.ListEntityStates(ctx, agentID)
	if err != nil {
		return errorResult(fmt.Sprintf("list states failed: %v", err)), nil
	}

	return textResult(map[string]any{
		"agent":  agent,
		"states": states,
	}), nil
}

func (s *Server) handleRecentEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID, result := requiredAgentID(request)
	if result != nil {
		return result, nil
	}
	limit := request.GetInt("limit", 20)

	events, err := s.store.ListRecentEvents(ctx, agentID, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list events failed: %v", err)), nil
	}
	return textResult(map[string]any{
		"agent_id": agentID,
		"events":   events,
		"total":    len(events),
	}), nil
}

func (s *Server) handlePauseAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return s.setStatus(ctx, request, model.AgentPaused)
}

func (s *Server) handleResumeAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return s.setStatus(ctx, request, model.AgentActive)
}

func (s *Server) setStatus(ctx context.Context, request mcplib.CallToolRequest, status model.AgentStatus) (*mcplib.CallToolResult, error) {
	agentID, result := requiredAgentID(request)
	if result != nil {
		return result, nil
	}

	agent, err := s.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return errorResult(fmt.Sprintf("agent %s not found: %v", agentID, err)), nil
	}
	if err := s.store.SetAgentStatus(ctx, agent.WorkspaceID, agent.ID, status); err != nil {
		return errorResult(fmt.Sprintf("set status failed: %v", err)), nil
	}

	s.logger.Info("agent status changed via mcp", "agent_id", agentID, "status", status)
	return textResult(map[string]any{
		"agent_id": agentID,
		"status":   status,
	}), nil
}

func requiredAgentID(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("agent_id", "")
	if raw == "" {
		return uuid.Nil, errorResult("agent_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult(fmt.Sprintf("agent_id must be a UUID: %v", err))
	}
	return id, nil
}
