package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanshi-ai/kanshi/internal/model"
	"github.com/kanshi-ai/kanshi/internal/storage"
)

type fakeStore struct {
	agents map[uuid.UUID]model.Agent
	states map[uuid.UUID][]model.EntityState
	events map[uuid.UUID][]model.EvaluationEvent

	statusChanges map[uuid.UUID]model.AgentStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:        make(map[uuid.UUID]model.Agent),
		states:        make(map[uuid.UUID][]model.EntityState),
		events:        make(map[uuid.UUID][]model.EvaluationEvent),
		statusChanges: make(map[uuid.UUID]model.AgentStatus),
	}
}

func (f *fakeStore) ListActiveAgents(ctx context.Context) ([]model.Agent, error) {
	var out []model.Agent
	for _, a := range f.agents {
		if a.Status == model.AgentActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) GetAgentByID(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return model.Agent{}, storage.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) SetAgentStatus(ctx context.Context, workspaceID, id uuid.UUID, status model.AgentStatus) error {
	a, ok := f.agents[id]
	if !ok || a.WorkspaceID != workspaceID {
		return storage.ErrNotFound
	}
	a.Status = status
	f.agents[id] = a
	f.statusChanges[id] = status
	return nil
}

func (f *fakeStore) ListEntityStates(ctx context.Context, agentID uuid.UUID) ([]model.EntityState, error) {
	return f.states[agentID], nil
}

func (f *fakeStore) ListRecentEvents(ctx context.Context, agentID uuid.UUID, limit int) ([]model.EvaluationEvent, error) {
	events := f.events[agentID]
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func newTestServer() (*Server, *fakeStore) {
	store := newFakeStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, logger, "test"), store
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected TextContent")
	return text.Text
}

func seedAgent(store *fakeStore, status model.AgentStatus) model.Agent {
	agent := model.Agent{
		ID:           uuid.New(),
		WorkspaceID:  uuid.New(),
		Name:         "spend watcher",
		Status:       status,
		Schedule:     model.Schedule{Type: model.ScheduleRealtime},
		TriggerCount: 3,
	}
	store.agents[agent.ID] = agent
	return agent
}

func TestListAgentsTool(t *testing.T) {
	srv, store := newTestServer()
	seedAgent(store, model.AgentActive)
	seedAgent(store, model.AgentPaused) // excluded

	result, err := srv.handleListAgents(context.Background(), callRequest("kanshi_list_agents", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload struct {
		Agents []agentSummary `json:"agents"`
		Total  int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &payload))
	assert.Equal(t, 1, payload.Total)
	require.Len(t, payload.Agents, 1)
	assert.Equal(t, "spend watcher", payload.Agents[0].Name)
	assert.Equal(t, 3, payload.Agents[0].TriggerCount)
}

func TestAgentStatusTool(t *testing.T) {
	srv, store := newTestServer()
	agent := seedAgent(store, model.AgentActive)
	store.states[agent.ID] = []model.EntityState{
		{AgentID: agent.ID, EntityID: uuid.NewString(), State: model.StateAccumulating},
	}

	result, err := srv.handleAgentStatus(context.Background(),
		callRequest("kanshi_agent_status", map[string]any{"agent_id": agent.ID.String()}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := parseToolText(t, result)
	assert.Contains(t, text, agent.ID.String())
	assert.Contains(t, text, string(model.StateAccumulating))
}

func TestAgentStatusToolValidation(t *testing.T) {
	srv, _ := newTestServer()

	result, err := srv.handleAgentStatus(context.Background(),
		callRequest("kanshi_agent_status", map[string]any{}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "agent_id is required")

	result, err = srv.handleAgentStatus(context.Background(),
		callRequest("kanshi_agent_status", map[string]any{"agent_id": "nope"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "must be a UUID")

	result, err = srv.handleAgentStatus(context.Background(),
		callRequest("kanshi_agent_status", map[string]any{"agent_id": uuid.NewString()}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not found")
}

func TestRecentEventsToolHonorsLimit(t *testing.T) {
	srv, store := newTestServer()
	agent := seedAgent(store, model.AgentActive)
	for i := 0; i < 30; i++ {
		store.events[agent.ID] = append(store.events[agent.ID], model.EvaluationEvent{
			ID:        uuid.New(),
			AgentID:   agent.ID,
			Result:    model.ResultNotTriggered,
			CreatedAt: time.Now().UTC(),
		})
	}

	result, err := srv.handleRecentEvents(context.Background(),
		callRequest("kanshi_recent_events", map[string]any{
			"agent_id": agent.ID.String(),
			"limit":    5,
		}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &payload))
	assert.Equal(t, 5, payload.Total)
}

func TestPauseAndResumeTools(t *testing.T) {
	srv, store := newTestServer()
	agent := seedAgent(store, model.AgentActive)

	result, err := srv.handlePauseAgent(context.Background(),
		callRequest("kanshi_pause_agent", map[string]any{"agent_id": agent.ID.String()}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, model.AgentPaused, store.agents[agent.ID].Status)

	result, err = srv.handleResumeAgent(context.Background(),
		callRequest("kanshi_resume_agent", map[string]any{"agent_id": agent.ID.String()}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, model.AgentActive, store.agents[agent.ID].Status)
}

func TestAgentsResource(t *testing.T) {
	srv, store := newTestServer()
	seedAgent(store, model.AgentActive)

	contents, err := srv.handleAgentsResource(context.Background(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "kanshi://agents", text.URI)
	assert.Contains(t, text.Text, "spend watcher")
}
