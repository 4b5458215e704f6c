package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanshi-ai/kanshi/internal/model"
	"github.com/kanshi-ai/kanshi/internal/storage"
	"github.com/kanshi-ai/kanshi/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func testAgent(workspaceID uuid.UUID) model.Agent {
	return model.Agent{
		WorkspaceID: workspaceID,
		Name:        "overspend watcher",
		Status:      model.AgentActive,
		Condition: model.ThresholdCondition{
			Metric: "spend", Operator: model.OpGT, Value: 500,
		},
		Accumulation: model.AccumulationConfig{
			Required: 2, Unit: model.UnitEvaluations, Mode: model.ModeConsecutive,
		},
		Trigger: model.TriggerConfig{Mode: model.TriggerCooldown, CooldownMinutes: 60},
		Actions: []model.ActionConfig{
			{Type: model.ActionNotify, Recipients: []string{"ops@example.com"}, Message: "spend is {{metric.spend}}"},
		},
		Scope: model.Scope{
			Type: model.ScopeAll, Provider: model.ProviderMeta, Level: model.LevelCampaign,
		},
		Schedule: model.Schedule{Type: model.ScheduleRealtime},
	}
}

func TestAgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	workspaceID := uuid.New()

	created, err := testDB.CreateAgent(ctx, testAgent(workspaceID))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)

	got, err := testDB.GetAgent(ctx, workspaceID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "overspend watcher", got.Name)
	assert.Equal(t, model.AgentActive, got.Status)

	cond, ok := got.Condition.(model.ThresholdCondition)
	require.True(t, ok, "condition should decode back to a threshold")
	assert.Equal(t, "spend", cond.Metric)
	assert.Equal(t, model.OpGT, cond.Operator)
	assert.InDelta(t, 500.0, cond.Value, 0.001)

	require.Len(t, got.Actions, 1)
	assert.Equal(t, model.ActionNotify, got.Actions[0].Type)
}

func TestGetAgentNotFound(t *testing.T) {
	_, err := testDB.GetAgent(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListActiveAgentsExcludesPaused(t *testing.T) {
	ctx := context.Background()
	workspaceID := uuid.New()

	active, err := testDB.CreateAgent(ctx, testAgent(workspaceID))
	require.NoError(t, err)

	paused := testAgent(workspaceID)
	paused.Name = "paused watcher"
	pausedAgent, err := testDB.CreateAgent(ctx, paused)
	require.NoError(t, err)
	require.NoError(t, testDB.SetAgentStatus(ctx, workspaceID, pausedAgent.ID, model.AgentPaused))

	agents, err := testDB.ListActiveAgents(ctx)
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool, len(agents))
	for _, a := range agents {
		ids[a.ID] = true
	}
	assert.True(t, ids[active.ID])
	assert.False(t, ids[pausedAgent.ID])
}

func TestAgentErrorBookkeeping(t *testing.T) {
	ctx := context.Background()
	workspaceID := uuid.New()

	agent, err := testDB.CreateAgent(ctx, testAgent(workspaceID))
	require.NoError(t, err)

	count, err := testDB.RecordAgentError(ctx, agent.ID, "platform timeout")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testDB.RecordAgentError(ctx, agent.ID, "platform timeout again")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, testDB.ClearAgentErrors(ctx, agent.ID))
	got, err := testDB.GetAgent(ctx, workspaceID, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ErrorCount)
	assert.Nil(t, got.ErrorMessage)
}

func TestEntityStateUpsertAndReset(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New()
	entityID := uuid.New().String()
	now := time.Now().UTC().Truncate(time.Millisecond)

	s := model.NewEntityState(agentID, entityID, now)
	s.State = model.StateAccumulating
	s.Accumulation = model.AccumulationState{Count: 2, History: []time.Time{now}}
	require.NoError(t, testDB.UpsertEntityState(ctx, s))

	got, err := testDB.GetEntityState(ctx, agentID, entityID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAccumulating, got.State)
	assert.Equal(t, 2, got.Accumulation.Count)
	require.Len(t, got.Accumulation.History, 1)

	// Second upsert updates in place.
	got.State = model.StateError
	got.ConsecutiveErrors = 5
	require.NoError(t, testDB.UpsertEntityState(ctx, got))

	max, err := testDB.MaxConsecutiveErrors(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, 5, max)

	require.NoError(t, testDB.ResetEntityState(ctx, agentID, entityID))
	got, err = testDB.GetEntityState(ctx, agentID, entityID)
	require.NoError(t, err)
	assert.Equal(t, model.StateWatching, got.State)
	assert.Equal(t, 0, got.Accumulation.Count)
	assert.Equal(t, 0, got.ConsecutiveErrors)
}

func TestEntityStateNotFound(t *testing.T) {
	_, err := testDB.GetEntityState(context.Background(), uuid.New(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEvaluationEventAndActionCounts(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New()
	workspaceID := uuid.New()
	entityID := uuid.New().String()
	eventID := uuid.New()
	now := time.Now().UTC()

	met := true
	require.NoError(t, testDB.InsertEvaluationEvent(ctx, model.EvaluationEvent{
		ID: eventID, AgentID: agentID, WorkspaceID: workspaceID, EntityID: entityID,
		Result: model.ResultTriggered, ConditionMet: &met,
		Explanation:  "spend=600.00 gt 500.00",
		Observations: model.Observations{"spend": 600},
		StateBefore:  model.StateAccumulating, StateAfter: model.StateCooldown,
		Summary: "triggered", DurationMs: 12,
	}))

	inc := 25.0
	records := []model.ActionExecutionRecord{
		{
			AgentID: agentID, WorkspaceID: workspaceID, EntityID: entityID, EventID: eventID,
			ActionType: model.ActionScaleBudget,
			Config:     model.ActionConfig{Type: model.ActionScaleBudget, ScalePercent: 20},
			Success:    true, BudgetIncrease: &inc, ExecutedAt: now,
		},
		{
			AgentID: agentID, WorkspaceID: workspaceID, EntityID: entityID, EventID: eventID,
			ActionType: model.ActionPauseEntity,
			Config:     model.ActionConfig{Type: model.ActionPauseEntity},
			Success:    true, Skipped: true, SkipReason: "already paused", ExecutedAt: now,
		},
		{
			AgentID: agentID, WorkspaceID: workspaceID, EntityID: entityID, EventID: eventID,
			ActionType: model.ActionNotify,
			Config:     model.ActionConfig{Type: model.ActionNotify, Recipients: []string{"ops@example.com"}},
			Success:    true, ExecutedAt: now,
		},
	}
	require.NoError(t, testDB.InsertActionExecutions(ctx, records))

	since := now.Add(-time.Hour)

	// Only the non-skipped mutation counts: not the skipped pause, not the notify.
	count, err := testDB.CountEntityActionsSince(ctx, entityID, since)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testDB.CountAgentActionsSince(ctx, agentID, since)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testDB.CountWorkspaceActionsSince(ctx, workspaceID, since)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	sum, err := testDB.SumBudgetIncreasesSince(ctx, agentID, since)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, sum, 0.001)

	events, err := testDB.ListRecentEvents(ctx, agentID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ResultTriggered, events[0].Result)
	require.NotNil(t, events[0].ConditionMet)
	assert.True(t, *events[0].ConditionMet)
}

func TestObservationLatestSnapshotWins(t *testing.T) {
	ctx := context.Background()
	workspaceID := uuid.New()
	entityID := uuid.New()
	date := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	require.NoError(t, testDB.InsertObservationSnapshots(ctx, []storage.ObservationSnapshot{
		{
			WorkspaceID: workspaceID, EntityID: entityID, Date: date,
			Metrics: model.Observations{"spend": 100}, CapturedAt: date.Add(6 * time.Hour),
		},
		{
			WorkspaceID: workspaceID, EntityID: entityID, Date: date,
			Metrics: model.Observations{"spend": 140}, CapturedAt: date.Add(23 * time.Hour),
		},
	}))

	latest, err := testDB.LatestObservations(ctx, []uuid.UUID{entityID}, date)
	require.NoError(t, err)
	require.Contains(t, latest, entityID)
	assert.InDelta(t, 140.0, latest[entityID]["spend"], 0.001)

	history, err := testDB.ObservationHistory(ctx, entityID, model.DateRange{
		Start: date.AddDate(0, 0, -7), End: date.AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	require.Contains(t, history, "2026-08-20")
	assert.InDelta(t, 140.0, history["2026-08-20"]["spend"], 0.001)
}

func TestListEntitiesByScopeFilter(t *testing.T) {
	ctx := context.Background()
	workspaceID := uuid.New()

	budget := func(v float64) *float64 { return &v }
	insert := func(name, status string, daily *float64) uuid.UUID {
		id := uuid.New()
		_, err := testDB.Pool().Exec(ctx,
			`INSERT INTO entities (id, workspace_id, provider, level, external_id, name, status, daily_budget)
			 VALUES ($1, $2, 'meta', 'campaign', $3, $4, $5, $6)`,
			id, workspaceID, "ext-"+id.String()[:8], name, status, daily,
		)
		require.NoError(t, err)
		return id
	}

	match := insert("Summer Sale US", model.EntityStatusActive, budget(50))
	insert("Winter Promo", model.EntityStatusActive, budget(50))      // name mismatch
	insert("Summer Sale EU", model.EntityStatusPaused, budget(50))    // status mismatch
	insert("Summer Sale APAC", model.EntityStatusActive, budget(500)) // budget mismatch
	insert("Summer Archived", model.EntityStatusArchived, budget(50)) // archived never returned

	entities, err := testDB.ListEntitiesByScope(ctx, workspaceID, model.Scope{
		Type: model.ScopeFiltered, Provider: model.ProviderMeta, Level: model.LevelCampaign,
		Filter: &model.ScopeFilter{
			NameContains:   "summer",
			Statuses:       []string{model.EntityStatusActive},
			MaxDailyBudget: budget(100),
		},
	})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, match, entities[0].ID)

	// All scope still excludes archived.
	all, err := testDB.ListEntitiesByScope(ctx, workspaceID, model.Scope{
		Type: model.ScopeAll, Provider: model.ProviderMeta, Level: model.LevelCampaign,
	})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestAPIKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	workspaceID := uuid.New()

	key, err := testDB.CreateAPIKey(ctx, model.APIKey{
		WorkspaceID: workspaceID, Prefix: "knsh_abc1", KeyHash: "$argon2id$fake", Label: "ci",
	})
	require.NoError(t, err)

	got, err := testDB.GetAPIKeyByPrefix(ctx, "knsh_abc1")
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)

	require.NoError(t, testDB.RevokeAPIKey(ctx, workspaceID, key.ID))
	_, err = testDB.GetAPIKeyByPrefix(ctx, "knsh_abc1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
