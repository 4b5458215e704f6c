package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanshi-ai/kanshi/internal/dispatch"
	"github.com/kanshi-ai/kanshi/internal/guard"
	"github.com/kanshi-ai/kanshi/internal/model"
	"github.com/kanshi-ai/kanshi/internal/storage"
	"github.com/kanshi-ai/kanshi/internal/testutil"
)

type fakeStore struct {
	mu sync.Mutex

	agents        []model.Agent
	entities      []model.Entity
	states        map[string]model.EntityState
	events        []model.EvaluationEvent
	executions    []model.ActionExecutionRecord
	statusChanges map[uuid.UUID]model.AgentStatus
	evaluated     map[uuid.UUID]time.Time
	triggered     map[uuid.UUID]time.Time
	errorCounts   map[uuid.UUID]int
	cleared       map[uuid.UUID]bool

	listAgentsErr   error
	listEntitiesErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:        make(map[string]model.EntityState),
		statusChanges: make(map[uuid.UUID]model.AgentStatus),
		evaluated:     make(map[uuid.UUID]time.Time),
		triggered:     make(map[uuid.UUID]time.Time),
		errorCounts:   make(map[uuid.UUID]int),
		cleared:       make(map[uuid.UUID]bool),
	}
}

func stateKey(agentID uuid.UUID, entityID string) string {
	return agentID.String() + "/" + entityID
}

func (f *fakeStore) ListActiveAgents(ctx context.Context) ([]model.Agent, error) {
	if f.listAgentsErr != nil {
		return nil, f.listAgentsErr
	}
	return f.agents, nil
}

func (f *fakeStore) ListEntitiesByScope(ctx context.Context, workspaceID uuid.UUID, scope model.Scope) ([]model.Entity, error) {
	if f.listEntitiesErr != nil {
		return nil, f.listEntitiesErr
	}
	return f.entities, nil
}

func (f *fakeStore) GetEntityState(ctx context.Context, agentID uuid.UUID, entityID string) (model.EntityState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[stateKey(agentID, entityID)]
	if !ok {
		return model.EntityState{}, storage.ErrNotFound
	}
	return st, nil
}

func (f *fakeStore) UpsertEntityState(ctx context.Context, s model.EntityState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[stateKey(s.AgentID, s.EntityID)] = s
	return nil
}

func (f *fakeStore) InsertEvaluationEvent(ctx context.Context, e model.EvaluationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) InsertActionExecutions(ctx context.Context, records []model.ActionExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions = append(f.executions, records...)
	return nil
}

func (f *fakeStore) MarkAgentEvaluated(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluated[id] = at
	return nil
}

func (f *fakeStore) MarkAgentTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered[id] = at
	return nil
}

func (f *fakeStore) RecordAgentError(ctx context.Context, id uuid.UUID, message string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorCounts[id]++
	return f.errorCounts[id], nil
}

func (f *fakeStore) ClearAgentErrors(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared[id] = true
	return nil
}

func (f *fakeStore) SetAgentStatus(ctx context.Context, workspaceID, id uuid.UUID, status model.AgentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusChanges[id] = status
	return nil
}

type fakeObs struct {
	current   model.Observations
	history   model.History
	err       error
	aggCalled bool
}

func (f *fakeObs) Current(ctx context.Context, entityID uuid.UUID, now time.Time) (model.Observations, error) {
	return f.current, f.err
}

func (f *fakeObs) CurrentAggregate(ctx context.Context, entityIDs []uuid.UUID, now time.Time) (model.Observations, error) {
	f.aggCalled = true
	return f.current, f.err
}

func (f *fakeObs) History(ctx context.Context, entityID uuid.UUID, now time.Time) (model.History, error) {
	return f.history, nil
}

func (f *fakeObs) HistoryAggregate(ctx context.Context, entityIDs []uuid.UUID, now time.Time) (model.History, error) {
	return f.history, nil
}

type fakeRunner struct {
	mu      sync.Mutex
	targets []dispatch.Target
	results []model.ActionResult
	blocked bool
}

func (f *fakeRunner) Execute(ctx context.Context, target dispatch.Target, now time.Time) ([]model.ActionResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	return f.results, f.blocked
}

type fakeBreaker struct {
	verdict     guard.Verdict
	roasVerdict guard.Verdict
	err         error
}

func (f *fakeBreaker) Check(ctx context.Context, agent model.Agent, now time.Time) (guard.Verdict, error) {
	return f.verdict, f.err
}

func (f *fakeBreaker) CheckROAS(history model.History, lastTriggeredAt *time.Time) guard.Verdict {
	return f.roasVerdict
}

type fixture struct {
	store   *fakeStore
	obs     *fakeObs
	runner  *fakeRunner
	breaker *fakeBreaker
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   newFakeStore(),
		obs:     &fakeObs{current: model.Observations{"spend": 600}},
		runner:  &fakeRunner{results: []model.ActionResult{{Type: model.ActionNotify, Success: true}}},
		breaker: &fakeBreaker{},
	}
	f.orch = New(f.store, f.obs, f.runner, f.breaker, Config{}, nil, testutil.TestLogger())
	return f
}

func testAgent(required int) model.Agent {
	return model.Agent{
		ID:          uuid.New(),
		WorkspaceID: uuid.New(),
		Name:        "spend watcher",
		Status:      model.AgentActive,
		Condition:   model.ThresholdCondition{Metric: model.MetricSpend, Operator: model.OpGT, Value: 500},
		Accumulation: model.AccumulationConfig{
			Required: required,
			Unit:     model.UnitEvaluations,
			Mode:     model.ModeConsecutive,
		},
		Trigger: model.TriggerConfig{Mode: model.TriggerOnce},
		Actions: []model.ActionConfig{{Type: model.ActionNotify, Recipients: []string{"ops@example.com"}}},
		Scope:   model.Scope{Type: model.ScopeAll, Provider: model.ProviderMeta, Level: model.LevelCampaign},
		Schedule: model.Schedule{
			Type: model.ScheduleRealtime,
		},
	}
}

func testEntity() model.Entity {
	return model.Entity{
		ID:          uuid.New(),
		Provider:    model.ProviderMeta,
		Level:       model.LevelCampaign,
		ExternalID:  "123",
		Name:        "Summer Sale",
		Status:      "active",
		DailyBudget: float64Ptr(100),
	}
}

func float64Ptr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }

func TestAgentDue(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	_ = tokyo

	realtime := testAgent(1)
	due, err := agentDue(realtime, time.Now())
	require.NoError(t, err)
	assert.True(t, due)

	daily := testAgent(1)
	daily.Schedule = model.Schedule{Type: model.ScheduleDaily, TimeOfDay: "09:00", Timezone: "Asia/Tokyo"}

	// 09:02 Tokyo local is inside the 5 minute tolerance.
	at := time.Date(2026, 3, 10, 0, 2, 0, 0, time.UTC) // 09:02 JST
	due, err = agentDue(daily, at)
	require.NoError(t, err)
	assert.True(t, due)

	// 11:00 local is not.
	due, err = agentDue(daily, time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, due)

	// The re-run guard suppresses a second run in the same window.
	ran := at.Add(-3 * time.Minute)
	daily.LastEvaluatedAt = &ran
	due, err = agentDue(daily, at)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestAgentDueWeeklyAndMonthly(t *testing.T) {
	weekly := testAgent(1)
	weekly.Schedule = model.Schedule{Type: model.ScheduleWeekly, TimeOfDay: "08:00", DayOfWeek: intPtr(1)}

	monday := time.Date(2026, 3, 9, 8, 1, 0, 0, time.UTC)
	due, err := agentDue(weekly, monday)
	require.NoError(t, err)
	assert.True(t, due)

	tuesday := monday.AddDate(0, 0, 1)
	due, err = agentDue(weekly, tuesday)
	require.NoError(t, err)
	assert.False(t, due)

	// Day 31 clamps to the last day of shorter months.
	monthly := testAgent(1)
	monthly.Schedule = model.Schedule{Type: model.ScheduleMonthly, TimeOfDay: "08:00", DayOfMonth: intPtr(31)}

	feb28 := time.Date(2026, 2, 28, 8, 0, 0, 0, time.UTC)
	due, err = agentDue(monthly, feb28)
	require.NoError(t, err)
	assert.True(t, due)

	due, err = agentDue(monthly, time.Date(2026, 2, 27, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, due)
}

func TestAgentDueBadTimezone(t *testing.T) {
	agent := testAgent(1)
	agent.Schedule = model.Schedule{Type: model.ScheduleDaily, TimeOfDay: "08:00", Timezone: "Mars/Olympus"}

	_, err := agentDue(agent, time.Now())
	assert.Error(t, err)
}

func TestCycleTriggersAndPersists(t *testing.T) {
	f := newFixture(t)
	agent := testAgent(1)
	entity := testEntity()
	f.store.agents = []model.Agent{agent}
	f.store.entities = []model.Entity{entity}

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	f.orch.RunCycle(context.Background(), now)

	require.Len(t, f.store.events, 1)
	event := f.store.events[0]
	assert.Equal(t, model.ResultTriggered, event.Result)
	require.NotNil(t, event.ConditionMet)
	assert.True(t, *event.ConditionMet)
	assert.Equal(t, model.StateWatching, event.StateBefore)
	assert.Len(t, event.ActionResults, 1)

	st := f.store.states[stateKey(agent.ID, entity.ID.String())]
	require.NotNil(t, st.LastTriggeredAt)
	assert.Equal(t, 1, st.TriggerCount)

	require.Len(t, f.runner.targets, 1)
	assert.Equal(t, agent.ID, f.runner.targets[0].Agent.ID)
	require.NotNil(t, f.runner.targets[0].Entity)
	assert.Equal(t, entity.ID, f.runner.targets[0].Entity.ID)

	assert.Len(t, f.store.executions, 1)
	assert.Contains(t, f.store.triggered, agent.ID)
	assert.Contains(t, f.store.evaluated, agent.ID)
	assert.True(t, f.store.cleared[agent.ID])
}

func TestCycleAccumulatesBeforeTriggering(t *testing.T) {
	f := newFixture(t)
	agent := testAgent(3)
	entity := testEntity()
	f.store.agents = []model.Agent{agent}
	f.store.entities = []model.Entity{entity}

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	f.orch.RunCycle(context.Background(), now)
	f.orch.RunCycle(context.Background(), now.Add(time.Minute))

	require.Len(t, f.store.events, 2)
	assert.Equal(t, model.ResultAccumulating, f.store.events[0].Result)
	assert.Equal(t, model.ResultAccumulating, f.store.events[1].Result)
	assert.Empty(t, f.runner.targets)

	st := f.store.states[stateKey(agent.ID, entity.ID.String())]
	assert.Equal(t, model.StateAccumulating, st.State)
	assert.Equal(t, 2, st.Accumulation.Count)

	f.orch.RunCycle(context.Background(), now.Add(2*time.Minute))
	require.Len(t, f.store.events, 3)
	assert.Equal(t, model.ResultTriggered, f.store.events[2].Result)
	assert.Len(t, f.runner.targets, 1)
}

func TestCycleConditionNotMet(t *testing.T) {
	f := newFixture(t)
	f.obs.current = model.Observations{"spend": 100}
	agent := testAgent(1)
	f.store.agents = []model.Agent{agent}
	f.store.entities = []model.Entity{testEntity()}

	f.orch.RunCycle(context.Background(), time.Now().UTC())

	require.Len(t, f.store.events, 1)
	assert.Equal(t, model.ResultNotTriggered, f.store.events[0].Result)
	assert.Empty(t, f.runner.targets)
}

func TestBlockedTriggerIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.runner.blocked = true
	f.runner.results = []model.ActionResult{model.SkippedResult(model.ActionScaleBudget, "rate limited")}
	agent := testAgent(1)
	agent.Actions = []model.ActionConfig{{Type: model.ActionScaleBudget, ScalePercent: 20}}
	f.store.agents = []model.Agent{agent}
	f.store.entities = []model.Entity{testEntity()}

	f.orch.RunCycle(context.Background(), time.Now().UTC())

	require.Len(t, f.store.events, 1)
	assert.Equal(t, model.ResultBlocked, f.store.events[0].Result)
}

func TestSkipConditionAlwaysFires(t *testing.T) {
	f := newFixture(t)
	f.obs.current = model.Observations{"spend": 0}
	agent := testAgent(1)
	agent.Condition = nil
	agent.SkipCondition = true
	f.store.agents = []model.Agent{agent}
	f.store.entities = []model.Entity{testEntity()}

	f.orch.RunCycle(context.Background(), time.Now().UTC())

	require.Len(t, f.store.events, 1)
	assert.Equal(t, model.ResultTriggered, f.store.events[0].Result)
	assert.Nil(t, f.store.events[0].ConditionMet)
}

func TestAggregateModeUsesSyntheticUnit(t *testing.T) {
	f := newFixture(t)
	agent := testAgent(1)
	agent.Aggregate = true
	f.store.agents = []model.Agent{agent}
	f.store.entities = []model.Entity{testEntity(), testEntity()}

	f.orch.RunCycle(context.Background(), time.Now().UTC())

	assert.True(t, f.obs.aggCalled)
	require.Len(t, f.store.events, 1)
	assert.Equal(t, model.AggregateEntityID(agent.ID), f.store.events[0].EntityID)

	require.Len(t, f.runner.targets, 1)
	assert.Nil(t, f.runner.targets[0].Entity)
}

func TestROASRegressionPausesPerEntityAgent(t *testing.T) {
	f := newFixture(t)
	f.breaker.roasVerdict = guard.Verdict{Tripped: true, Reason: "roas regression"}
	agent := testAgent(1)
	f.store.agents = []model.Agent{agent}
	f.store.entities = []model.Entity{testEntity()}

	f.orch.RunCycle(context.Background(), time.Now().UTC())

	assert.Equal(t, model.AgentPaused, f.store.statusChanges[agent.ID])
	assert.Empty(t, f.store.events)
	assert.Empty(t, f.runner.targets)
}

func TestUnitErrorsEscalateToErrorState(t *testing.T) {
	f := newFixture(t)
	f.obs.err = errors.New("observation fetch failed")
	agent := testAgent(1)
	entity := testEntity()
	f.store.agents = []model.Agent{agent}
	f.store.entities = []model.Entity{entity}

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		f.orch.RunCycle(context.Background(), now.Add(time.Duration(i)*time.Minute))
	}

	st := f.store.states[stateKey(agent.ID, entity.ID.String())]
	assert.Equal(t, 5, st.ConsecutiveErrors)
	assert.Equal(t, model.StateError, st.State)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, "observation fetch failed")

	require.Len(t, f.store.events, 5)
	assert.Equal(t, model.ResultError, f.store.events[4].Result)

	// A terminal machine stays terminal even after the fetch recovers.
	f.obs.err = nil
	f.orch.RunCycle(context.Background(), now.Add(10*time.Minute))
	st = f.store.states[stateKey(agent.ID, entity.ID.String())]
	assert.Equal(t, model.StateError, st.State)
	assert.Empty(t, f.runner.targets)
}

func TestSuccessResetsErrorStreak(t *testing.T) {
	f := newFixture(t)
	f.obs.err = errors.New("transient")
	agent := testAgent(1)
	entity := testEntity()
	f.store.agents = []model.Agent{agent}
	f.store.entities = []model.Entity{entity}

	now := time.Now().UTC()
	f.orch.RunCycle(context.Background(), now)
	st := f.store.states[stateKey(agent.ID, entity.ID.String())]
	assert.Equal(t, 1, st.ConsecutiveErrors)

	f.obs.err = nil
	f.orch.RunCycle(context.Background(), now.Add(time.Minute))
	st = f.store.states[stateKey(agent.ID, entity.ID.String())]
	assert.Equal(t, 0, st.ConsecutiveErrors)
	assert.Nil(t, st.LastError)
}

func TestAgentErrorThresholdFlipsStatus(t *testing.T) {
	f := newFixture(t)
	f.store.listEntitiesErr = errors.New("db down")
	agent := testAgent(1)
	f.store.agents = []model.Agent{agent}

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		f.orch.RunCycle(context.Background(), now.Add(time.Duration(i)*time.Minute))
	}

	assert.Equal(t, 5, f.store.errorCounts[agent.ID])
	assert.Equal(t, model.AgentError, f.store.statusChanges[agent.ID])
}

func TestBreakerTripPausesAgent(t *testing.T) {
	f := newFixture(t)
	f.breaker.verdict = guard.Verdict{Tripped: true, Reason: "5 consecutive errors"}
	agent := testAgent(1)
	f.store.agents = []model.Agent{agent}
	f.store.entities = []model.Entity{testEntity()}

	f.orch.RunCycle(context.Background(), time.Now().UTC())

	assert.Equal(t, model.AgentPaused, f.store.statusChanges[agent.ID])
	assert.Empty(t, f.store.events)
	assert.Empty(t, f.runner.targets)
}

func TestROASRegressionPausesAggregateAgent(t *testing.T) {
	f := newFixture(t)
	f.breaker.roasVerdict = guard.Verdict{Tripped: true, Reason: "roas regression"}
	agent := testAgent(1)
	agent.Aggregate = true
	f.store.agents = []model.Agent{agent}
	f.store.entities = []model.Entity{testEntity()}

	f.orch.RunCycle(context.Background(), time.Now().UTC())

	assert.Equal(t, model.AgentPaused, f.store.statusChanges[agent.ID])
	assert.Empty(t, f.store.events)
}
