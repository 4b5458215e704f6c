package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanshi-ai/kanshi/internal/guard"
	"github.com/kanshi-ai/kanshi/internal/model"
	"github.com/kanshi-ai/kanshi/internal/notify"
	"github.com/kanshi-ai/kanshi/internal/platform"
	"github.com/kanshi-ai/kanshi/internal/testutil"
)

type fakeEmail struct {
	sent []notify.Email
	err  error
}

func (f *fakeEmail) Send(_ context.Context, e notify.Email) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, e)
	return nil
}

type fakeWebhook struct {
	urls []string
	err  error
}

func (f *fakeWebhook) Send(_ context.Context, url, _ string, _ map[string]string, _ any) error {
	if f.err != nil {
		return f.err
	}
	f.urls = append(f.urls, url)
	return nil
}

type fakeConns struct {
	conn model.Connection
}

func (f *fakeConns) GetConnection(context.Context, uuid.UUID) (model.Connection, error) {
	return f.conn, nil
}

type fakeCounts struct {
	entity int
}

func (f *fakeCounts) CountEntityActionsSince(context.Context, string, time.Time) (int, error) {
	return f.entity, nil
}
func (f *fakeCounts) CountAgentActionsSince(context.Context, uuid.UUID, time.Time) (int, error) {
	return 0, nil
}
func (f *fakeCounts) CountWorkspaceActionsSince(context.Context, uuid.UUID, time.Time) (int, error) {
	return 0, nil
}

// fakeClient is a scriptable platform client. Mutations update live state so
// the verification re-fetch observes them, unless ignoreMutations simulates a
// platform that accepts the call without applying it.
type fakeClient struct {
	provider        model.Provider
	campaignsOnly   bool
	live            platform.LiveState
	healthErr       error
	ignoreMutations bool

	budgetUpdates []int64
	statusUpdates []string
}

func (c *fakeClient) Provider() model.Provider { return c.provider }

func (c *fakeClient) Supports(level model.EntityLevel) bool {
	if c.campaignsOnly {
		return level == model.LevelCampaign
	}
	return true
}

func (c *fakeClient) HealthCheck(context.Context, model.Connection) error { return c.healthErr }

func (c *fakeClient) GetLiveState(context.Context, model.Connection, model.Entity) (platform.LiveState, error) {
	return c.live, nil
}

func (c *fakeClient) UpdateStatus(_ context.Context, _ model.Connection, _ model.Entity, status string) error {
	c.statusUpdates = append(c.statusUpdates, status)
	if !c.ignoreMutations {
		c.live.Status = status
	}
	return nil
}

func (c *fakeClient) UpdateBudget(_ context.Context, _ model.Connection, _ model.Entity, native int64) error {
	c.budgetUpdates = append(c.budgetUpdates, native)
	if !c.ignoreMutations {
		c.live.DailyBudget = c.BudgetFromNative(native)
	}
	return nil
}

func (c *fakeClient) NativeBudget(major float64) int64 { return int64(major * 100) }
func (c *fakeClient) BudgetFromNative(n int64) float64 { return float64(n) / 100 }

type fixture struct {
	dispatcher *Dispatcher
	client     *fakeClient
	email      *fakeEmail
	webhook    *fakeWebhook
	counts     *fakeCounts
}

func newFixture(client *fakeClient) *fixture {
	f := &fixture{
		client:  client,
		email:   &fakeEmail{},
		webhook: &fakeWebhook{},
		counts:  &fakeCounts{},
	}
	logger := testutil.TestLogger()
	connID := uuid.New()
	f.dispatcher = New(
		platform.NewRegistry(client),
		platform.NewChecker(time.Minute, logger),
		guard.NewRateLimiter(f.counts, guard.Limits{}, logger),
		f.email,
		f.webhook,
		&fakeConns{conn: model.Connection{
			ID: connID, Provider: client.provider,
			Status: model.ConnectionActive, CredentialRef: "ref",
		}},
		logger,
	)
	return f
}

func metaEntity() *model.Entity {
	connID := uuid.New()
	return &model.Entity{
		ID: uuid.New(), ConnectionID: &connID,
		Provider: model.ProviderMeta, Level: model.LevelCampaign,
		ExternalID: "42", Name: "Summer Sale", Status: model.EntityStatusActive,
	}
}

func targetFor(entity *model.Entity, actions ...model.ActionConfig) Target {
	agent := model.Agent{ID: uuid.New(), WorkspaceID: uuid.New(), Name: "watcher", Actions: actions}
	t := Target{
		Agent:         agent,
		Entity:        entity,
		Observations:  model.Observations{"spend": 600, "roas": 0.85},
		TriggerReason: "accumulation complete",
	}
	if entity != nil {
		t.EntityID = entity.ID.String()
	} else {
		t.EntityID = model.AggregateEntityID(agent.ID)
	}
	return t
}

func TestNotifyRendersTemplate(t *testing.T) {
	f := newFixture(&fakeClient{provider: model.ProviderMeta})
	entity := metaEntity()
	target := targetFor(entity, model.ActionConfig{
		Type:       model.ActionNotify,
		Recipients: []string{"ops@example.com"},
		Subject:    "{{agent.name}}: {{entity.name}}",
		Message:    "spend hit {{metric.spend}}, roas {{metric.roas}}, unknown {{metric.nope}}",
	})

	results, blocked := f.dispatcher.Execute(context.Background(), target, time.Now())
	require.Len(t, results, 1)
	assert.False(t, blocked)
	assert.True(t, results[0].Success)

	require.Len(t, f.email.sent, 1)
	assert.Equal(t, "watcher: Summer Sale", f.email.sent[0].Subject)
	assert.Equal(t, "spend hit 600, roas 0.85, unknown {{metric.nope}}", f.email.sent[0].Body)
}

func TestFailedActionDoesNotAbortBatch(t *testing.T) {
	f := newFixture(&fakeClient{provider: model.ProviderMeta})
	f.webhook.err = assert.AnError
	target := targetFor(metaEntity(),
		model.ActionConfig{Type: model.ActionWebhook, URL: "https://hooks.example.com/x"},
		model.ActionConfig{Type: model.ActionNotify, Recipients: []string{"ops@example.com"}},
	)

	results, _ := f.dispatcher.Execute(context.Background(), target, time.Now())
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].Error)
	assert.True(t, results[1].Success)
	assert.Len(t, f.email.sent, 1)
}

func TestScaleBudgetPipeline(t *testing.T) {
	client := &fakeClient{
		provider: model.ProviderMeta,
		live:     platform.LiveState{Status: model.EntityStatusActive, DailyBudget: 100},
	}
	f := newFixture(client)
	target := targetFor(metaEntity(), model.ActionConfig{
		Type: model.ActionScaleBudget, ScalePercent: 20,
	})

	results, blocked := f.dispatcher.Execute(context.Background(), target, time.Now())
	require.Len(t, results, 1)
	res := results[0]

	assert.False(t, blocked)
	assert.True(t, res.Success)
	assert.False(t, res.Skipped)
	require.Len(t, client.budgetUpdates, 1)
	assert.Equal(t, int64(12000), client.budgetUpdates[0]) // 120.00 in cents

	assert.InDelta(t, 100.0, res.StateBefore["daily_budget"].(float64), 0.001)
	assert.InDelta(t, 120.0, res.StateAfter["daily_budget"].(float64), 0.001)
	assert.True(t, res.RollbackPossible)
	assert.InDelta(t, 100.0, res.Rollback["daily_budget"].(float64), 0.001)
}

func TestScaleBudgetClampsToMax(t *testing.T) {
	client := &fakeClient{
		provider: model.ProviderMeta,
		live:     platform.LiveState{Status: model.EntityStatusActive, DailyBudget: 100},
	}
	f := newFixture(client)
	max := 110.0
	target := targetFor(metaEntity(), model.ActionConfig{
		Type: model.ActionScaleBudget, ScalePercent: 50, MaxBudget: &max,
	})

	results, _ := f.dispatcher.Execute(context.Background(), target, time.Now())
	require.Len(t, client.budgetUpdates, 1)
	assert.Equal(t, int64(11000), client.budgetUpdates[0])
	assert.True(t, results[0].Success)
}

func TestScaleBudgetSkipsInactiveEntity(t *testing.T) {
	client := &fakeClient{
		provider: model.ProviderMeta,
		live:     platform.LiveState{Status: model.EntityStatusPaused, DailyBudget: 100},
	}
	f := newFixture(client)
	target := targetFor(metaEntity(), model.ActionConfig{Type: model.ActionScaleBudget, ScalePercent: 20})

	results, _ := f.dispatcher.Execute(context.Background(), target, time.Now())
	require.Len(t, results, 1)
	assert.True(t, results[0].Skipped)
	assert.Empty(t, client.budgetUpdates)
	assert.Contains(t, results[0].SkipReason, "only active entities")
}

func TestPauseAlreadyPausedIsIdempotent(t *testing.T) {
	client := &fakeClient{
		provider: model.ProviderMeta,
		live:     platform.LiveState{Status: model.EntityStatusPaused, DailyBudget: 50},
	}
	f := newFixture(client)
	target := targetFor(metaEntity(), model.ActionConfig{Type: model.ActionPauseEntity})

	results, _ := f.dispatcher.Execute(context.Background(), target, time.Now())
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.True(t, results[0].Skipped)
	assert.Empty(t, client.statusUpdates)
}

func TestPauseRecordsRollback(t *testing.T) {
	client := &fakeClient{
		provider: model.ProviderMeta,
		live:     platform.LiveState{Status: model.EntityStatusActive, DailyBudget: 50},
	}
	f := newFixture(client)
	target := targetFor(metaEntity(), model.ActionConfig{Type: model.ActionPauseEntity})

	results, _ := f.dispatcher.Execute(context.Background(), target, time.Now())
	res := results[0]
	require.True(t, res.Success)
	assert.Equal(t, []string{model.EntityStatusPaused}, client.statusUpdates)
	assert.Equal(t, model.EntityStatusActive, res.Rollback["status"])
	assert.Equal(t, model.EntityStatusPaused, res.StateAfter["status"])
}

func TestIgnoredBudgetMutationFailsVerification(t *testing.T) {
	client := &fakeClient{
		provider:        model.ProviderMeta,
		ignoreMutations: true,
		live:            platform.LiveState{Status: model.EntityStatusActive, DailyBudget: 100},
	}
	f := newFixture(client)
	target := targetFor(metaEntity(), model.ActionConfig{Type: model.ActionScaleBudget, ScalePercent: 20})

	results, _ := f.dispatcher.Execute(context.Background(), target, time.Now())
	require.Len(t, results, 1)
	res := results[0]

	require.Len(t, client.budgetUpdates, 1)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "verification mismatch")
	assert.InDelta(t, 100.0, res.StateAfter["daily_budget"].(float64), 0.001)
}

func TestIgnoredStatusMutationFailsVerification(t *testing.T) {
	client := &fakeClient{
		provider:        model.ProviderMeta,
		ignoreMutations: true,
		live:            platform.LiveState{Status: model.EntityStatusActive, DailyBudget: 50},
	}
	f := newFixture(client)
	target := targetFor(metaEntity(), model.ActionConfig{Type: model.ActionPauseEntity})

	results, _ := f.dispatcher.Execute(context.Background(), target, time.Now())
	require.Len(t, results, 1)
	res := results[0]

	assert.Equal(t, []string{model.EntityStatusPaused}, client.statusUpdates)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "verification mismatch")
	assert.Equal(t, model.EntityStatusActive, res.StateAfter["status"])
}

func TestRateLimiterBlocksMutation(t *testing.T) {
	client := &fakeClient{
		provider: model.ProviderMeta,
		live:     platform.LiveState{Status: model.EntityStatusActive, DailyBudget: 100},
	}
	f := newFixture(client)
	f.counts.entity = guard.DefaultEntityDailyCap

	target := targetFor(metaEntity(), model.ActionConfig{Type: model.ActionScaleBudget, ScalePercent: 20})
	results, blocked := f.dispatcher.Execute(context.Background(), target, time.Now())

	require.Len(t, results, 1)
	assert.True(t, blocked)
	assert.True(t, results[0].Skipped)
	assert.Contains(t, results[0].SkipReason, "rate limited")
	assert.Empty(t, client.budgetUpdates)
}

func TestMutationOnAggregateScopeSkips(t *testing.T) {
	f := newFixture(&fakeClient{provider: model.ProviderMeta})
	target := targetFor(nil, model.ActionConfig{Type: model.ActionPauseEntity})

	results, _ := f.dispatcher.Execute(context.Background(), target, time.Now())
	require.Len(t, results, 1)
	assert.True(t, results[0].Skipped)
	assert.Contains(t, results[0].SkipReason, "aggregate")
}

func TestMutationWithoutConnectionSkips(t *testing.T) {
	f := newFixture(&fakeClient{provider: model.ProviderMeta})
	entity := metaEntity()
	entity.ConnectionID = nil
	target := targetFor(entity, model.ActionConfig{Type: model.ActionPauseEntity})

	results, _ := f.dispatcher.Execute(context.Background(), target, time.Now())
	assert.True(t, results[0].Skipped)
	assert.Contains(t, results[0].SkipReason, "no platform connection")
}

func TestUnsupportedLevelSkips(t *testing.T) {
	client := &fakeClient{
		provider:      model.ProviderGoogle,
		campaignsOnly: true,
		live:          platform.LiveState{Status: model.EntityStatusActive, DailyBudget: 100},
	}
	f := newFixture(client)
	entity := metaEntity()
	entity.Provider = model.ProviderGoogle
	entity.Level = model.LevelAdSet
	target := targetFor(entity, model.ActionConfig{Type: model.ActionScaleBudget, ScalePercent: 10})

	results, _ := f.dispatcher.Execute(context.Background(), target, time.Now())
	assert.True(t, results[0].Skipped)
	assert.Contains(t, results[0].SkipReason, "does not support")
}

func TestUnhealthyConnectionSkips(t *testing.T) {
	client := &fakeClient{
		provider:  model.ProviderMeta,
		healthErr: assert.AnError,
		live:      platform.LiveState{Status: model.EntityStatusActive, DailyBudget: 100},
	}
	f := newFixture(client)
	target := targetFor(metaEntity(), model.ActionConfig{Type: model.ActionScaleBudget, ScalePercent: 10})

	results, _ := f.dispatcher.Execute(context.Background(), target, time.Now())
	assert.True(t, results[0].Skipped)
	assert.Contains(t, results[0].SkipReason, "connection unhealthy")
	assert.Empty(t, client.budgetUpdates)
}
