// Package orchestrator drives evaluation cycles: which agents are due,
// which entities they watch, condition evaluation, state machine
// transitions, action dispatch, and the event trail. Per-(agent, entity)
// pairs are serialized; entities within an agent are evaluated concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kanshi-ai/kanshi/internal/dispatch"
	"github.com/kanshi-ai/kanshi/internal/evaluator"
	"github.com/kanshi-ai/kanshi/internal/guard"
	"github.com/kanshi-ai/kanshi/internal/model"
	"github.com/kanshi-ai/kanshi/internal/statemachine"
	"github.com/kanshi-ai/kanshi/internal/storage"
	"github.com/kanshi-ai/kanshi/internal/telemetry"
)

// Store is the slice of the storage layer the orchestrator uses.
type Store interface {
	ListActiveAgents(ctx context.Context) ([]model.Agent, error)
	ListEntitiesByScope(ctx context.Context, workspaceID uuid.UUID, scope model.Scope) ([]model.Entity, error)
	GetEntityState(ctx context.Context, agentID uuid.UUID, entityID string) (model.EntityState, error)
	UpsertEntityState(ctx context.Context, s model.EntityState) error
	InsertEvaluationEvent(ctx context.Context, e model.EvaluationEvent) error
	InsertActionExecutions(ctx context.Context, records []model.ActionExecutionRecord) error
	MarkAgentEvaluated(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkAgentTriggered(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordAgentError(ctx context.Context, id uuid.UUID, message string) (int, error)
	ClearAgentErrors(ctx context.Context, id uuid.UUID) error
	SetAgentStatus(ctx context.Context, workspaceID, id uuid.UUID, status model.AgentStatus) error
}

// ObservationSource resolves current and historical metrics.
type ObservationSource interface {
	Current(ctx context.Context, entityID uuid.UUID, now time.Time) (model.Observations, error)
	CurrentAggregate(ctx context.Context, entityIDs []uuid.UUID, now time.Time) (model.Observations, error)
	History(ctx context.Context, entityID uuid.UUID, now time.Time) (model.History, error)
	HistoryAggregate(ctx context.Context, entityIDs []uuid.UUID, now time.Time) (model.History, error)
}

// ActionRunner executes a triggered unit's action batch.
type ActionRunner interface {
	Execute(ctx context.Context, target dispatch.Target, now time.Time) ([]model.ActionResult, bool)
}

// Breaker is the circuit breaker surface the orchestrator consults.
type Breaker interface {
	Check(ctx context.Context, agent model.Agent, now time.Time) (guard.Verdict, error)
	CheckROAS(history model.History, lastTriggeredAt *time.Time) guard.Verdict
}

// Config tunes the orchestrator. Zero values select defaults.
type Config struct {
	CycleInterval       time.Duration // default 1m
	Concurrency         int           // per-agent entity concurrency, default 8
	AgentErrorThreshold int           // agent-pass failures before error status, default 5
	EntityErrorLimit    int           // unit failures before machine ERROR, default 5
}

func (c Config) withDefaults() Config {
	if c.CycleInterval <= 0 {
		c.CycleInterval = time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.AgentErrorThreshold <= 0 {
		c.AgentErrorThreshold = 5
	}
	if c.EntityErrorLimit <= 0 {
		c.EntityErrorLimit = 5
	}
	return c
}

// Orchestrator runs the evaluation control loop.
type Orchestrator struct {
	store   Store
	obs     ObservationSource
	runner  ActionRunner
	breaker Breaker
	eval    *evaluator.Evaluator
	cfg     Config
	locks   *pairLocks
	metrics *telemetry.EngineMetrics
	logger  *slog.Logger
}

// New creates an orchestrator.
func New(
	store Store,
	obs ObservationSource,
	runner ActionRunner,
	breaker Breaker,
	cfg Config,
	metrics *telemetry.EngineMetrics,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:   store,
		obs:     obs,
		runner:  runner,
		breaker: breaker,
		eval:    evaluator.New(),
		cfg:     cfg.withDefaults(),
		locks:   newPairLocks(),
		metrics: metrics,
		logger:  logger,
	}
}

// Run executes cycles on the configured interval until the context is
// cancelled. In-flight evaluations finish before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()

	o.RunCycle(ctx, time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.RunCycle(ctx, time.Now().UTC())
		}
	}
}

// RunCycle evaluates every due agent once. Agent failures are contained:
// one broken agent never stops the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, now time.Time) {
	start := time.Now()
	agents, err := o.store.ListActiveAgents(ctx)
	if err != nil {
		o.logger.Error("cycle aborted, cannot list agents", "error", err)
		return
	}

	evaluated := 0
	for _, agent := range agents {
		due, err := agentDue(agent, now)
		if err != nil {
			// Broken schedules make the agent never due; the config must be
			// fixed by a human, so log and move on.
			o.logger.Error("invalid agent schedule", "agent_id", agent.ID, "error", err)
			continue
		}
		if !due {
			continue
		}
		evaluated++

		if err := o.evaluateAgent(ctx, agent, now); err != nil {
			o.logger.Error("agent evaluation failed", "agent_id", agent.ID, "error", err)
			count, rerr := o.store.RecordAgentError(ctx, agent.ID, err.Error())
			if rerr != nil {
				o.logger.Error("record agent error", "agent_id", agent.ID, "error", rerr)
				continue
			}
			if count >= o.cfg.AgentErrorThreshold {
				o.logger.Warn("agent error threshold reached, flipping to error status",
					"agent_id", agent.ID, "error_count", count)
				if serr := o.store.SetAgentStatus(ctx, agent.WorkspaceID, agent.ID, model.AgentError); serr != nil {
					o.logger.Error("set agent error status", "agent_id", agent.ID, "error", serr)
				}
			}
		}
	}

	if o.metrics != nil {
		o.metrics.Cycles.Add(ctx, 1)
	}
	o.logger.Info("cycle complete",
		"agents", len(agents), "evaluated", evaluated,
		"duration_ms", time.Since(start).Milliseconds())
}

// evaluateAgent runs one agent's pass: breaker checks, scope resolution,
// then per-entity (or aggregate) unit evaluations. The returned error covers
// agent-level failures only; unit failures are recorded as ERROR events.
func (o *Orchestrator) evaluateAgent(ctx context.Context, agent model.Agent, now time.Time) error {
	verdict, err := o.breaker.Check(ctx, agent, now)
	if err != nil {
		return err
	}
	if verdict.Tripped {
		return o.tripAgent(ctx, agent, verdict)
	}

	entities, err := o.store.ListEntitiesByScope(ctx, agent.WorkspaceID, agent.Scope)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve scope: %w", err)
	}

	if agent.Aggregate {
		if err := o.evaluateAggregate(ctx, agent, entities, now); err != nil {
			return err
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.Concurrency)
		for _, entity := range entities {
			entity := entity
			g.Go(func() error {
				o.evaluateUnit(gctx, agent, &entity, entity.ID.String(), now)
				return nil
			})
		}
		_ = g.Wait()
	}

	if err := o.store.MarkAgentEvaluated(ctx, agent.ID, now); err != nil {
		o.logger.Error("mark agent evaluated", "agent_id", agent.ID, "error", err)
	}
	if err := o.store.ClearAgentErrors(ctx, agent.ID); err != nil {
		o.logger.Error("clear agent errors", "agent_id", agent.ID, "error", err)
	}
	return nil
}

func (o *Orchestrator) evaluateAggregate(ctx context.Context, agent model.Agent, entities []model.Entity, now time.Time) error {
	ids := make([]uuid.UUID, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}

	obs, err := o.obs.CurrentAggregate(ctx, ids, now)
	if err != nil {
		return err
	}
	history, err := o.obs.HistoryAggregate(ctx, ids, now)
	if err != nil {
		return err
	}

	if v := o.breaker.CheckROAS(history, agent.LastTriggeredAt); v.Tripped {
		return o.tripAgent(ctx, agent, v)
	}

	o.evaluateUnitWith(ctx, agent, nil, model.AggregateEntityID(agent.ID), obs, history, now)
	return nil
}

// evaluateUnit fetches one entity's observations and evaluates it. Fetch
// failures are unit errors, not agent errors.
func (o *Orchestrator) evaluateUnit(ctx context.Context, agent model.Agent, entity *model.Entity, entityID string, now time.Time) {
	obs, err := o.obs.Current(ctx, entity.ID, now)
	if err != nil {
		o.recordUnitError(ctx, agent, entityID, now, err)
		return
	}
	history, err := o.obs.History(ctx, entity.ID, now)
	if err != nil {
		o.recordUnitError(ctx, agent, entityID, now, err)
		return
	}
	o.evaluateUnitWith(ctx, agent, entity, entityID, obs, history, now)
}

// evaluateUnitWith runs the full unit pipeline: condition, state machine,
// dispatch, persistence.
func (o *Orchestrator) evaluateUnitWith(
	ctx context.Context,
	agent model.Agent,
	entity *model.Entity,
	entityID string,
	obs model.Observations,
	history model.History,
	now time.Time,
) {
	unlock := o.locks.Lock(agent.ID.String() + "/" + entityID)
	defer unlock()

	start := time.Now()
	if o.metrics != nil {
		o.metrics.Evaluations.Add(ctx, 1)
	}

	st, err := o.store.GetEntityState(ctx, agent.ID, entityID)
	if errors.Is(err, storage.ErrNotFound) {
		st = model.NewEntityState(agent.ID, entityID, now)
	} else if err != nil {
		o.recordUnitError(ctx, agent, entityID, now, err)
		return
	}

	// Post-trigger regression applies per unit: the entity's own history is
	// compared against its own last trigger. Aggregate agents are checked in
	// evaluateAggregate before this point.
	if entity != nil {
		if v := o.breaker.CheckROAS(history, st.LastTriggeredAt); v.Tripped {
			if err := o.tripAgent(ctx, agent, v); err != nil {
				o.logger.Error("pause tripped agent", "agent_id", agent.ID, "error", err)
			}
			return
		}
	}

	event := model.EvaluationEvent{
		ID:                 uuid.New(),
		AgentID:            agent.ID,
		WorkspaceID:        agent.WorkspaceID,
		EntityID:           entityID,
		Observations:       obs,
		AccumulationBefore: st.Accumulation,
		StateBefore:        st.State,
		CreatedAt:          now,
	}

	conditionMet := true
	if agent.SkipCondition {
		event.Explanation = "condition evaluation skipped by configuration"
	} else {
		res, err := o.eval.Evaluate(agent.Condition, obs, history)
		if err != nil {
			o.recordUnitErrorState(ctx, agent, st, event, start, err)
			return
		}
		conditionMet = res.Met
		event.ConditionMet = &res.Met
		event.Explanation = res.Explanation
		event.Inputs = res.Inputs
	}

	out := statemachine.Process(statemachine.Input{
		State:           st.State,
		Accumulation:    st.Accumulation,
		ConditionMet:    conditionMet,
		Now:             now,
		LastTriggeredAt: st.LastTriggeredAt,
		NextEligibleAt:  st.NextEligibleAt,
		Config:          agent.Accumulation,
		Trigger:         agent.Trigger,
	})

	st.State = out.State
	st.Accumulation = out.Accumulation
	st.NextEligibleAt = out.NextEligibleAt
	st.ConsecutiveErrors = 0
	st.LastError = nil
	event.AccumulationAfter = out.Accumulation
	event.StateAfter = out.State
	event.TriggerReason = out.Reason
	event.Result = categorize(out)

	if out.ShouldTrigger {
		target := dispatch.Target{
			Agent:         agent,
			Entity:        entity,
			EntityID:      entityID,
			Observations:  obs,
			TriggerReason: out.Reason,
		}
		results, blocked := o.runner.Execute(ctx, target, now)
		event.ActionResults = results
		if blocked {
			event.Result = model.ResultBlocked
			if o.metrics != nil {
				o.metrics.BlockedActions.Add(ctx, 1)
			}
		}

		triggeredAt := now
		st.LastTriggeredAt = &triggeredAt
		st.TriggerCount++
		if o.metrics != nil {
			o.metrics.Triggers.Add(ctx, 1)
		}
		if err := o.store.MarkAgentTriggered(ctx, agent.ID, now); err != nil {
			o.logger.Error("mark agent triggered", "agent_id", agent.ID, "error", err)
		}

		records := make([]model.ActionExecutionRecord, 0, len(results))
		for i, res := range results {
			cfg := model.ActionConfig{}
			if i < len(agent.Actions) {
				cfg = agent.Actions[i]
			}
			records = append(records, model.RecordFromResult(agent, entityID, event.ID, cfg, res, now))
		}
		if err := o.store.InsertActionExecutions(ctx, records); err != nil {
			o.logger.Error("persist action executions", "agent_id", agent.ID, "error", err)
		}
	}

	event.DurationMs = time.Since(start).Milliseconds()
	event.Summary = summarize(agent, entityID, event)

	o.persistUnit(ctx, st, event)
}

// persistUnit writes the unit's state row and event. Concurrent units under
// the same agent can hit serialization conflicts, so both writes retry
// transient Postgres errors.
func (o *Orchestrator) persistUnit(ctx context.Context, st model.EntityState, event model.EvaluationEvent) {
	if err := storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return o.store.UpsertEntityState(ctx, st)
	}); err != nil {
		o.logger.Error("persist entity state", "agent_id", st.AgentID, "entity_id", st.EntityID, "error", err)
	}
	if err := storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return o.store.InsertEvaluationEvent(ctx, event)
	}); err != nil {
		o.logger.Error("persist evaluation event", "agent_id", st.AgentID, "entity_id", st.EntityID, "error", err)
	}
}

// recordUnitError handles unit failures that happen before any state was
// loaded: the state row is fetched (or created) just to bump the error
// streak.
func (o *Orchestrator) recordUnitError(ctx context.Context, agent model.Agent, entityID string, now time.Time, cause error) {
	unlock := o.locks.Lock(agent.ID.String() + "/" + entityID)
	defer unlock()

	st, err := o.store.GetEntityState(ctx, agent.ID, entityID)
	if errors.Is(err, storage.ErrNotFound) {
		st = model.NewEntityState(agent.ID, entityID, now)
	} else if err != nil {
		o.logger.Error("load entity state for error bookkeeping",
			"agent_id", agent.ID, "entity_id", entityID, "error", err)
		return
	}

	event := model.EvaluationEvent{
		ID:                 uuid.New(),
		AgentID:            agent.ID,
		WorkspaceID:        agent.WorkspaceID,
		EntityID:           entityID,
		AccumulationBefore: st.Accumulation,
		StateBefore:        st.State,
		CreatedAt:          now,
	}
	o.recordUnitErrorState(ctx, agent, st, event, time.Now(), cause)
}

// recordUnitErrorState finalizes a unit failure: error event, consecutive
// error streak, and the terminal ERROR machine state past the limit.
func (o *Orchestrator) recordUnitErrorState(
	ctx context.Context,
	agent model.Agent,
	st model.EntityState,
	event model.EvaluationEvent,
	start time.Time,
	cause error,
) {
	if o.metrics != nil {
		o.metrics.UnitErrors.Add(ctx, 1)
	}

	st.ConsecutiveErrors++
	msg := cause.Error()
	st.LastError = &msg
	if st.ConsecutiveErrors >= o.cfg.EntityErrorLimit {
		st.State = model.StateError
	}

	event.Result = model.ResultError
	event.Error = msg
	event.StateAfter = st.State
	event.AccumulationAfter = st.Accumulation
	event.DurationMs = time.Since(start).Milliseconds()
	event.Summary = fmt.Sprintf("%s: evaluation of %s failed: %s", agent.Name, event.EntityID, msg)

	o.logger.Warn("unit evaluation failed",
		"agent_id", agent.ID, "entity_id", event.EntityID,
		"consecutive_errors", st.ConsecutiveErrors, "error", msg)

	o.persistUnit(ctx, st, event)
}

// tripAgent pauses an agent on a circuit breaker verdict. Resuming is a
// human decision; the engine never un-trips.
func (o *Orchestrator) tripAgent(ctx context.Context, agent model.Agent, v guard.Verdict) error {
	o.logger.Warn("circuit breaker tripped, pausing agent",
		"agent_id", agent.ID, "reason", v.Reason)
	if o.metrics != nil {
		o.metrics.BreakerTrips.Add(ctx, 1)
	}
	if err := o.store.SetAgentStatus(ctx, agent.WorkspaceID, agent.ID, model.AgentPaused); err != nil {
		return fmt.Errorf("orchestrator: pause tripped agent: %w", err)
	}
	return nil
}

func categorize(out statemachine.Output) model.EvaluationResult {
	switch {
	case out.State == model.StateError:
		return model.ResultError
	case out.ShouldTrigger:
		return model.ResultTriggered
	case out.State == model.StateCooldown, out.State == model.StateTriggered:
		// Waiting out a cooldown or a continuous re-fire interval.
		return model.ResultCooldown
	case out.State == model.StateAccumulating:
		return model.ResultAccumulating
	default:
		return model.ResultNotTriggered
	}
}

func summarize(agent model.Agent, entityID string, event model.EvaluationEvent) string {
	switch event.Result {
	case model.ResultTriggered:
		return fmt.Sprintf("%s: triggered on %s (%s)", agent.Name, entityID, event.TriggerReason)
	case model.ResultBlocked:
		return fmt.Sprintf("%s: trigger on %s blocked by safety guard", agent.Name, entityID)
	case model.ResultAccumulating:
		return fmt.Sprintf("%s: %s on %s", agent.Name, event.TriggerReason, entityID)
	case model.ResultCooldown:
		return fmt.Sprintf("%s: %s on %s", agent.Name, event.TriggerReason, entityID)
	default:
		return fmt.Sprintf("%s: %s on %s", agent.Name, event.TriggerReason, entityID)
	}
}
