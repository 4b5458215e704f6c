// Package statemachine implements the per-(agent, entity) accumulation
// state machine.
//
// Process is a pure transition function: it never reads the clock, never
// performs I/O, and given identical inputs produces identical outputs. All
// time flows in through Input.Now so the orchestrator (and tests) control
// it. Accumulation state is advanced only here — no other code path may
// mutate counts or history.
package statemachine

import (
	"fmt"
	"time"

	"github.com/kanshi-ai/kanshi/internal/model"
)

// Input is the full context for one transition.
type Input struct {
	State        model.MachineState
	Accumulation model.AccumulationState
	ConditionMet bool
	Now          time.Time

	LastTriggeredAt *time.Time
	NextEligibleAt  *time.Time

	Config  model.AccumulationConfig
	Trigger model.TriggerConfig
}

// Output is the result of one transition.
type Output struct {
	State          model.MachineState
	Accumulation   model.AccumulationState
	ShouldTrigger  bool
	NextEligibleAt *time.Time
	Reason         string
}

// Process advances the state machine by one evaluation.
func Process(in Input) Output {
	// ERROR is terminal until an external reset.
	if in.State == model.StateError {
		return Output{
			State:          model.StateError,
			Accumulation:   in.Accumulation,
			NextEligibleAt: in.NextEligibleAt,
			Reason:         "machine in error state; manual reset required",
		}
	}

	state := in.State
	acc := in.Accumulation
	nextEligible := in.NextEligibleAt

	if state == model.StateCooldown {
		if nextEligible != nil && in.Now.Before(*nextEligible) {
			return Output{
				State:          model.StateCooldown,
				Accumulation:   acc,
				NextEligibleAt: nextEligible,
				Reason:         fmt.Sprintf("in cooldown until %s", nextEligible.UTC().Format(time.RFC3339)),
			}
		}
		// Cooldown expired: back to watching with a clean slate, then the
		// current evaluation is processed normally so the pair is
		// immediately eligible again.
		state = model.StateWatching
		acc = model.AccumulationState{}
		nextEligible = nil
	}

	if !in.ConditionMet {
		return conditionMiss(in, acc, nextEligible)
	}
	return conditionHit(in, state, acc, nextEligible)
}

// conditionMiss handles a condition_met=false evaluation.
func conditionMiss(in Input, acc model.AccumulationState, nextEligible *time.Time) Output {
	switch in.Config.Mode {
	case model.ModeWithinWindow:
		// History survives a miss (pruned to the window) so the window
		// count can still complete on a later hit.
		acc = acc.PruneHistory(in.Now.Add(-in.Config.Window()))
		acc.Count = len(acc.History)
		if len(acc.History) == 0 {
			acc.StartedAt = nil
		}
	default: // consecutive
		acc = model.AccumulationState{}
	}
	return Output{
		State:          model.StateWatching,
		Accumulation:   acc,
		NextEligibleAt: nextEligible,
		Reason:         "condition not met",
	}
}

// conditionHit handles a condition_met=true evaluation.
func conditionHit(in Input, state model.MachineState, acc model.AccumulationState, nextEligible *time.Time) Output {
	counted := countHit(&acc, in.Config.Unit, in.Now)

	if in.Config.Mode == model.ModeWithinWindow {
		acc = acc.PruneHistory(in.Now.Add(-in.Config.Window()))
		acc.Count = len(acc.History)
	}

	if !accumulationComplete(acc, in.Config) {
		reason := fmt.Sprintf("accumulating %d of %d", acc.Count, in.Config.Required)
		if !counted {
			reason = fmt.Sprintf("accumulating %d of %d (already counted this %s)", acc.Count, in.Config.Required, bucketName(in.Config.Unit))
		}
		return Output{
			State:          model.StateAccumulating,
			Accumulation:   acc,
			NextEligibleAt: nextEligible,
			Reason:         reason,
		}
	}

	// Accumulation complete: trigger mode decides what happens next.
	switch in.Trigger.Mode {
	case model.TriggerContinuous:
		interval := in.Trigger.ContinuousInterval()
		fire := in.LastTriggeredAt == nil || in.Now.Sub(*in.LastTriggeredAt) >= interval
		reason := fmt.Sprintf("accumulation complete (%d of %d), continuous re-fire", acc.Count, in.Config.Required)
		if !fire {
			reason = fmt.Sprintf("continuous interval not elapsed (last fired %s)", in.LastTriggeredAt.UTC().Format(time.RFC3339))
		}
		return Output{
			State:          model.StateTriggered,
			Accumulation:   acc,
			ShouldTrigger:  fire,
			NextEligibleAt: nextEligible,
			Reason:         reason,
		}

	case model.TriggerCooldown:
		next := in.Now.Add(in.Trigger.Cooldown())
		return Output{
			State:          model.StateCooldown,
			Accumulation:   model.AccumulationState{},
			ShouldTrigger:  true,
			NextEligibleAt: &next,
			Reason:         fmt.Sprintf("accumulation complete (%d of %d), cooldown until %s", acc.Count, in.Config.Required, next.UTC().Format(time.RFC3339)),
		}

	default: // once
		if in.Trigger.CooldownMinutes > 0 {
			// Once with an explicit cooldown behaves like cooldown mode.
			next := in.Now.Add(in.Trigger.Cooldown())
			return Output{
				State:          model.StateCooldown,
				Accumulation:   model.AccumulationState{},
				ShouldTrigger:  true,
				NextEligibleAt: &next,
				Reason:         fmt.Sprintf("accumulation complete (%d of %d), cooldown until %s", acc.Count, in.Config.Required, next.UTC().Format(time.RFC3339)),
			}
		}
		return Output{
			State:         model.StateWatching,
			Accumulation:  model.AccumulationState{},
			ShouldTrigger: true,
			Reason:        fmt.Sprintf("accumulation complete (%d of %d)", acc.Count, in.Config.Required),
		}
	}
}

// countHit applies the accumulation unit's dedup rule and advances the
// count/history. Returns false when the hit fell into an already-counted
// hour/day bucket.
func countHit(acc *model.AccumulationState, unit model.AccumulationUnit, now time.Time) bool {
	if !sameBucket(acc.History, unit, now) {
		if acc.StartedAt == nil {
			started := now
			acc.StartedAt = &started
		}
		*acc = acc.AppendHistory(now)
		acc.Count++
		return true
	}
	return false
}

// sameBucket reports whether the newest history entry falls in the same
// dedup bucket as now. Evaluations unit never dedups.
func sameBucket(history []time.Time, unit model.AccumulationUnit, now time.Time) bool {
	if unit == model.UnitEvaluations || len(history) == 0 {
		return false
	}
	last := history[len(history)-1].UTC()
	n := now.UTC()
	switch unit {
	case model.UnitHours:
		return last.Truncate(time.Hour).Equal(n.Truncate(time.Hour))
	case model.UnitDays:
		return last.Truncate(24 * time.Hour).Equal(n.Truncate(24 * time.Hour))
	}
	return false
}

func accumulationComplete(acc model.AccumulationState, cfg model.AccumulationConfig) bool {
	if cfg.Mode == model.ModeWithinWindow {
		return len(acc.History) >= cfg.Required
	}
	return acc.Count >= cfg.Required
}

func bucketName(unit model.AccumulationUnit) string {
	switch unit {
	case model.UnitHours:
		return "hour"
	case model.UnitDays:
		return "day"
	}
	return "evaluation"
}
