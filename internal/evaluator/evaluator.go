// Package evaluator evaluates condition trees against metric observations.
//
// Evaluation is fail-closed and never returns an error for expected
// situations: a missing metric or missing historical reference produces
// met=false with an explanation, not a failure. The returned inputs map
// records exactly what the decision was based on, for the audit trail.
package evaluator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kanshi-ai/kanshi/internal/model"
)

// Epsilon is the tolerance for eq/neq float comparisons. An explicit
// constant keeps equality semantics stable across serialization formats.
const Epsilon = 1e-9

// Result is the outcome of evaluating one condition tree.
type Result struct {
	Met         bool
	Explanation string
	Inputs      map[string]any
}

// Evaluator evaluates condition trees. Stateless and safe for concurrent use.
type Evaluator struct{}

// New creates an evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

// Evaluate walks the condition tree against current observations and
// per-date history. Unknown variants are the only error path; they
// indicate a decode bug, not a data problem.
func (e *Evaluator) Evaluate(cond model.Condition, obs model.Observations, history model.History) (Result, error) {
	switch c := cond.(type) {
	case model.ThresholdCondition:
		return e.evalThreshold(c, obs), nil
	case model.ChangeCondition:
		return e.evalChange(c, obs, history), nil
	case model.CompositeCondition:
		return e.evalComposite(c, obs, history)
	case model.NotCondition:
		inner, err := e.Evaluate(c.Child, obs, history)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Met:         !inner.Met,
			Explanation: fmt.Sprintf("not(%s)", inner.Explanation),
			Inputs:      inner.Inputs,
		}, nil
	default:
		return Result{}, fmt.Errorf("evaluator: unknown condition type %T", cond)
	}
}

func (e *Evaluator) evalThreshold(c model.ThresholdCondition, obs model.Observations) Result {
	value, ok := obs.Get(c.Metric)
	if !ok {
		return Result{
			Met:         false,
			Explanation: fmt.Sprintf("metric %q not available", c.Metric),
			Inputs:      map[string]any{"metric": c.Metric},
		}
	}

	var met bool
	switch c.Operator {
	case model.OpGT:
		met = value > c.Value
	case model.OpGTE:
		met = value >= c.Value
	case model.OpLT:
		met = value < c.Value
	case model.OpLTE:
		met = value <= c.Value
	case model.OpEQ:
		met = math.Abs(value-c.Value) <= Epsilon
	case model.OpNEQ:
		met = math.Abs(value-c.Value) > Epsilon
	}

	return Result{
		Met:         met,
		Explanation: fmt.Sprintf("%s=%.4g %s %.4g is %v", c.Metric, value, c.Operator, c.Value, met),
		Inputs: map[string]any{
			"metric":    c.Metric,
			"value":     value,
			"operator":  string(c.Operator),
			"threshold": c.Value,
		},
	}
}

func (e *Evaluator) evalChange(c model.ChangeCondition, obs model.Observations, history model.History) Result {
	current, ok := obs.Get(c.Metric)
	if !ok {
		return Result{
			Met:         false,
			Explanation: fmt.Sprintf("metric %q not available", c.Metric),
			Inputs:      map[string]any{"metric": c.Metric},
		}
	}

	reference, refDate, ok := referenceValue(c, history)
	if !ok {
		return Result{
			Met:         false,
			Explanation: fmt.Sprintf("no historical data for %q (%s)", c.Metric, c.ReferencePeriod),
			Inputs:      map[string]any{"metric": c.Metric, "current": current},
		}
	}

	change := percentChange(current, reference)
	met := changeMeets(change, c.Direction, c.PercentThreshold)

	return Result{
		Met: met,
		Explanation: fmt.Sprintf("%s changed %.2f%% vs %s (%.4g -> %.4g), %s threshold %.2f%% is %v",
			c.Metric, change, refDate, reference, current, c.Direction, c.PercentThreshold, met),
		Inputs: map[string]any{
			"metric":         c.Metric,
			"current":        current,
			"reference":      reference,
			"reference_date": refDate,
			"percent_change": change,
			"direction":      string(c.Direction),
			"threshold":      c.PercentThreshold,
		},
	}
}

// referenceValue picks the comparison value from history per the configured
// reference period. History keys are "2006-01-02" dates; sorting them gives
// chronological order.
func referenceValue(c model.ChangeCondition, history model.History) (value float64, date string, ok bool) {
	if len(history) == 0 {
		return 0, "", false
	}

	dates := make([]string, 0, len(history))
	for d := range history {
		if _, present := history[d].Get(c.Metric); present {
			dates = append(dates, d)
		}
	}
	if len(dates) == 0 {
		return 0, "", false
	}
	sort.Strings(dates)

	var refDate string
	switch c.ReferencePeriod {
	case model.RefPreviousDay:
		refDate = dates[len(dates)-1]
	case model.RefPreviousWeek:
		if len(dates) < 7 {
			return 0, "", false
		}
		refDate = dates[len(dates)-7]
	case model.RefPreviousPeriod:
		refDate = dates[0]
	default:
		return 0, "", false
	}

	v, _ := history[refDate].Get(c.Metric)
	return v, refDate, true
}

// percentChange computes (current-reference)/|reference|*100. A zero
// reference maps to +Inf, -Inf, or 0 depending on the current sign, so a
// metric appearing from nothing registers as an infinite increase rather
// than a division error.
func percentChange(current, reference float64) float64 {
	if reference == 0 {
		switch {
		case current > 0:
			return math.Inf(1)
		case current < 0:
			return math.Inf(-1)
		default:
			return 0
		}
	}
	return (current - reference) / math.Abs(reference) * 100
}

func changeMeets(change float64, dir model.ChangeDirection, threshold float64) bool {
	switch dir {
	case model.DirIncrease:
		return change >= threshold
	case model.DirDecrease:
		return change <= -threshold
	default: // any
		return math.Abs(change) >= threshold
	}
}

func (e *Evaluator) evalComposite(c model.CompositeCondition, obs model.Observations, history model.History) (Result, error) {
	inputs := map[string]any{"operator": string(c.Operator)}
	childInputs := make([]map[string]any, 0, len(c.Children))

	var metCount int
	var passing, failing []string
	for _, child := range c.Children {
		res, err := e.Evaluate(child, obs, history)
		if err != nil {
			return Result{}, err
		}
		childInputs = append(childInputs, res.Inputs)
		if res.Met {
			metCount++
			passing = append(passing, res.Explanation)
		} else {
			failing = append(failing, res.Explanation)
		}
	}
	inputs["children"] = childInputs

	var met bool
	var explanation string
	switch c.Operator {
	case model.CompositeAnd:
		met = metCount == len(c.Children)
		if met {
			explanation = fmt.Sprintf("all %d conditions met: %s", len(c.Children), strings.Join(passing, "; "))
		} else {
			// Surface what blocked the AND.
			explanation = fmt.Sprintf("%d of %d conditions failed: %s", len(failing), len(c.Children), strings.Join(failing, "; "))
		}
	case model.CompositeOr:
		met = metCount > 0
		if met {
			// Surface what satisfied the OR.
			explanation = fmt.Sprintf("%d of %d conditions met: %s", metCount, len(c.Children), strings.Join(passing, "; "))
		} else {
			explanation = fmt.Sprintf("none of %d conditions met: %s", len(c.Children), strings.Join(failing, "; "))
		}
	}

	return Result{Met: met, Explanation: explanation, Inputs: inputs}, nil
}
