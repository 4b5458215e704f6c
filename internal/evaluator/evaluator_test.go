package evaluator

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanshi-ai/kanshi/internal/model"
)

func TestThresholdOperators(t *testing.T) {
	e := New()
	obs := model.Observations{"spend": 100}

	cases := []struct {
		op    model.Operator
		value float64
		want  bool
	}{
		{model.OpGT, 99, true},
		{model.OpGT, 100, false},
		{model.OpGTE, 100, true},
		{model.OpLT, 101, true},
		{model.OpLT, 100, false},
		{model.OpLTE, 100, true},
		{model.OpEQ, 100, true},
		{model.OpEQ, 100.5, false},
		{model.OpNEQ, 100, false},
		{model.OpNEQ, 99, true},
	}
	for _, tc := range cases {
		res, err := e.Evaluate(model.ThresholdCondition{
			Metric: "spend", Operator: tc.op, Value: tc.value,
		}, obs, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.Met, "spend=100 %s %v", tc.op, tc.value)
	}
}

func TestThresholdEqualityUsesEpsilon(t *testing.T) {
	e := New()
	// 0.1+0.2 != 0.3 exactly in float64; epsilon comparison must absorb it.
	obs := model.Observations{"ctr": 0.1 + 0.2}

	res, err := e.Evaluate(model.ThresholdCondition{
		Metric: "ctr", Operator: model.OpEQ, Value: 0.3,
	}, obs, nil)
	require.NoError(t, err)
	assert.True(t, res.Met)
}

func TestThresholdMissingMetricFailsClosed(t *testing.T) {
	e := New()
	res, err := e.Evaluate(model.ThresholdCondition{
		Metric: "roas", Operator: model.OpGT, Value: 1,
	}, model.Observations{"spend": 10}, nil)
	require.NoError(t, err)
	assert.False(t, res.Met)
	assert.Contains(t, res.Explanation, "not available")
}

func historyDays(metric string, values map[string]float64) model.History {
	h := model.History{}
	for date, v := range values {
		h[date] = model.Observations{metric: v}
	}
	return h
}

func TestChangePreviousDay(t *testing.T) {
	e := New()
	history := historyDays("spend", map[string]float64{
		"2026-08-20": 80,
		"2026-08-21": 100,
	})
	obs := model.Observations{"spend": 150}

	res, err := e.Evaluate(model.ChangeCondition{
		Metric: "spend", ReferencePeriod: model.RefPreviousDay,
		Direction: model.DirIncrease, PercentThreshold: 40,
	}, obs, history)
	require.NoError(t, err)
	assert.True(t, res.Met) // +50% vs most recent bucket (100)
	assert.InDelta(t, 50.0, res.Inputs["percent_change"].(float64), 0.001)
	assert.Equal(t, "2026-08-21", res.Inputs["reference_date"])
}

func TestChangePreviousWeek(t *testing.T) {
	e := New()
	history := model.History{}
	// 8 buckets, 2026-08-15 through 2026-08-22; 7 back from the latest is 08-16.
	for i, v := range []float64{10, 20, 30, 40, 50, 60, 70, 80} {
		history[fmt.Sprintf("2026-08-%02d", 15+i)] = model.Observations{"revenue": v}
	}
	obs := model.Observations{"revenue": 5}

	res, err := e.Evaluate(model.ChangeCondition{
		Metric: "revenue", ReferencePeriod: model.RefPreviousWeek,
		Direction: model.DirDecrease, PercentThreshold: 50,
	}, obs, history)
	require.NoError(t, err)
	assert.True(t, res.Met)
	assert.Equal(t, "2026-08-16", res.Inputs["reference_date"])
}

func TestChangePreviousWeekInsufficientHistory(t *testing.T) {
	e := New()
	history := historyDays("spend", map[string]float64{"2026-08-21": 100})

	res, err := e.Evaluate(model.ChangeCondition{
		Metric: "spend", ReferencePeriod: model.RefPreviousWeek,
		Direction: model.DirAny, PercentThreshold: 1,
	}, model.Observations{"spend": 200}, history)
	require.NoError(t, err)
	assert.False(t, res.Met)
	assert.Contains(t, res.Explanation, "no historical data")
}

func TestChangePreviousPeriodUsesEarliestBucket(t *testing.T) {
	e := New()
	history := historyDays("spend", map[string]float64{
		"2026-08-01": 50,
		"2026-08-15": 90,
		"2026-08-21": 100,
	})

	res, err := e.Evaluate(model.ChangeCondition{
		Metric: "spend", ReferencePeriod: model.RefPreviousPeriod,
		Direction: model.DirIncrease, PercentThreshold: 100,
	}, model.Observations{"spend": 100}, history)
	require.NoError(t, err)
	assert.True(t, res.Met) // +100% vs earliest bucket (50)
	assert.Equal(t, "2026-08-01", res.Inputs["reference_date"])
}

func TestChangeZeroReference(t *testing.T) {
	e := New()
	history := historyDays("conversions", map[string]float64{"2026-08-21": 0})

	res, err := e.Evaluate(model.ChangeCondition{
		Metric: "conversions", ReferencePeriod: model.RefPreviousDay,
		Direction: model.DirIncrease, PercentThreshold: 10,
	}, model.Observations{"conversions": 3}, history)
	require.NoError(t, err)
	assert.True(t, res.Met)
	assert.True(t, math.IsInf(res.Inputs["percent_change"].(float64), 1))

	// Zero to zero is 0% change.
	res, err = e.Evaluate(model.ChangeCondition{
		Metric: "conversions", ReferencePeriod: model.RefPreviousDay,
		Direction: model.DirAny, PercentThreshold: 1,
	}, model.Observations{"conversions": 0}, history)
	require.NoError(t, err)
	assert.False(t, res.Met)
}

func TestChangeDirectionFilter(t *testing.T) {
	e := New()
	history := historyDays("spend", map[string]float64{"2026-08-21": 100})
	obs := model.Observations{"spend": 150} // +50%

	// Decrease filter must not match an increase.
	res, err := e.Evaluate(model.ChangeCondition{
		Metric: "spend", ReferencePeriod: model.RefPreviousDay,
		Direction: model.DirDecrease, PercentThreshold: 20,
	}, obs, history)
	require.NoError(t, err)
	assert.False(t, res.Met)

	// Any matches either sign.
	res, err = e.Evaluate(model.ChangeCondition{
		Metric: "spend", ReferencePeriod: model.RefPreviousDay,
		Direction: model.DirAny, PercentThreshold: 20,
	}, obs, history)
	require.NoError(t, err)
	assert.True(t, res.Met)
}

func TestCompositeAndSurfacesFailures(t *testing.T) {
	e := New()
	obs := model.Observations{"spend": 100, "roas": 2.0}

	res, err := e.Evaluate(model.CompositeCondition{
		Operator: model.CompositeAnd,
		Children: []model.Condition{
			model.ThresholdCondition{Metric: "spend", Operator: model.OpGT, Value: 50},
			model.ThresholdCondition{Metric: "roas", Operator: model.OpLT, Value: 1},
		},
	}, obs, nil)
	require.NoError(t, err)
	assert.False(t, res.Met)
	assert.Contains(t, res.Explanation, "roas")
	assert.NotContains(t, res.Explanation, "spend=100 gt 50")
}

func TestCompositeOrSurfacesPasses(t *testing.T) {
	e := New()
	obs := model.Observations{"spend": 100, "roas": 2.0}

	res, err := e.Evaluate(model.CompositeCondition{
		Operator: model.CompositeOr,
		Children: []model.Condition{
			model.ThresholdCondition{Metric: "spend", Operator: model.OpGT, Value: 50},
			model.ThresholdCondition{Metric: "roas", Operator: model.OpLT, Value: 1},
		},
	}, obs, nil)
	require.NoError(t, err)
	assert.True(t, res.Met)
	assert.Contains(t, res.Explanation, "spend")
}

func TestNotNegatesChild(t *testing.T) {
	e := New()
	obs := model.Observations{"spend": 100}

	res, err := e.Evaluate(model.NotCondition{
		Child: model.ThresholdCondition{Metric: "spend", Operator: model.OpGT, Value: 50},
	}, obs, nil)
	require.NoError(t, err)
	assert.False(t, res.Met)

	res, err = e.Evaluate(model.NotCondition{
		Child: model.ThresholdCondition{Metric: "spend", Operator: model.OpGT, Value: 500},
	}, obs, nil)
	require.NoError(t, err)
	assert.True(t, res.Met)
}

func TestNestedCompositeTree(t *testing.T) {
	e := New()
	obs := model.Observations{"spend": 600, "roas": 0.8, "clicks": 10}

	// spend > 500 AND (roas < 1 OR clicks > 100)
	res, err := e.Evaluate(model.CompositeCondition{
		Operator: model.CompositeAnd,
		Children: []model.Condition{
			model.ThresholdCondition{Metric: "spend", Operator: model.OpGT, Value: 500},
			model.CompositeCondition{
				Operator: model.CompositeOr,
				Children: []model.Condition{
					model.ThresholdCondition{Metric: "roas", Operator: model.OpLT, Value: 1},
					model.ThresholdCondition{Metric: "clicks", Operator: model.OpGT, Value: 100},
				},
			},
		},
	}, obs, nil)
	require.NoError(t, err)
	assert.True(t, res.Met)
}
