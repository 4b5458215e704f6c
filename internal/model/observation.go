package model

import (
	"time"
)

// Well-known metric keys produced by the ingestion pipeline. Observations
// are open maps; these constants just name the common keys.
const (
	MetricSpend       = "spend"
	MetricRevenue     = "revenue"
	MetricImpressions = "impressions"
	MetricClicks      = "clicks"
	MetricConversions = "conversions"
	MetricROAS        = "roas"
	MetricCPC         = "cpc"
	MetricCTR         = "ctr"
)

// Observations is one set of metric values for an entity (or an aggregate
// scope) at evaluation time.
type Observations map[string]float64

// Get returns the value for a metric and whether it is present.
func (o Observations) Get(metric string) (float64, bool) {
	v, ok := o[metric]
	return v, ok
}

// WithDerived returns a copy with ratio metrics (roas, cpc, ctr) computed
// from their base metrics when absent. Ratios must be derived after any
// summation — an average of per-entity ratios is not the scope's ratio.
func (o Observations) WithDerived() Observations {
	out := make(Observations, len(o)+3)
	for k, v := range o {
		out[k] = v
	}
	spend, hasSpend := out[MetricSpend]
	if _, ok := out[MetricROAS]; !ok && hasSpend && spend > 0 {
		if revenue, ok := out[MetricRevenue]; ok {
			out[MetricROAS] = revenue / spend
		}
	}
	clicks, hasClicks := out[MetricClicks]
	if _, ok := out[MetricCPC]; !ok && hasClicks && clicks > 0 && hasSpend {
		out[MetricCPC] = spend / clicks
	}
	if _, ok := out[MetricCTR]; !ok && hasClicks {
		if impressions, ok := out[MetricImpressions]; ok && impressions > 0 {
			out[MetricCTR] = clicks / impressions * 100
		}
	}
	return out
}

// History is per-date observation sets, keyed by date in "2006-01-02" form.
// Used as the reference source for change conditions.
type History map[string]Observations

// DateKey formats a timestamp as a history map key.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// DateRange is a half-open [Start, End) window at date granularity.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// LastNDays returns a range covering the n days ending at now (inclusive
// of today's partial bucket).
func LastNDays(now time.Time, n int) DateRange {
	end := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return DateRange{Start: end.AddDate(0, 0, -n), End: end}
}
