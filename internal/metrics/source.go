// Package metrics resolves observation data for evaluations: the current
// metric set for an entity (or an aggregate scope) plus per-date history for
// change conditions.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kanshi-ai/kanshi/internal/model"
)

// historyLookbackDays bounds how far back change-condition history reaches.
const historyLookbackDays = 30

// ObservationStore is the slice of the storage layer this package needs.
type ObservationStore interface {
	LatestObservations(ctx context.Context, entityIDs []uuid.UUID, date time.Time) (map[uuid.UUID]model.Observations, error)
	ObservationHistories(ctx context.Context, entityIDs []uuid.UUID, rng model.DateRange) (map[uuid.UUID]model.History, error)
}

// Source reads observation snapshots and prepares them for evaluation.
type Source struct {
	store  ObservationStore
	logger *slog.Logger
}

// NewSource creates a metric observation source.
func NewSource(store ObservationStore, logger *slog.Logger) *Source {
	return &Source{store: store, logger: logger}
}

// Current returns today's latest observations for one entity with derived
// ratios filled in. A missing snapshot yields an empty set, not an error;
// threshold conditions fail closed on missing metrics.
func (s *Source) Current(ctx context.Context, entityID uuid.UUID, now time.Time) (model.Observations, error) {
	latest, err := s.store.LatestObservations(ctx, []uuid.UUID{entityID}, dateOf(now))
	if err != nil {
		return nil, fmt.Errorf("metrics: current observations: %w", err)
	}
	obs, ok := latest[entityID]
	if !ok {
		return model.Observations{}, nil
	}
	return obs.WithDerived(), nil
}

// CurrentAggregate sums today's latest snapshot of every entity in scope,
// then derives ratio metrics from the sums. Ratios are never averaged
// across entities.
func (s *Source) CurrentAggregate(ctx context.Context, entityIDs []uuid.UUID, now time.Time) (model.Observations, error) {
	latest, err := s.store.LatestObservations(ctx, entityIDs, dateOf(now))
	if err != nil {
		return nil, fmt.Errorf("metrics: aggregate observations: %w", err)
	}
	sum := model.Observations{}
	for _, obs := range latest {
		addBaseMetrics(sum, obs)
	}
	return sum.WithDerived(), nil
}

// History returns per-date observations for one entity over the lookback
// window, derived ratios included per date.
func (s *Source) History(ctx context.Context, entityID uuid.UUID, now time.Time) (model.History, error) {
	histories, err := s.store.ObservationHistories(ctx, []uuid.UUID{entityID}, model.LastNDays(now, historyLookbackDays))
	if err != nil {
		return nil, fmt.Errorf("metrics: history: %w", err)
	}
	h := histories[entityID]
	out := make(model.History, len(h))
	for date, obs := range h {
		out[date] = obs.WithDerived()
	}
	return out, nil
}

// HistoryAggregate sums each date's latest snapshots across the scope, then
// derives ratios per date.
func (s *Source) HistoryAggregate(ctx context.Context, entityIDs []uuid.UUID, now time.Time) (model.History, error) {
	histories, err := s.store.ObservationHistories(ctx, entityIDs, model.LastNDays(now, historyLookbackDays))
	if err != nil {
		return nil, fmt.Errorf("metrics: aggregate history: %w", err)
	}
	sums := model.History{}
	for _, h := range histories {
		for date, obs := range h {
			daily, ok := sums[date]
			if !ok {
				daily = model.Observations{}
				sums[date] = daily
			}
			addBaseMetrics(daily, obs)
		}
	}
	for date, obs := range sums {
		sums[date] = obs.WithDerived()
	}
	return sums, nil
}

// addBaseMetrics accumulates additive metrics into dst. Ratio metrics are
// dropped; they are recomputed from the sums afterwards because an average
// of per-entity ratios is not the scope's ratio.
func addBaseMetrics(dst, src model.Observations) {
	for k, v := range src {
		switch k {
		case model.MetricROAS, model.MetricCPC, model.MetricCTR:
			continue
		}
		dst[k] += v
	}
}

func dateOf(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}
