// Package rules evaluates aggregated events against the alert rules. The
// pipeline per event is fixed: entity resolution, dedup gate, window
// update, then the rules in priority order with first-match-wins.
package rules

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-flow-alerts/internal/dedup"
	"whale-flow-alerts/internal/domain"
	"whale-flow-alerts/internal/window"
)

// EmitFunc receives every alert the engine fires.
type EmitFunc func(ctx context.Context, alert domain.Alert)

// Options carry the global thresholds and rule toggles.
type Options struct {
	SingleEnabled       bool
	CumulativeEnabled   bool
	SingleThreshold     decimal.Decimal
	CumulativeThreshold decimal.Decimal
}

// Stats counts engine outcomes since start.
type Stats struct {
	Processed       uint64
	Duplicates      uint64
	UnknownEntity   uint64
	SingleFired     uint64
	CumulativeFired uint64
	DedupErrors     uint64
	WindowErrors    uint64
}

// Engine is the alert rule engine. One instance serves the single consumer
// goroutine; Stats may be read concurrently.
type Engine struct {
	opts     Options
	entities map[string]domain.WatchedEntity
	dedup    dedup.Store
	windows  window.Aggregator
	emit     EmitFunc
	logger   zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewEngine builds a rule engine over the watched entity set.
func NewEngine(opts Options, entities []domain.WatchedEntity, ded dedup.Store, win window.Aggregator, emit EmitFunc, logger zerolog.Logger) *Engine {
	byID := make(map[string]domain.WatchedEntity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	return &Engine{
		opts:     opts,
		entities: byID,
		dedup:    ded,
		windows:  win,
		emit:     emit,
		logger:   logger.With().Str("component", "rules").Logger(),
	}
}

// Process runs one aggregated event through the full pipeline. Dedup store
// failures fail open (the event is evaluated anyway); a failed window
// write falls back to the last stored total, and the cumulative rule is
// suppressed only when that read fails too.
func (e *Engine) Process(ctx context.Context, ev domain.AggregatedEvent) {
	entity, ok := e.entities[ev.EntityID]
	if !ok || !entity.Active {
		e.count(func(s *Stats) { s.UnknownEntity++ })
		e.logger.Warn().Str("entity", ev.EntityID).Str("source_id", ev.SourceID).Msg("event for unknown or inactive entity dropped")
		return
	}

	fresh, err := e.dedup.MarkIfNew(ctx, ev.SourceID)
	if err != nil {
		// a flaky marker store must not silence alerts
		e.count(func(s *Stats) { s.DedupErrors++ })
		e.logger.Error().Err(err).Str("source_id", ev.SourceID).Msg("dedup store unavailable; treating event as new")
		fresh = true
	}
	if !fresh {
		e.count(func(s *Stats) { s.Duplicates++ })
		e.logger.Debug().Str("source_id", ev.SourceID).Msg("duplicate event skipped")
		return
	}

	cumulative, cumOK := decimal.Zero, true
	cumulative, err = e.windows.Update(ctx, ev.EntityID, ev.Direction, ev.Amount, ev.OccurredAt)
	if err != nil {
		e.count(func(s *Stats) { s.WindowErrors++ })
		// the write failed but the stored total is still current; this
		// event's amount is added on top so a whale already over the
		// threshold is not downgraded to a single alert
		last, readErr := e.windows.Read(ctx, ev.EntityID, ev.Direction)
		if readErr != nil {
			e.logger.Error().Err(err).Str("entity", ev.EntityID).Msg("window store unavailable; cumulative rule skipped for this event")
			cumOK = false
		} else {
			cumulative = last.Add(ev.Amount)
			e.logger.Error().Err(err).Str("entity", ev.EntityID).Msg("window update failed; evaluating cumulative rule on last stored total")
		}
	}

	e.count(func(s *Stats) { s.Processed++ })

	single, cumul := e.resolveThresholds(entity)

	// priority order; the first rule that fires consumes the event
	if cumOK && e.opts.CumulativeEnabled && cumulative.GreaterThanOrEqual(cumul) {
		e.fire(ctx, domain.Alert{
			EntityID:         entity.ID,
			EntityLabel:      entity.Label,
			Rule:             domain.RuleCumulative,
			Kind:             ev.Kind,
			Direction:        ev.Direction,
			Asset:            ev.Asset,
			TriggeringAmount: ev.Amount,
			CumulativeAmount: cumulative,
			Threshold:        cumul,
			SourceID:         ev.SourceID,
			OccurredAt:       ev.OccurredAt,
		})
		e.count(func(s *Stats) { s.CumulativeFired++ })
		return
	}

	if e.opts.SingleEnabled && ev.Amount.GreaterThanOrEqual(single) {
		e.fire(ctx, domain.Alert{
			EntityID:         entity.ID,
			EntityLabel:      entity.Label,
			Rule:             domain.RuleSingle,
			Kind:             ev.Kind,
			Direction:        ev.Direction,
			Asset:            ev.Asset,
			TriggeringAmount: ev.Amount,
			Threshold:        single,
			SourceID:         ev.SourceID,
			OccurredAt:       ev.OccurredAt,
		})
		e.count(func(s *Stats) { s.SingleFired++ })
	}
}

// resolveThresholds applies per-entity overrides over the global values.
func (e *Engine) resolveThresholds(entity domain.WatchedEntity) (single, cumulative decimal.Decimal) {
	single = e.opts.SingleThreshold
	cumulative = e.opts.CumulativeThreshold
	if entity.Thresholds.Single != nil {
		single = *entity.Thresholds.Single
	}
	if entity.Thresholds.Cumulative != nil {
		cumulative = *entity.Thresholds.Cumulative
	}
	return single, cumulative
}

func (e *Engine) fire(ctx context.Context, alert domain.Alert) {
	e.logger.Info().
		Str("entity", alert.EntityID).
		Str("rule", string(alert.Rule)).
		Str("asset", alert.Asset).
		Str("amount", alert.TriggeringAmount.StringFixed(2)).
		Str("threshold", alert.Threshold.StringFixed(2)).
		Msg("alert fired")
	e.emit(ctx, alert)
}

func (e *Engine) count(apply func(*Stats)) {
	e.mu.Lock()
	apply(&e.stats)
	e.mu.Unlock()
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
