// Package service orchestrates the watch pipeline: pool events flow
// through a bounded queue into one consumer goroutine, which normalizes,
// buffers, and evaluates them.
package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-flow-alerts/internal/alerting"
	"whale-flow-alerts/internal/config"
	"whale-flow-alerts/internal/dedup"
	"whale-flow-alerts/internal/domain"
	"whale-flow-alerts/internal/orderagg"
	"whale-flow-alerts/internal/pool"
	"whale-flow-alerts/internal/rules"
	"whale-flow-alerts/internal/scheduler"
	"whale-flow-alerts/internal/storage"
	"whale-flow-alerts/internal/transport"
	"whale-flow-alerts/internal/window"
)

// EventPool is the slice of the pool manager the watcher drives.
type EventPool interface {
	Start(ctx context.Context, entityIDs []string) error
	Stop()
	Stats() pool.Stats
}

// Deps bundle the watcher's collaborators.
type Deps struct {
	Pool        EventPool
	Dedup       dedup.Store
	Windows     window.Aggregator
	Entities    []domain.WatchedEntity
	AlertStore  storage.AlertStore
	StatusStore storage.StatusStore
	Notifier    alerting.Notifier
	Logger      zerolog.Logger
}

type inbound struct {
	entityID string
	raw      transport.RawEvent
}

// Watcher runs the full pipeline. The pool's subscription handlers are the
// only producers on the queue; a single consumer goroutine owns
// normalization and evaluation, so the engine never needs to be
// re-entrant.
type Watcher struct {
	pool        EventPool
	normalizer  *transport.Normalizer
	buffer      *orderagg.Buffer
	engine      *rules.Engine
	alertStore  storage.AlertStore
	statusStore storage.StatusStore
	notifier    alerting.Notifier
	logger      zerolog.Logger

	entities  []domain.WatchedEntity
	retention time.Duration
	heartbeat time.Duration
	instance  string

	queue   chan inbound
	drain   chan struct{}
	dropped atomic.Uint64
	alerts  atomic.Int64

	ctxMu  sync.Mutex
	runCtx context.Context
}

// New wires the pipeline from configuration and collaborators.
func New(cfg *config.Config, deps Deps) *Watcher {
	logger := deps.Logger.With().Str("component", "watcher").Logger()

	hostname, _ := os.Hostname()
	instance := cfg.App.Name
	if hostname != "" {
		instance = fmt.Sprintf("%s@%s", cfg.App.Name, hostname)
	}

	w := &Watcher{
		pool:        deps.Pool,
		alertStore:  deps.AlertStore,
		statusStore: deps.StatusStore,
		notifier:    deps.Notifier,
		logger:      logger,
		entities:    deps.Entities,
		retention:   cfg.Status.AlertRetention,
		heartbeat:   cfg.Status.HeartbeatInterval,
		instance:    instance,
		queue:       make(chan inbound, cfg.Pool.QueueSize),
		drain:       make(chan struct{}),
		runCtx:      context.Background(),
	}

	w.normalizer = transport.NewNormalizer(cfg.Exchange.WatchedAssets, deps.Logger)
	w.engine = rules.NewEngine(rules.Options{
		SingleEnabled:       cfg.Alerting.Enabled && cfg.Alerting.SingleEnabled,
		CumulativeEnabled:   cfg.Alerting.Enabled && cfg.Alerting.CumulativeEnabled,
		SingleThreshold:     decimal.NewFromFloat(cfg.Alerting.SingleThreshold),
		CumulativeThreshold: decimal.NewFromFloat(cfg.Alerting.CumulativeThreshold),
	}, deps.Entities, deps.Dedup, deps.Windows, w.dispatchAlert, deps.Logger)
	w.buffer = orderagg.New(cfg.Aggregation.Quiescence, w.handleAggregated, deps.Logger)

	return w
}

// HandleRaw is the pool's event callback. It must never block a
// subscription handler, so a full queue drops the event and counts it.
func (w *Watcher) HandleRaw(entityID string, raw transport.RawEvent) {
	select {
	case w.queue <- inbound{entityID: entityID, raw: raw}:
	default:
		n := w.dropped.Add(1)
		if n%100 == 1 {
			w.logger.Warn().Uint64("dropped_total", n).Msg("event queue full; dropping")
		}
	}
}

// Run blocks until ctx is cancelled, then shuts the pipeline down in
// order: producers first, then the queue drains, then the buffer closes.
func (w *Watcher) Run(ctx context.Context) error {
	w.ctxMu.Lock()
	w.runCtx = ctx
	w.ctxMu.Unlock()

	ids := make([]string, 0, len(w.entities))
	for _, e := range w.entities {
		if e.Active {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("watchlist has no active entities")
	}

	if err := w.pool.Start(ctx, ids); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.consume()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = w.runMaintenance(ctx)
	}()

	w.logger.Info().Int("entities", len(ids)).Msg("watcher running")
	<-ctx.Done()

	// drained events still hit the dedup and window stores; the run
	// context is already cancelled, so the drain gets its own deadline
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()
	w.ctxMu.Lock()
	w.runCtx = drainCtx
	w.ctxMu.Unlock()

	w.pool.Stop()
	close(w.drain)
	wg.Wait()
	w.buffer.Close()

	w.logger.Info().Msg("watcher stopped")
	return nil
}

// consume is the single pipeline consumer. After the drain signal it
// empties whatever is still buffered, then exits.
func (w *Watcher) consume() {
	for {
		select {
		case in := <-w.queue:
			w.handleInbound(in)
		case <-w.drain:
			for {
				select {
				case in := <-w.queue:
					w.handleInbound(in)
				default:
					return
				}
			}
		}
	}
}

func (w *Watcher) handleInbound(in inbound) {
	ev, ok := w.normalizer.Normalize(in.entityID, in.raw)
	if !ok {
		return
	}
	w.buffer.Add(ev)
}

func (w *Watcher) handleAggregated(ev domain.AggregatedEvent) {
	w.ctxMu.Lock()
	ctx := w.runCtx
	w.ctxMu.Unlock()
	w.engine.Process(ctx, ev)
}

// dispatchAlert audits the alert and fans it out. Persistence failures are
// logged but never block notification.
func (w *Watcher) dispatchAlert(ctx context.Context, alert domain.Alert) {
	w.alerts.Add(1)

	if w.alertStore != nil {
		rec := storage.AlertRecord{
			EntityID:         alert.EntityID,
			EntityLabel:      alert.EntityLabel,
			Rule:             string(alert.Rule),
			Kind:             string(alert.Kind),
			Direction:        string(alert.Direction),
			Asset:            alert.Asset,
			TriggeringAmount: alert.TriggeringAmount,
			CumulativeAmount: alert.CumulativeAmount,
			Threshold:        alert.Threshold,
			SourceID:         alert.SourceID,
			OccurredAt:       alert.OccurredAt,
		}
		if _, err := w.alertStore.InsertAlert(ctx, rec); err != nil {
			w.logger.Error().Err(err).Str("source_id", alert.SourceID).Msg("failed to persist alert record")
		}
	}

	if w.notifier != nil {
		if err := w.notifier.Notify(ctx, alert); err != nil {
			w.logger.Error().Err(err).Str("source_id", alert.SourceID).Msg("failed to dispatch alert")
		}
	}
}

// runMaintenance drives the heartbeat and retention sweep.
func (w *Watcher) runMaintenance(ctx context.Context) error {
	jobs := make([]scheduler.Job, 0, 2)

	if w.statusStore != nil && w.heartbeat > 0 {
		jobs = append(jobs, scheduler.Job{
			Name:     "heartbeat",
			Interval: w.heartbeat,
			Run:      w.tickHeartbeat,
		})
	}
	if w.alertStore != nil && w.retention > 0 {
		jobs = append(jobs, scheduler.Job{
			Name:         "alert_retention",
			Interval:     time.Hour,
			AlignToStart: true,
			Run:          w.tickRetention,
		})
	}
	if len(jobs) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	return scheduler.New(w.logger, jobs...).Run(ctx)
}

func (w *Watcher) tickHeartbeat(ctx context.Context, _ time.Time) error {
	stats := w.pool.Stats()
	ready := 0
	for _, s := range stats.Slots {
		if s.State == pool.StateReady {
			ready++
		}
	}
	engineStats := w.engine.Stats()

	return w.statusStore.UpsertHeartbeat(ctx, storage.HeartbeatRecord{
		Instance:   w.instance,
		SlotsReady: ready,
		SlotsTotal: len(stats.Slots),
		Degraded:   stats.DegradedMode,
		Processed:  int64(engineStats.Processed),
		Alerts:     w.alerts.Load(),
	})
}

func (w *Watcher) tickRetention(ctx context.Context, tick time.Time) error {
	cutoff := tick.Add(-w.retention)
	if err := w.alertStore.DeleteAlertsBefore(ctx, cutoff); err != nil {
		return err
	}
	w.logger.Debug().Time("cutoff", cutoff).Msg("alert retention sweep complete")
	return nil
}

// EngineStats exposes the rule engine counters for status reporting.
func (w *Watcher) EngineStats() rules.Stats {
	return w.engine.Stats()
}

// DroppedEvents reports how many raw events overflowed the queue.
func (w *Watcher) DroppedEvents() uint64 {
	return w.dropped.Load()
}
