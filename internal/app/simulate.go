package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"whale-flow-alerts/internal/alerting"
	"whale-flow-alerts/internal/dedup"
	"whale-flow-alerts/internal/domain"
	"whale-flow-alerts/internal/orderagg"
	"whale-flow-alerts/internal/rules"
	"whale-flow-alerts/internal/transport"
	"whale-flow-alerts/internal/window"
)

// simulateQuiescence keeps dry runs snappy regardless of the configured
// production value.
const simulateQuiescence = 300 * time.Millisecond

// Simulate drives synthetic fills through the real pipeline with
// process-local stores and the console sink, so thresholds and aggregation
// can be verified without touching the exchange.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.Fills <= 0 {
		opts.Fills = 1
	}
	if opts.Asset == "" {
		opts.Asset = "BTC"
	}

	entity := domain.WatchedEntity{
		ID:     opts.EntityID,
		Label:  "simulated",
		Active: true,
	}

	anchor := time.Now().UTC()
	ded := dedup.NewMemory(a.Config.DedupTTL(), 0)
	defer ded.Close()
	win := window.NewMemory(anchor, a.Config.Window.Length, a.Config.Window.RecentSamples, nil)
	notifier := alerting.NewConsoleNotifier(a.Logger)

	fired := 0
	engine := rules.NewEngine(rules.Options{
		SingleEnabled:       a.Config.Alerting.SingleEnabled,
		CumulativeEnabled:   a.Config.Alerting.CumulativeEnabled,
		SingleThreshold:     decimal.NewFromFloat(a.Config.Alerting.SingleThreshold),
		CumulativeThreshold: decimal.NewFromFloat(a.Config.Alerting.CumulativeThreshold),
	}, []domain.WatchedEntity{entity}, ded, win, func(ctx context.Context, alert domain.Alert) {
		fired++
		_ = notifier.Notify(ctx, alert)
	}, a.Logger)

	emitted := make(chan struct{}, opts.Fills)
	buffer := orderagg.New(simulateQuiescence, func(ev domain.AggregatedEvent) {
		engine.Process(ctx, ev)
		emitted <- struct{}{}
	}, a.Logger)
	defer buffer.Close()

	normalizer := transport.NewNormalizer(nil, a.Logger)

	price := decimal.NewFromFloat(opts.Price)
	size := decimal.NewFromFloat(opts.FillSize)
	now := time.Now().UTC()

	for i := 0; i < opts.Fills; i++ {
		raw := transport.RawEvent{
			User:  opts.EntityID,
			Kind:  domain.KindFill,
			Asset: opts.Asset,
			Side:  "B",
			Price: price,
			Size:  size,
			Tid:   now.UnixNano() + int64(i),
			Oid:   now.UnixNano(), // one order, many partial fills
			Time:  now,
		}
		ev, ok := normalizer.Normalize(opts.EntityID, raw)
		if !ok {
			return fmt.Errorf("synthetic fill %d rejected by normalizer", i)
		}
		buffer.Add(ev)
	}

	select {
	case <-emitted:
	case <-time.After(simulateQuiescence * 10):
		return fmt.Errorf("aggregation did not quiesce")
	case <-ctx.Done():
		return ctx.Err()
	}

	total := price.Mul(size).Mul(decimal.NewFromInt(int64(opts.Fills)))
	a.Logger.Info().
		Int("fills", opts.Fills).
		Str("notional", total.StringFixed(2)).
		Int("alerts", fired).
		Msg("simulation complete")

	if fired == 0 {
		fmt.Println("no alert fired; total notional is below both thresholds")
	}
	return nil
}
