package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"whale-flow-alerts/internal/domain"
	"whale-flow-alerts/internal/storage"
	"whale-flow-alerts/internal/window"
)

// Show prints recent alerts and, when an entity is given, its live window
// counters.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
	} else {
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Time (UTC)\tEntity\tRule\tEvent\tAsset\tAmount\tThreshold\tWindow Total")
		for _, rec := range alerts {
			label := rec.EntityLabel
			if label == "" {
				label = rec.EntityID
			}
			cumulative := ""
			if rec.Rule == string(domain.RuleCumulative) {
				cumulative = formatDecimal(rec.CumulativeAmount, 2)
			}
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s %s\t%s\t%s\t%s\t%s\n",
				rec.OccurredAt.UTC().Format(time.RFC3339),
				label,
				rec.Rule,
				rec.Kind,
				rec.Direction,
				rec.Asset,
				formatDecimal(rec.TriggeringAmount, 2),
				formatDecimal(rec.Threshold, 2),
				cumulative,
			)
		}
		writer.Flush()
	}

	if err := a.showHeartbeats(ctx, store); err != nil {
		return err
	}

	if opts.EntityID != "" {
		return a.showWindows(ctx, opts.EntityID)
	}
	return nil
}

// showHeartbeats prints the last reported pool posture per instance.
func (a *App) showHeartbeats(ctx context.Context, store *storage.Store) error {
	beats, err := store.ListHeartbeats(ctx)
	if err != nil {
		return err
	}
	if len(beats) == 0 {
		return nil
	}

	fmt.Fprintln(os.Stdout, "\ninstances")
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Instance\tSlots\tDegraded\tProcessed\tAlerts\tLast Seen (UTC)")
	for _, hb := range beats {
		fmt.Fprintf(
			writer,
			"%s\t%d/%d\t%t\t%d\t%d\t%s\n",
			hb.Instance,
			hb.SlotsReady,
			hb.SlotsTotal,
			hb.Degraded,
			hb.Processed,
			hb.Alerts,
			hb.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}
	writer.Flush()
	return nil
}

// showWindows prints the stored window counters for one entity across all
// directions.
func (a *App) showWindows(ctx context.Context, entityID string) error {
	if a.Config.Redis.Addr == "" {
		return errors.New("redis not configured; window counters unavailable")
	}

	rdb, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	anchor := a.Config.WindowAnchor()
	win := window.NewRedis(rdb, window.RedisOptions{
		Prefix:     a.Config.Redis.KeyPrefix,
		Anchor:     anchor,
		Length:     a.Config.Window.Length,
		TTLMargin:  a.Config.Dedup.Margin,
		MaxSamples: a.Config.Window.RecentSamples,
	}, a.Logger)

	fmt.Fprintf(os.Stdout, "\nwindow counters for %s\n", entityID)
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Direction\tWindow Start (UTC)\tCumulative\tSamples")

	for _, dir := range []domain.Direction{domain.DirBuy, domain.DirSell, domain.DirIn, domain.DirOut} {
		counter, err := win.Snapshot(ctx, entityID, dir)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", dir, err)
		}
		start := ""
		if !counter.WindowStart.IsZero() {
			start = counter.WindowStart.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\n",
			dir,
			start,
			formatDecimal(counter.Cumulative, 2),
			len(counter.RecentSamples),
		)
	}
	writer.Flush()
	return nil
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
