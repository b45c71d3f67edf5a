package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"whale-flow-alerts/internal/domain"
	"whale-flow-alerts/internal/storage"
)

// Export renders the alert history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-a.Config.Status.AlertRetention)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	alerts, err := store.ListAlertsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		a.Logger.Info().Msg("no alerts found for export window")
		return nil
	}

	downsampled := downsampleAlerts(alerts, opts.MaxPoints)
	a.Logger.Info().Int("total", len(alerts)).Int("exported", len(downsampled)).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeAlertsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleAlerts(alerts []storage.AlertRecord, max int) []storage.AlertRecord {
	if max <= 0 || len(alerts) <= max {
		return alerts
	}

	result := make([]storage.AlertRecord, 0, max)
	step := float64(len(alerts)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(alerts) {
			idx = len(alerts) - 1
		}
		result = append(result, alerts[idx])
	}
	return result
}

func writeAlertsCSV(path string, alerts []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"occurred_at", "entity_id", "entity_label", "rule", "kind", "direction", "asset", "triggering_amount", "cumulative_amount", "threshold", "source_id"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range alerts {
		record := []string{
			rec.OccurredAt.UTC().Format(time.RFC3339),
			rec.EntityID,
			rec.EntityLabel,
			rec.Rule,
			rec.Kind,
			rec.Direction,
			rec.Asset,
			rec.TriggeringAmount.String(),
			rec.CumulativeAmount.String(),
			rec.Threshold.String(),
			rec.SourceID,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// writeAlertsPNG charts single and cumulative alert sizes over time.
func writeAlertsPNG(path string, alerts []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		singleX, cumulX []time.Time
		singleY, cumulY []float64
	)
	for _, rec := range alerts {
		switch rec.Rule {
		case string(domain.RuleCumulative):
			cumulX = append(cumulX, rec.OccurredAt)
			cumulY = append(cumulY, rec.CumulativeAmount.InexactFloat64())
		default:
			singleX = append(singleX, rec.OccurredAt)
			singleY = append(singleY, rec.TriggeringAmount.InexactFloat64())
		}
	}

	usdFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}

	series := make([]chart.Series, 0, 2)
	if len(singleX) > 1 {
		series = append(series, chart.TimeSeries{
			Name:    "Single event (USD)",
			XValues: singleX,
			YValues: singleY,
		})
	}
	if len(cumulX) > 1 {
		series = append(series, chart.TimeSeries{
			Name:    "Window total (USD)",
			XValues: cumulX,
			YValues: cumulY,
		})
	}
	if len(series) == 0 {
		return errors.New("not enough alerts to chart; export CSV instead")
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Notional (USD)",
			ValueFormatter: usdFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
