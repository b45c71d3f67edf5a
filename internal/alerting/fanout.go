package alerting

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"whale-flow-alerts/internal/domain"
)

// Fanout delivers each alert to every configured sink. One sink's failure
// never blocks delivery to the others.
type Fanout struct {
	sinks  []Notifier
	logger zerolog.Logger
}

// NewFanout wires the sink list.
func NewFanout(logger zerolog.Logger, sinks ...Notifier) *Fanout {
	return &Fanout{
		sinks:  sinks,
		logger: logger.With().Str("component", "alert_fanout").Logger(),
	}
}

func (f *Fanout) Notify(ctx context.Context, alert domain.Alert) error {
	var firstErr error
	for _, sink := range f.sinks {
		if err := sink.Notify(ctx, alert); err != nil {
			f.logger.Error().Err(err).Str("source_id", alert.SourceID).Msg("sink delivery failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ConsoleNotifier prints alerts to the log, used by simulate runs and as a
// last-resort sink when no external channel is configured.
type ConsoleNotifier struct {
	logger zerolog.Logger
}

func NewConsoleNotifier(logger zerolog.Logger) *ConsoleNotifier {
	return &ConsoleNotifier{logger: logger.With().Str("component", "alert_console").Logger()}
}

func (n *ConsoleNotifier) Notify(_ context.Context, alert domain.Alert) error {
	label := alert.EntityLabel
	if label == "" {
		label = alert.EntityID
	}
	n.logger.Info().
		Str("rule", string(alert.Rule)).
		Str("entity", label).
		Str("event", fmt.Sprintf("%s %s %s", alert.Kind, alert.Direction, alert.Asset)).
		Str("amount", alert.TriggeringAmount.StringFixed(2)).
		Str("threshold", alert.Threshold.StringFixed(2)).
		Msg("ALERT")
	return nil
}

var (
	_ Notifier = (*Fanout)(nil)
	_ Notifier = (*ConsoleNotifier)(nil)
)
