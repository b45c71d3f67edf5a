package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"whale-flow-alerts/internal/domain"
)

// natsAlert is the wire shape published on the alert subject. Decimal
// values travel as strings so consumers keep the exact precision.
type natsAlert struct {
	EntityID         string    `json:"entity_id"`
	EntityLabel      string    `json:"entity_label,omitempty"`
	Rule             string    `json:"rule"`
	Kind             string    `json:"kind"`
	Direction        string    `json:"direction"`
	Asset            string    `json:"asset"`
	TriggeringAmount string    `json:"triggering_amount"`
	CumulativeAmount string    `json:"cumulative_amount,omitempty"`
	Threshold        string    `json:"threshold"`
	SourceID         string    `json:"source_id"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// NATSPublisher 将告警发布到 NATS subject，供下游系统消费。
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher dials the broker with endless reconnects so a broker
// restart never takes the publisher down with it.
func NewNATSPublisher(url, subject string, logger zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("whalewatcher"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATSPublisher{
		nc:      nc,
		subject: subject,
		logger:  logger.With().Str("component", "alert_nats").Logger(),
	}, nil
}

func (p *NATSPublisher) Notify(ctx context.Context, alert domain.Alert) error {
	msg := natsAlert{
		EntityID:         alert.EntityID,
		EntityLabel:      alert.EntityLabel,
		Rule:             string(alert.Rule),
		Kind:             string(alert.Kind),
		Direction:        string(alert.Direction),
		Asset:            alert.Asset,
		TriggeringAmount: alert.TriggeringAmount.String(),
		Threshold:        alert.Threshold.String(),
		SourceID:         alert.SourceID,
		OccurredAt:       alert.OccurredAt.UTC(),
	}
	if alert.Rule == domain.RuleCumulative {
		msg.CumulativeAmount = alert.CumulativeAmount.String()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal nats alert: %w", err)
	}
	if err := p.nc.Publish(p.subject, body); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	p.logger.Debug().Str("subject", p.subject).Str("source_id", alert.SourceID).Msg("alert published")
	return nil
}

// Close drains in-flight publishes before disconnecting.
func (p *NATSPublisher) Close() {
	if p.nc != nil && !p.nc.IsClosed() {
		_ = p.nc.Drain()
	}
}

var _ Notifier = (*NATSPublisher)(nil)
