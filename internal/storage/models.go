package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertRecord mirrors the alerts audit table.
type AlertRecord struct {
	ID               int64
	EntityID         string
	EntityLabel      string
	Rule             string
	Kind             string
	Direction        string
	Asset            string
	TriggeringAmount decimal.Decimal
	CumulativeAmount decimal.Decimal
	Threshold        decimal.Decimal
	SourceID         string
	OccurredAt       time.Time
	CreatedAt        time.Time
}

// OverrideRecord is a per-entity threshold override row. Nil thresholds
// leave the corresponding global value in effect.
type OverrideRecord struct {
	EntityID            string
	SingleThreshold     *decimal.Decimal
	CumulativeThreshold *decimal.Decimal
	UpdatedAt           time.Time
}

// HeartbeatRecord mirrors the status_heartbeats row for one instance.
type HeartbeatRecord struct {
	Instance   string
	SlotsReady int
	SlotsTotal int
	Degraded   bool
	Processed  int64
	Alerts     int64
	UpdatedAt  time.Time
}
