package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind classifies a canonical event.
type EventKind string

const (
	KindFill     EventKind = "fill"
	KindTransfer EventKind = "transfer"
)

// Direction is the economic direction of an event. Fills use buy/sell,
// ledger transfers use in/out.
type Direction string

const (
	DirBuy  Direction = "buy"
	DirSell Direction = "sell"
	DirIn   Direction = "in"
	DirOut  Direction = "out"
)

// Thresholds optionally override the global alert thresholds for one entity.
// A nil field means "use the global value".
type Thresholds struct {
	Single     *decimal.Decimal
	Cumulative *decimal.Decimal
}

// WatchedEntity is one monitored trader address. Loaded once at startup and
// never mutated afterwards.
type WatchedEntity struct {
	ID         string // canonical 0x-prefixed address
	Label      string
	Active     bool
	Thresholds Thresholds
}

// CanonicalEvent is the normalized form of one raw provider payload.
type CanonicalEvent struct {
	EntityID   string
	Kind       EventKind
	Direction  Direction
	Asset      string
	Amount     decimal.Decimal // notional value in the quote currency
	Size       decimal.Decimal // base units; zero for transfers
	Price      decimal.Decimal // zero for transfers
	SourceID   string
	OrderID    int64 // 0 when the event carries no order identity
	OccurredAt time.Time
	ObservedAt time.Time
}

// AggregatedEvent is a CanonicalEvent whose constituents have been
// coalesced by the order aggregation buffer. ConstituentCount is 1 for
// events that bypassed aggregation.
type AggregatedEvent struct {
	CanonicalEvent
	ConstituentCount int
	WeightedAvgPrice decimal.Decimal
}

// RuleType names which rule emitted an alert.
type RuleType string

const (
	RuleSingle     RuleType = "single"
	RuleCumulative RuleType = "cumulative"
)

// Alert is the write-once product of the rule engine.
type Alert struct {
	EntityID         string
	EntityLabel      string
	Rule             RuleType
	Kind             EventKind
	Direction        Direction
	Asset            string
	TriggeringAmount decimal.Decimal
	CumulativeAmount decimal.Decimal // zero for single-rule alerts
	Threshold        decimal.Decimal
	SourceID         string
	OccurredAt       time.Time
}

// SourceID derives a stable identity for a raw fill, preferring the
// strongest identifier available: trade hash, then trade id, then order id,
// then a synthetic key from the asset and timestamp.
func SourceID(hash string, tid, oid int64, asset string, ts int64) string {
	switch {
	case hash != "" && hash != "0x0000000000000000000000000000000000000000000000000000000000000000":
		return strings.ToLower(hash)
	case tid != 0:
		return fmt.Sprintf("tid:%d", tid)
	case oid != 0:
		return fmt.Sprintf("oid:%d", oid)
	default:
		return fmt.Sprintf("fill:%s:%d", strings.ToUpper(asset), ts)
	}
}

// AggKey is the coalescing key of the order aggregation buffer.
type AggKey struct {
	EntityID string
	OrderID  int64
}

func (k AggKey) String() string {
	return fmt.Sprintf("%s:%d", k.EntityID, k.OrderID)
}
