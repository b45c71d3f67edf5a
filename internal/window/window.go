// Package window maintains per-entity rolling cumulative totals anchored to
// a fixed epoch. Windows align to the anchor, not calendar boundaries.
package window

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"whale-flow-alerts/internal/domain"
)

// Counter is a snapshot of one (entity, direction) rolling total.
type Counter struct {
	EntityID      string
	Direction     domain.Direction
	WindowStart   time.Time
	Cumulative    decimal.Decimal
	RecentSamples []decimal.Decimal
}

// Aggregator accumulates amounts into anchored sliding windows.
type Aggregator interface {
	// Update folds amount into the live window and returns the resulting
	// cumulative total. Events older than the live window's start are
	// ignored for cumulative purposes and the unchanged total is returned.
	Update(ctx context.Context, entityID string, dir domain.Direction, amount decimal.Decimal, occurredAt time.Time) (decimal.Decimal, error)
	// Read returns the live cumulative total, zero when no counter exists
	// or the stored counter belongs to an expired window.
	Read(ctx context.Context, entityID string, dir domain.Direction) (decimal.Decimal, error)
	// Snapshot returns the stored counter for observability.
	Snapshot(ctx context.Context, entityID string, dir domain.Direction) (Counter, error)
}

// Clock lets tests pin the notion of "now".
type Clock func() time.Time

// BucketStart computes the start of the window containing t:
// anchor + floor((t-anchor)/length)*length.
func BucketStart(anchor time.Time, length time.Duration, t time.Time) time.Time {
	elapsed := t.Sub(anchor)
	if elapsed < 0 {
		// before the anchor only happens with a configured future epoch;
		// clamp to the anchor bucket
		return anchor
	}
	buckets := elapsed / length
	return anchor.Add(buckets * length)
}
