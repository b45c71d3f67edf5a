// Package dedup persists processed-event markers so an economic event is
// alerted on at most once within its retention window.
package dedup

import "context"

// Store is the processed-marker contract. Markers expire after the
// configured TTL, which must outlive the cumulative window they protect.
type Store interface {
	// IsProcessed reports whether sourceID already carries a marker.
	IsProcessed(ctx context.Context, sourceID string) (bool, error)
	// MarkProcessed writes a marker. Idempotent.
	MarkProcessed(ctx context.Context, sourceID string) error
	// MarkIfNew atomically writes a marker and reports whether it was new.
	// Stores that can do this in one conditional write close the
	// check-then-mark race entirely.
	MarkIfNew(ctx context.Context, sourceID string) (bool, error)
}
