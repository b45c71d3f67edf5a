// Package orderagg collapses bursts of partial fills that share an order
// into one aggregated event, so multi-fill order execution raises one alert
// instead of one per sub-fill.
package orderagg

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-flow-alerts/internal/domain"
)

// EmitFunc receives aggregated events once their order has quiesced.
type EmitFunc func(domain.AggregatedEvent)

type pendingOrder struct {
	first         domain.CanonicalEvent
	fills         int
	totalSize     decimal.Decimal
	totalNotional decimal.Decimal
	lastUpdate    time.Time
	lastOccurred  time.Time
	timer         *time.Timer
	gen           uint64
}

// Buffer accumulates fills per (entity, order) and emits one aggregated
// event after the quiescence period passes without further fills for the
// key. Events without an order identity bypass the buffer entirely.
type Buffer struct {
	quiescence time.Duration
	emit       EmitFunc
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[domain.AggKey]*pendingOrder
	closed  bool
}

// New constructs a buffer delivering into emit.
func New(quiescence time.Duration, emit EmitFunc, logger zerolog.Logger) *Buffer {
	return &Buffer{
		quiescence: quiescence,
		emit:       emit,
		logger:     logger.With().Str("component", "order_buffer").Logger(),
		now:        time.Now,
		pending:    make(map[domain.AggKey]*pendingOrder),
	}
}

// Add feeds one normalized event into the buffer.
func (b *Buffer) Add(ev domain.CanonicalEvent) {
	if ev.OrderID == 0 {
		// transfers and orderless fills are already whole economic events
		b.emit(singleton(ev))
		return
	}

	key := domain.AggKey{EntityID: ev.EntityID, OrderID: ev.OrderID}
	now := b.now()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	rec, ok := b.pending[key]
	if !ok {
		rec = &pendingOrder{
			first:         ev,
			totalSize:     decimal.Zero,
			totalNotional: decimal.Zero,
		}
		b.pending[key] = rec
	}

	rec.fills++
	rec.totalSize = rec.totalSize.Add(ev.Size)
	rec.totalNotional = rec.totalNotional.Add(ev.Amount)
	rec.lastUpdate = now
	if ev.OccurredAt.After(rec.lastOccurred) {
		rec.lastOccurred = ev.OccurredAt
	}
	rec.gen++
	gen := rec.gen

	// re-arm: a fill arriving before the timer fires resets the clock
	if rec.timer != nil {
		rec.timer.Stop()
	}
	rec.timer = time.AfterFunc(b.quiescence, func() { b.fire(key, gen) })
	b.mu.Unlock()
}

// fire emits the pending record if no newer fill re-armed the key.
func (b *Buffer) fire(key domain.AggKey, gen uint64) {
	b.mu.Lock()
	rec, ok := b.pending[key]
	if !ok || b.closed || rec.gen != gen {
		b.mu.Unlock()
		return
	}
	if b.now().Sub(rec.lastUpdate) < b.quiescence {
		// raced with a concurrent Add; its re-armed timer owns the emission
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	out := aggregate(rec)
	b.mu.Unlock()

	b.logger.Debug().
		Str("entity", key.EntityID).
		Int64("order_id", key.OrderID).
		Int("constituents", out.ConstituentCount).
		Str("amount", out.Amount.String()).
		Msg("order quiesced")
	b.emit(out)
}

// PendingCount reports how many orders are currently buffered.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close drops all pending records. At most one quiescence period of
// activity per open order is lost; this is the documented shutdown
// trade-off, not an error path.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	dropped := len(b.pending)
	for key, rec := range b.pending {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		delete(b.pending, key)
	}
	if dropped > 0 {
		b.logger.Warn().Int("dropped", dropped).Msg("pending orders dropped on shutdown")
	}
}

func singleton(ev domain.CanonicalEvent) domain.AggregatedEvent {
	return domain.AggregatedEvent{
		CanonicalEvent:   ev,
		ConstituentCount: 1,
		WeightedAvgPrice: ev.Price,
	}
}

func aggregate(rec *pendingOrder) domain.AggregatedEvent {
	ev := rec.first
	ev.Amount = rec.totalNotional
	ev.Size = rec.totalSize
	if rec.lastOccurred.After(ev.OccurredAt) {
		ev.OccurredAt = rec.lastOccurred
	}

	// weighted average price: Σ(px·sz)/Σsz, and px·sz is exactly the
	// notional we summed
	avg := rec.first.Price
	if !rec.totalSize.IsZero() {
		avg = rec.totalNotional.Div(rec.totalSize)
	}
	ev.Price = avg

	return domain.AggregatedEvent{
		CanonicalEvent:   ev,
		ConstituentCount: rec.fills,
		WeightedAvgPrice: avg,
	}
}
