package window

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"whale-flow-alerts/internal/domain"
)

type memCounter struct {
	windowStart time.Time
	cumulative  decimal.Decimal
	samples     []decimal.Decimal
}

// Memory is a process-local Aggregator for development and tests. It does
// not survive restarts; production uses the Redis implementation.
type Memory struct {
	anchorTime time.Time
	length     time.Duration
	maxSamples int
	now        Clock

	mu       sync.Mutex
	counters map[string]*memCounter
}

// NewMemory builds an in-memory aggregator.
func NewMemory(anchor time.Time, length time.Duration, maxSamples int, now Clock) *Memory {
	if now == nil {
		now = time.Now
	}
	if maxSamples <= 0 {
		maxSamples = 64
	}
	return &Memory{
		anchorTime: anchor.UTC(),
		length:     length,
		maxSamples: maxSamples,
		now:        now,
		counters:   make(map[string]*memCounter),
	}
}

func counterKey(entityID string, dir domain.Direction) string {
	return entityID + ":" + string(dir)
}

func (m *Memory) Update(_ context.Context, entityID string, dir domain.Direction, amount decimal.Decimal, occurredAt time.Time) (decimal.Decimal, error) {
	now := m.now().UTC()
	liveStart := BucketStart(m.anchorTime, m.length, now)

	m.mu.Lock()
	defer m.mu.Unlock()

	key := counterKey(entityID, dir)
	c, ok := m.counters[key]
	if !ok || c.windowStart.Before(liveStart) {
		c = &memCounter{windowStart: liveStart, cumulative: decimal.Zero}
		m.counters[key] = c
	}

	// stale or backfilled data must not inflate a live window
	if occurredAt.Before(liveStart) {
		return c.cumulative, nil
	}

	c.cumulative = c.cumulative.Add(amount)
	c.samples = append(c.samples, amount)
	if len(c.samples) > m.maxSamples {
		c.samples = c.samples[len(c.samples)-m.maxSamples:]
	}
	return c.cumulative, nil
}

func (m *Memory) Read(_ context.Context, entityID string, dir domain.Direction) (decimal.Decimal, error) {
	now := m.now().UTC()
	liveStart := BucketStart(m.anchorTime, m.length, now)

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[counterKey(entityID, dir)]
	if !ok || c.windowStart.Before(liveStart) {
		return decimal.Zero, nil
	}
	return c.cumulative, nil
}

func (m *Memory) Snapshot(_ context.Context, entityID string, dir domain.Direction) (Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[counterKey(entityID, dir)]
	if !ok {
		return Counter{EntityID: entityID, Direction: dir, Cumulative: decimal.Zero}, nil
	}
	samples := make([]decimal.Decimal, len(c.samples))
	copy(samples, c.samples)
	return Counter{
		EntityID:      entityID,
		Direction:     dir,
		WindowStart:   c.windowStart,
		Cumulative:    c.cumulative,
		RecentSamples: samples,
	}, nil
}

var _ Aggregator = (*Memory)(nil)
