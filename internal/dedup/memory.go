package dedup

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	expireAt int64 // unix nano
}

// Memory is a single-process Store for development and tests. A janitor
// goroutine sweeps expired markers.
type Memory struct {
	ttl     time.Duration
	mu      sync.RWMutex
	items   map[string]memEntry
	stopCh  chan struct{}
	stopped bool
}

// NewMemory builds an in-memory store. janitorEvery <= 0 disables the
// sweeper.
func NewMemory(ttl, janitorEvery time.Duration) *Memory {
	m := &Memory{
		ttl:    ttl,
		items:  make(map[string]memEntry, 1024),
		stopCh: make(chan struct{}),
	}

	if janitorEvery > 0 {
		go m.janitor(janitorEvery)
	}

	return m
}

func (m *Memory) IsProcessed(_ context.Context, sourceID string) (bool, error) {
	now := time.Now().UnixNano()

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.items[sourceID]
	return ok && e.expireAt > now, nil
}

func (m *Memory) MarkProcessed(_ context.Context, sourceID string) error {
	now := time.Now().UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[sourceID] = memEntry{expireAt: now + m.ttl.Nanoseconds()}
	return nil
}

func (m *Memory) MarkIfNew(_ context.Context, sourceID string) (bool, error) {
	now := time.Now().UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.items[sourceID]; ok && e.expireAt > now {
		return false, nil
	}
	m.items[sourceID] = memEntry{expireAt: now + m.ttl.Nanoseconds()}
	return true, nil
}

func (m *Memory) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			now := time.Now().UnixNano()
			m.mu.Lock()
			for k, e := range m.items {
				if e.expireAt <= now {
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close stops the janitor (if running).
func (m *Memory) Close() {
	m.mu.Lock()
	if !m.stopped {
		close(m.stopCh)
		m.stopped = true
	}
	m.mu.Unlock()
}

var _ Store = (*Memory)(nil)
