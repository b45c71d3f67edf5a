// Package pool maintains the fleet of upstream connections. Each slot owns
// a disjoint shard of watched entities, carries its own health record, and
// reconnects independently; one slot's failure never touches another.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whale-flow-alerts/internal/transport"
)

// SlotState is the lifecycle state of one pool slot.
type SlotState string

const (
	StateConnecting   SlotState = "connecting"
	StateReady        SlotState = "ready"
	StateDegraded     SlotState = "degraded"
	StateReconnecting SlotState = "reconnecting"
	StateFailed       SlotState = "failed"
)

// Options tune the pool manager.
type Options struct {
	Connections      int
	ConnectTimeout   time.Duration
	SubscribeDelay   time.Duration
	SubscribeRetries int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	HealthInterval   time.Duration
	StaleWarn        time.Duration
	StaleCritical    time.Duration
	FailureCeiling   int
	SuccessFloorPct  float64
	CloseTimeout     time.Duration
	// DegradedMultiplier stretches timeouts and delays for the
	// single-connection fallback pass.
	DegradedMultiplier int
}

// EventFunc receives raw events attributed to their subscribed entity.
type EventFunc func(entityID string, raw transport.RawEvent)

// SlotStats is an observability snapshot of one slot.
type SlotStats struct {
	Slot                int
	State               SlotState
	Entities            int
	Subscribed          int
	LastMessageAt       time.Time
	ConsecutiveFailures int
	Reconnects          int
}

// Stats aggregates the pool view.
type Stats struct {
	Slots        []SlotStats
	DegradedMode bool
}

type slot struct {
	id int

	mu            sync.Mutex
	source        transport.EventSource
	state         SlotState
	entities      []string
	subIDs        map[string]transport.SubID
	lastMessageAt time.Time
	failures      int
	reconnects    int
	reconnecting  bool
}

// Manager owns the pool.
type Manager struct {
	opts    Options
	factory transport.Factory
	onEvent EventFunc
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	slots    []*slot
	degraded bool
	started  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ErrStartFailed is returned when both the sharded pass and the degraded
// fallback pass stay below the subscription success floor.
var ErrStartFailed = errors.New("pool: initial subscription below success floor")

// NewManager wires a pool over the given source factory.
func NewManager(opts Options, factory transport.Factory, onEvent EventFunc, logger zerolog.Logger) *Manager {
	if opts.Connections <= 0 {
		opts.Connections = 1
	}
	if opts.DegradedMultiplier <= 1 {
		opts.DegradedMultiplier = 4
	}
	return &Manager{
		opts:    opts,
		factory: factory,
		onEvent: onEvent,
		logger:  logger.With().Str("component", "pool").Logger(),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// SetEventFunc installs the event callback. Call before Start; wiring the
// consumer after pool construction avoids a construction cycle between
// the pool and the service that feeds on it.
func (m *Manager) SetEventFunc(fn EventFunc) {
	m.onEvent = fn
}

// Start shards entities across the slots, opens every connection, and runs
// the initial subscription pass. Below the success floor it tears
// everything down and retries once over a single conservative connection;
// if that pass also stays below the floor, Start fails.
func (m *Manager) Start(ctx context.Context, entityIDs []string) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("pool: already started")
	}
	m.started = true
	m.mu.Unlock()

	if len(entityIDs) == 0 {
		return errors.New("pool: no entities to watch")
	}

	ok, err := m.startPass(ctx, entityIDs, m.opts.Connections, 1)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Warn().Msg("subscription success below floor; falling back to single degraded connection")
		m.teardownSlots()

		ok, err = m.startPass(ctx, entityIDs, 1, m.opts.DegradedMultiplier)
		if err != nil {
			return err
		}
		if !ok {
			m.teardownSlots()
			return ErrStartFailed
		}
		m.mu.Lock()
		m.degraded = true
		m.mu.Unlock()
	}

	m.wg.Add(1)
	go m.healthLoop()
	return nil
}

// startPass builds `connections` slots and subscribes each shard serially.
// Returns whether the overall success ratio met the floor.
func (m *Manager) startPass(ctx context.Context, entityIDs []string, connections, stretch int) (bool, error) {
	if connections > len(entityIDs) {
		connections = len(entityIDs)
	}

	shards := make([][]string, connections)
	for i, id := range entityIDs {
		shards[i%connections] = append(shards[i%connections], id)
	}

	slots := make([]*slot, connections)
	for i := range slots {
		slots[i] = &slot{
			id:            i,
			state:         StateConnecting,
			entities:      shards[i],
			subIDs:        make(map[string]transport.SubID),
			lastMessageAt: m.now(),
		}
	}
	m.mu.Lock()
	m.slots = slots
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range slots {
		wg.Add(1)
		go func(s *slot) {
			defer wg.Done()
			m.openAndSubscribe(ctx, s, stretch)
		}(s)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	total := len(entityIDs)
	subscribed := 0
	for _, s := range slots {
		s.mu.Lock()
		subscribed += len(s.subIDs)
		s.mu.Unlock()
	}
	ratio := float64(subscribed) / float64(total) * 100
	m.logger.Info().
		Int("subscribed", subscribed).
		Int("total", total).
		Float64("pct", ratio).
		Msg("initial subscription pass complete")

	return ratio >= m.opts.SuccessFloorPct, nil
}

// openAndSubscribe connects one slot and subscribes its shard serially
// with an inter-subscription delay. Failed subscriptions retry with capped
// exponential backoff; authorization errors short-circuit the retries.
func (m *Manager) openAndSubscribe(ctx context.Context, s *slot, stretch int) {
	src := m.factory()

	connectCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout*time.Duration(stretch))
	err := src.Connect(connectCtx)
	cancel()
	if err != nil {
		m.logger.Error().Err(err).Int("slot", s.id).Msg("connect failed")
		s.mu.Lock()
		s.state = StateFailed
		s.failures++
		s.mu.Unlock()
		m.boundedClose(src, s.id)
		return
	}

	s.mu.Lock()
	s.source = src
	s.mu.Unlock()

	m.subscribeShard(ctx, s, stretch)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subIDs) == 0 {
		s.state = StateFailed
	} else {
		s.state = StateReady
		s.lastMessageAt = m.now()
	}
}

func (m *Manager) subscribeShard(ctx context.Context, s *slot, stretch int) {
	delay := m.opts.SubscribeDelay * time.Duration(stretch)

	for i, entityID := range s.entities {
		if i > 0 && delay > 0 {
			if !m.sleep(ctx, delay) {
				return
			}
		}
		if err := m.subscribeOne(ctx, s, entityID, stretch); err != nil {
			m.logger.Error().Err(err).Int("slot", s.id).Str("entity", entityID).Msg("subscription abandoned")
			s.mu.Lock()
			s.failures++
			s.mu.Unlock()
		}
	}
}

func (m *Manager) subscribeOne(ctx context.Context, s *slot, entityID string, stretch int) error {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if src == nil {
		return errors.New("slot has no connection")
	}

	handler := func(raw transport.RawEvent) {
		s.mu.Lock()
		s.lastMessageAt = m.now()
		s.mu.Unlock()
		if m.onEvent != nil {
			m.onEvent(entityID, raw)
		}
	}

	var lastErr error
	attempts := m.opts.SubscribeRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if !m.sleep(ctx, m.backoff(attempt)) {
				return ctx.Err()
			}
		}

		subCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout*time.Duration(stretch))
		id, err := src.Subscribe(subCtx, entityID, handler)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.subIDs[entityID] = id
			s.mu.Unlock()
			return nil
		}
		lastErr = err
		if transport.IsAuthError(err) {
			// permanent; retrying cannot help
			return err
		}
		m.logger.Warn().Err(err).
			Int("slot", s.id).
			Str("entity", entityID).
			Int("attempt", attempt+1).
			Msg("subscribe attempt failed")
	}
	return lastErr
}

// backoff returns base·2^(attempt-1), capped.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.opts.BackoffBase << (attempt - 1)
	if d > m.opts.BackoffCap || d <= 0 {
		return m.opts.BackoffCap
	}
	return d
}

// sleep waits for d unless the pool stops or ctx ends; reports whether the
// full wait elapsed.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	}
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

// checkHealth applies the staleness policy to every slot. Reconnects run
// in their own goroutines so one slot's recovery never delays another's
// check.
func (m *Manager) checkHealth() {
	m.mu.Lock()
	slots := m.slots
	m.mu.Unlock()

	now := m.now()
	for _, s := range slots {
		s.mu.Lock()
		if s.reconnecting || len(s.entities) == 0 {
			s.mu.Unlock()
			continue
		}
		staleness := now.Sub(s.lastMessageAt)
		needsReconnect := staleness > m.opts.StaleCritical || s.failures > m.opts.FailureCeiling
		if needsReconnect {
			s.reconnecting = true
			s.state = StateReconnecting
		} else if staleness > m.opts.StaleWarn && s.state == StateReady {
			s.state = StateDegraded
			m.logger.Warn().
				Int("slot", s.id).
				Dur("staleness", staleness).
				Msg("slot degraded: no recent messages")
		} else if staleness <= m.opts.StaleWarn && s.state == StateDegraded {
			s.state = StateReady
			m.logger.Info().Int("slot", s.id).Msg("slot recovered")
		}
		s.mu.Unlock()

		if needsReconnect {
			m.wg.Add(1)
			go func(s *slot, staleness time.Duration) {
				defer m.wg.Done()
				m.logger.Warn().
					Int("slot", s.id).
					Dur("staleness", staleness).
					Msg("reconnecting slot")
				m.reconnect(s)
			}(s, staleness)
		}
	}
}

// reconnect replaces a slot's connection: best-effort unsubscribe and
// close (each bounded), a fresh connection, and a full shard re-subscribe.
func (m *Manager) reconnect(s *slot) {
	s.mu.Lock()
	old := s.source
	s.source = nil
	oldSubs := s.subIDs
	s.subIDs = make(map[string]transport.SubID)
	s.mu.Unlock()

	if old != nil {
		for _, id := range oldSubs {
			_ = old.Unsubscribe(id)
		}
		m.boundedClose(old, s.id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.openAndSubscribe(ctx, s, 1)

	s.mu.Lock()
	s.reconnects++
	s.reconnecting = false
	if len(s.subIDs) > 0 {
		s.failures = 0
		s.lastMessageAt = m.now()
		s.state = StateReady
	}
	recovered := len(s.subIDs)
	s.mu.Unlock()

	m.logger.Info().
		Int("slot", s.id).
		Int("resubscribed", recovered).
		Msg("reconnect cycle finished")
}

// boundedClose closes a source without letting a hang block the caller.
func (m *Manager) boundedClose(src transport.EventSource, slotID int) {
	done := make(chan error, 1)
	go func() { done <- src.Close() }()

	timeout := m.opts.CloseTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case err := <-done:
		if err != nil {
			m.logger.Warn().Err(err).Int("slot", slotID).Msg("close returned error")
		}
	case <-time.After(timeout):
		m.logger.Warn().Int("slot", slotID).Msg("close timed out; abandoning connection")
	}
}

func (m *Manager) teardownSlots() {
	m.mu.Lock()
	slots := m.slots
	m.slots = nil
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range slots {
		s.mu.Lock()
		src := s.source
		s.source = nil
		s.mu.Unlock()
		if src == nil {
			continue
		}
		wg.Add(1)
		go func(src transport.EventSource, id int) {
			defer wg.Done()
			m.boundedClose(src, id)
		}(src, s.id)
	}
	wg.Wait()
}

// Stop unsubscribes and closes every slot, each bounded by its own
// timeout, and stops the health monitor.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	m.teardownSlots()
	m.logger.Info().Msg("pool stopped")
}

// Stats snapshots every slot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	slots := m.slots
	degraded := m.degraded
	m.mu.Unlock()

	out := Stats{DegradedMode: degraded, Slots: make([]SlotStats, 0, len(slots))}
	for _, s := range slots {
		s.mu.Lock()
		out.Slots = append(out.Slots, SlotStats{
			Slot:                s.id,
			State:               s.state,
			Entities:            len(s.entities),
			Subscribed:          len(s.subIDs),
			LastMessageAt:       s.lastMessageAt,
			ConsecutiveFailures: s.failures,
			Reconnects:          s.reconnects,
		})
		s.mu.Unlock()
	}
	return out
}
