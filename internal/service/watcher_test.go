package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-flow-alerts/internal/config"
	"whale-flow-alerts/internal/dedup"
	"whale-flow-alerts/internal/domain"
	"whale-flow-alerts/internal/pool"
	"whale-flow-alerts/internal/transport"
	"whale-flow-alerts/internal/window"
)

type fakePool struct {
	mu      sync.Mutex
	started []string
	stopped bool
}

func (f *fakePool) Start(_ context.Context, entityIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = entityIDs
	return nil
}

func (f *fakePool) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakePool) Stats() pool.Stats { return pool.Stats{} }

type alertRecorder struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (r *alertRecorder) Notify(_ context.Context, alert domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *alertRecorder) wait(t *testing.T, n int, timeout time.Duration) []domain.Alert {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.alerts) >= n {
			out := append([]domain.Alert(nil), r.alerts...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("等待 %d 条告警超时", n)
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.App.Name = "test"
	cfg.Pool.QueueSize = 64
	cfg.Aggregation.Quiescence = 40 * time.Millisecond
	cfg.Alerting.Enabled = true
	cfg.Alerting.SingleEnabled = true
	cfg.Alerting.CumulativeEnabled = true
	cfg.Alerting.SingleThreshold = 10000
	cfg.Alerting.CumulativeThreshold = 1e12
	return cfg
}

func rawFill(tid, oid int64, px, sz float64) transport.RawEvent {
	return transport.RawEvent{
		Kind:  domain.KindFill,
		Asset: "BTC",
		Side:  "B",
		Price: decimal.NewFromFloat(px),
		Size:  decimal.NewFromFloat(sz),
		Tid:   tid,
		Oid:   oid,
		Time:  time.Now().UTC(),
	}
}

func TestWatcherAggregatesFillsIntoOneAlert(t *testing.T) {
	anchor := time.Now().UTC()
	fp := &fakePool{}
	rec := &alertRecorder{}

	w := New(testConfig(), Deps{
		Pool:     fp,
		Dedup:    dedup.NewMemory(time.Hour, 0),
		Windows:  window.NewMemory(anchor, 24*time.Hour, 8, nil),
		Entities: []domain.WatchedEntity{{ID: "0xabc", Label: "whale-1", Active: true}},
		Notifier: rec,
		Logger:   zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// wait until the pool was started before producing
	deadline := time.Now().Add(time.Second)
	for {
		fp.mu.Lock()
		started := len(fp.started)
		fp.mu.Unlock()
		if started == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pool 未启动")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// three partial fills of the same order: 3 × (50000 × 0.1) = 15000 USD
	w.HandleRaw("0xabc", rawFill(1, 99, 50000, 0.1))
	w.HandleRaw("0xabc", rawFill(2, 99, 50000, 0.1))
	w.HandleRaw("0xabc", rawFill(3, 99, 50000, 0.1))

	alerts := rec.wait(t, 1, 2*time.Second)
	if len(alerts) != 1 {
		t.Fatalf("三笔部分成交应只产生一条告警, 实际 %d", len(alerts))
	}
	a := alerts[0]
	if a.Rule != domain.RuleSingle {
		t.Fatalf("rule = %s, want single", a.Rule)
	}
	if !a.TriggeringAmount.Equal(decimal.NewFromInt(15000)) {
		t.Fatalf("聚合名义金额应为 15000, 实际 %s", a.TriggeringAmount)
	}
	if a.EntityLabel != "whale-1" {
		t.Fatalf("label = %s", a.EntityLabel)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run 返回错误: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未在取消后退出")
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if !fp.stopped {
		t.Fatal("关停时应停止连接池")
	}
}

type ctxCheckDedup struct {
	mu   sync.Mutex
	errs []error
}

func (d *ctxCheckDedup) IsProcessed(context.Context, string) (bool, error) { return false, nil }
func (d *ctxCheckDedup) MarkProcessed(context.Context, string) error       { return nil }
func (d *ctxCheckDedup) MarkIfNew(ctx context.Context, _ string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, ctx.Err())
	return true, nil
}

type gatedNotifier struct {
	entered chan struct{}
	gate    chan struct{}
	mu      sync.Mutex
	count   int
}

func (g *gatedNotifier) Notify(_ context.Context, _ domain.Alert) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.gate
	g.mu.Lock()
	g.count++
	g.mu.Unlock()
	return nil
}

func TestShutdownDrainUsesLiveContext(t *testing.T) {
	ded := &ctxCheckDedup{}
	sink := &gatedNotifier{entered: make(chan struct{}, 1), gate: make(chan struct{})}

	w := New(testConfig(), Deps{
		Pool:     &fakePool{},
		Dedup:    ded,
		Windows:  window.NewMemory(time.Now().UTC(), 24*time.Hour, 8, nil),
		Entities: []domain.WatchedEntity{{ID: "0xabc", Active: true}},
		Notifier: sink,
		Logger:   zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// no order id: the buffer emits immediately and the consumer blocks
	// inside the notifier while holding the first event
	first := rawFill(1, 0, 150000, 0.1)
	w.HandleRaw("0xabc", first)
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("第一条告警未进入通知器")
	}

	// the second event is queued behind the blocked consumer, then the
	// run context is cancelled before it is picked up
	w.HandleRaw("0xabc", rawFill(2, 0, 150000, 0.1))
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(sink.gate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run 返回错误: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未退出")
	}

	ded.mu.Lock()
	defer ded.mu.Unlock()
	if len(ded.errs) != 2 {
		t.Fatalf("应处理 2 条事件, 实际 %d", len(ded.errs))
	}
	for i, err := range ded.errs {
		if err != nil {
			t.Fatalf("第 %d 条事件的上下文已取消: %v", i+1, err)
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.count != 2 {
		t.Fatalf("排队中的事件应在关停时送达, 实际 %d 条告警", sink.count)
	}
}

func TestWatcherDropsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.QueueSize = 1

	w := New(cfg, Deps{
		Pool:     &fakePool{},
		Dedup:    dedup.NewMemory(time.Hour, 0),
		Windows:  window.NewMemory(time.Now(), 24*time.Hour, 8, nil),
		Entities: []domain.WatchedEntity{{ID: "0xabc", Active: true}},
		Notifier: &alertRecorder{},
		Logger:   zerolog.Nop(),
	})

	// no consumer is running; the second event must overflow
	w.HandleRaw("0xabc", rawFill(1, 1, 10, 1))
	w.HandleRaw("0xabc", rawFill(2, 1, 10, 1))

	if got := w.DroppedEvents(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestWatcherRequiresActiveEntities(t *testing.T) {
	w := New(testConfig(), Deps{
		Pool:     &fakePool{},
		Dedup:    dedup.NewMemory(time.Hour, 0),
		Windows:  window.NewMemory(time.Now(), 24*time.Hour, 8, nil),
		Entities: []domain.WatchedEntity{{ID: "0xabc", Active: false}},
		Notifier: &alertRecorder{},
		Logger:   zerolog.Nop(),
	})

	if err := w.Run(context.Background()); err == nil {
		t.Fatal("没有活跃实体时 Run 应失败")
	}
}
