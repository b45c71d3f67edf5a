package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-flow-alerts/internal/dedup"
	"whale-flow-alerts/internal/domain"
	"whale-flow-alerts/internal/window"
)

var testAnchor = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testEntities() []domain.WatchedEntity {
	big := decimal.NewFromInt(1000000)
	return []domain.WatchedEntity{
		{ID: "0xabc", Label: "whale-1", Active: true},
		{ID: "0xdef", Label: "custom", Active: true, Thresholds: domain.Thresholds{Single: &big}},
		{ID: "0xoff", Label: "parked", Active: false},
	}
}

func testOptions() Options {
	return Options{
		SingleEnabled:       true,
		CumulativeEnabled:   true,
		SingleThreshold:     decimal.NewFromInt(10000),
		CumulativeThreshold: decimal.NewFromInt(50000),
	}
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *[]domain.Alert) {
	t.Helper()
	ded := dedup.NewMemory(time.Hour, 0)
	t.Cleanup(ded.Close)
	now := testAnchor.Add(time.Hour)
	win := window.NewMemory(testAnchor, 24*time.Hour, 8, func() time.Time { return now })

	var alerts []domain.Alert
	engine := NewEngine(opts, testEntities(), ded, win, func(_ context.Context, a domain.Alert) {
		alerts = append(alerts, a)
	}, zerolog.Nop())
	return engine, &alerts
}

func event(entity, source string, amount int64) domain.AggregatedEvent {
	return domain.AggregatedEvent{
		CanonicalEvent: domain.CanonicalEvent{
			EntityID:   entity,
			Kind:       domain.KindFill,
			Direction:  domain.DirBuy,
			Asset:      "BTC",
			Amount:     decimal.NewFromInt(amount),
			SourceID:   source,
			OccurredAt: testAnchor.Add(time.Hour),
		},
		ConstituentCount: 1,
	}
}

func TestSingleRuleFires(t *testing.T) {
	engine, alerts := newTestEngine(t, testOptions())
	ctx := context.Background()

	engine.Process(ctx, event("0xabc", "s1", 15000))

	if len(*alerts) != 1 {
		t.Fatalf("应触发一条告警, 实际 %d", len(*alerts))
	}
	a := (*alerts)[0]
	if a.Rule != domain.RuleSingle {
		t.Fatalf("rule = %s, want single", a.Rule)
	}
	if !a.Threshold.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("threshold = %s, want 10000", a.Threshold)
	}
}

func TestBelowThresholdNoAlert(t *testing.T) {
	engine, alerts := newTestEngine(t, testOptions())

	engine.Process(context.Background(), event("0xabc", "s2", 500))

	if len(*alerts) != 0 {
		t.Fatalf("低于阈值不应告警, 实际 %d", len(*alerts))
	}
}

func TestDuplicateEventSkipped(t *testing.T) {
	engine, alerts := newTestEngine(t, testOptions())
	ctx := context.Background()

	engine.Process(ctx, event("0xabc", "dup", 15000))
	engine.Process(ctx, event("0xabc", "dup", 15000))

	if len(*alerts) != 1 {
		t.Fatalf("重复事件只应告警一次, 实际 %d", len(*alerts))
	}
	if got := engine.Stats().Duplicates; got != 1 {
		t.Fatalf("duplicates = %d, want 1", got)
	}
}

func TestCumulativeRuleTakesPriority(t *testing.T) {
	engine, alerts := newTestEngine(t, testOptions())
	ctx := context.Background()

	// three sub-threshold buys push the window total over 50000
	engine.Process(ctx, event("0xabc", "c1", 9000))
	engine.Process(ctx, event("0xabc", "c2", 9000))
	engine.Process(ctx, event("0xabc", "c3", 40000))

	// c3 crosses both thresholds; cumulative wins and consumes the event
	if len(*alerts) != 1 {
		t.Fatalf("应只有一条告警, 实际 %d", len(*alerts))
	}
	got := (*alerts)[0]
	if got.Rule != domain.RuleCumulative {
		t.Fatalf("累计规则优先, rule = %s", got.Rule)
	}
	if !got.CumulativeAmount.Equal(decimal.NewFromInt(58000)) {
		t.Fatalf("cumulative = %s, want 58000", got.CumulativeAmount)
	}

	stats := engine.Stats()
	if stats.SingleFired != 0 || stats.CumulativeFired != 1 {
		t.Fatalf("single=%d cumulative=%d, want 0/1", stats.SingleFired, stats.CumulativeFired)
	}
}

func TestBurstOfLargeBuys(t *testing.T) {
	engine, alerts := newTestEngine(t, testOptions())
	ctx := context.Background()

	// five 12000 USD buys: each clears the single threshold, the fifth
	// pushes the window total to 60000 and flips to cumulative
	for i := 0; i < 5; i++ {
		engine.Process(ctx, event("0xabc", "b"+string(rune('1'+i)), 12000))
	}

	if len(*alerts) != 5 {
		t.Fatalf("五笔大额买入应产生 5 条告警, 实际 %d", len(*alerts))
	}
	for i := 0; i < 4; i++ {
		if (*alerts)[i].Rule != domain.RuleSingle {
			t.Fatalf("第 %d 条应为单笔告警, rule = %s", i+1, (*alerts)[i].Rule)
		}
	}
	last := (*alerts)[4]
	if last.Rule != domain.RuleCumulative {
		t.Fatalf("第五条应为累计告警, rule = %s", last.Rule)
	}
	if !last.CumulativeAmount.Equal(decimal.NewFromInt(60000)) {
		t.Fatalf("cumulative = %s, want 60000", last.CumulativeAmount)
	}

	stats := engine.Stats()
	if stats.SingleFired != 4 || stats.CumulativeFired != 1 {
		t.Fatalf("single=%d cumulative=%d, want 4/1", stats.SingleFired, stats.CumulativeFired)
	}
}

func TestPerEntityThresholdOverride(t *testing.T) {
	engine, alerts := newTestEngine(t, testOptions())

	// 0xdef overrides single to 1000000; 15000 stays silent
	engine.Process(context.Background(), event("0xdef", "o1", 15000))

	if len(*alerts) != 0 {
		t.Fatalf("覆盖阈值后不应告警, 实际 %d", len(*alerts))
	}
}

func TestUnknownAndInactiveEntitiesDropped(t *testing.T) {
	engine, alerts := newTestEngine(t, testOptions())
	ctx := context.Background()

	engine.Process(ctx, event("0xnobody", "u1", 99999))
	engine.Process(ctx, event("0xoff", "u2", 99999))

	if len(*alerts) != 0 {
		t.Fatalf("未知或停用实体不应告警, 实际 %d", len(*alerts))
	}
	if got := engine.Stats().UnknownEntity; got != 2 {
		t.Fatalf("unknown = %d, want 2", got)
	}
}

type failingDedup struct{}

func (failingDedup) IsProcessed(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}
func (failingDedup) MarkProcessed(context.Context, string) error { return errors.New("store down") }
func (failingDedup) MarkIfNew(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}

func TestDedupFailureFailsOpen(t *testing.T) {
	now := testAnchor.Add(time.Hour)
	win := window.NewMemory(testAnchor, 24*time.Hour, 8, func() time.Time { return now })

	var alerts []domain.Alert
	engine := NewEngine(testOptions(), testEntities(), failingDedup{}, win, func(_ context.Context, a domain.Alert) {
		alerts = append(alerts, a)
	}, zerolog.Nop())

	engine.Process(context.Background(), event("0xabc", "f1", 15000))

	if len(alerts) != 1 {
		t.Fatalf("去重存储故障时应照常评估, 实际 %d 条告警", len(alerts))
	}
	if got := engine.Stats().DedupErrors; got != 1 {
		t.Fatalf("dedupErrors = %d, want 1", got)
	}
}

type readOnlyWindow struct {
	stored decimal.Decimal
}

func (w readOnlyWindow) Update(context.Context, string, domain.Direction, decimal.Decimal, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("write refused")
}
func (w readOnlyWindow) Read(context.Context, string, domain.Direction) (decimal.Decimal, error) {
	return w.stored, nil
}
func (w readOnlyWindow) Snapshot(context.Context, string, domain.Direction) (window.Counter, error) {
	return window.Counter{Cumulative: w.stored}, nil
}

func TestWindowWriteFailureUsesLastStoredTotal(t *testing.T) {
	ded := dedup.NewMemory(time.Hour, 0)
	defer ded.Close()

	// stored total already past the 50000 cumulative threshold
	win := readOnlyWindow{stored: decimal.NewFromInt(58000)}

	var alerts []domain.Alert
	engine := NewEngine(testOptions(), testEntities(), ded, win, func(_ context.Context, a domain.Alert) {
		alerts = append(alerts, a)
	}, zerolog.Nop())

	engine.Process(context.Background(), event("0xabc", "rw1", 15000))

	if len(alerts) != 1 {
		t.Fatalf("应触发一条告警, 实际 %d", len(alerts))
	}
	if alerts[0].Rule != domain.RuleCumulative {
		t.Fatalf("窗口写入失败时应按已存总量评估累计规则, rule = %s", alerts[0].Rule)
	}
	if !alerts[0].CumulativeAmount.Equal(decimal.NewFromInt(73000)) {
		t.Fatalf("cumulative = %s, want 73000", alerts[0].CumulativeAmount)
	}
	if got := engine.Stats().WindowErrors; got != 1 {
		t.Fatalf("windowErrors = %d, want 1", got)
	}
}

type failingWindow struct{}

func (failingWindow) Update(context.Context, string, domain.Direction, decimal.Decimal, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("window down")
}
func (failingWindow) Read(context.Context, string, domain.Direction) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("window down")
}
func (failingWindow) Snapshot(context.Context, string, domain.Direction) (window.Counter, error) {
	return window.Counter{}, errors.New("window down")
}

func TestWindowFailureStillEvaluatesSingle(t *testing.T) {
	ded := dedup.NewMemory(time.Hour, 0)
	defer ded.Close()

	var alerts []domain.Alert
	engine := NewEngine(testOptions(), testEntities(), ded, failingWindow{}, func(_ context.Context, a domain.Alert) {
		alerts = append(alerts, a)
	}, zerolog.Nop())

	engine.Process(context.Background(), event("0xabc", "w1", 60000))

	if len(alerts) != 1 {
		t.Fatalf("窗口存储故障时单笔规则仍应评估, 实际 %d", len(alerts))
	}
	if alerts[0].Rule != domain.RuleSingle {
		t.Fatalf("窗口不可用时只能触发单笔规则, rule = %s", alerts[0].Rule)
	}
}
