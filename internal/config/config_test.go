package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入临时文件失败: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}

	if cfg.Pool.Connections != 4 {
		t.Fatalf("pool.connections 默认应为 4, 实际 %d", cfg.Pool.Connections)
	}
	if cfg.Pool.StaleWarn != 60*time.Second || cfg.Pool.StaleCritical != 180*time.Second {
		t.Fatalf("staleness 默认错误: warn=%s critical=%s", cfg.Pool.StaleWarn, cfg.Pool.StaleCritical)
	}
	if cfg.Aggregation.Quiescence != 3*time.Second {
		t.Fatalf("quiescence 默认应为 3s, 实际 %s", cfg.Aggregation.Quiescence)
	}
	if cfg.Window.Length != 24*time.Hour {
		t.Fatalf("window.length 默认应为 24h, 实际 %s", cfg.Window.Length)
	}
	if cfg.Alerting.SingleThreshold != 10000 || cfg.Alerting.CumulativeThreshold != 50000 {
		t.Fatalf("阈值默认错误: %v %v", cfg.Alerting.SingleThreshold, cfg.Alerting.CumulativeThreshold)
	}
	if cfg.Exchange.Strategy != "stream" {
		t.Fatalf("strategy 默认应为 stream, 实际 %s", cfg.Exchange.Strategy)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad strategy", "exchange:\n  strategy: carrier-pigeon\n"},
		{"stale ordering", "pool:\n  stale_warn: 180s\n  stale_critical: 60s\n"},
		{"zero quiescence", "aggregation:\n  quiescence: 0s\n"},
		{"bad anchor", "window:\n  anchor: not-a-time\n"},
		{"telegram missing token", "alerting:\n  telegram:\n    enabled: true\n    chat_id: c\n"},
		{"nats missing url", "alerting:\n  nats:\n    enabled: true\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "config.yaml", tc.yaml)); err == nil {
				t.Fatalf("%s 配置应校验失败", tc.name)
			}
		})
	}
}

func TestDedupTTLCoversWindow(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", "window:\n  length: 6h\ndedup:\n  margin: 30m\n"))
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}
	if got := cfg.DedupTTL(); got != 6*time.Hour+30*time.Minute {
		t.Fatalf("DedupTTL = %s, want 6h30m", got)
	}
}

func TestWindowAnchorDefaultsToFixedEpoch(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", "app:\n  name: x\n"))
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}

	// the default must not move between restarts, or persisted counters
	// would be re-zeroed on every boot
	epoch := time.Unix(0, 0).UTC()
	if got := cfg.WindowAnchor(); !got.Equal(epoch) {
		t.Fatalf("未配置 anchor 应回退到固定纪元, 实际 %s", got)
	}
	if first, second := cfg.WindowAnchor(), cfg.WindowAnchor(); !first.Equal(second) {
		t.Fatalf("anchor 不应随调用漂移: %s != %s", first, second)
	}

	cfg.Window.Anchor = "2026-01-01T00:00:00Z"
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := cfg.WindowAnchor(); !got.Equal(want) {
		t.Fatalf("anchor = %s, want %s", got, want)
	}
}

func TestLoadWatchlist(t *testing.T) {
	path := writeFile(t, "watchlist.yaml", `entities:
  - address: "0x52908400098527886E0F7030069857D2E4169EE7"
    label: whale-1
  - address: "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
    label: whale-2
    active: false
    thresholds:
      single: 250000
`)

	entities, err := LoadWatchlist(path)
	if err != nil {
		t.Fatalf("LoadWatchlist 失败: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("应解析 2 个实体, 实际 %d", len(entities))
	}

	if entities[0].ID != "0x52908400098527886e0f7030069857d2e4169ee7" {
		t.Fatalf("地址应小写化: %s", entities[0].ID)
	}
	if !entities[0].Active {
		t.Fatal("active 默认应为 true")
	}
	if entities[1].Active {
		t.Fatal("显式 active: false 应生效")
	}
	if entities[1].Thresholds.Single == nil || !entities[1].Thresholds.Single.Equal(decimal.NewFromInt(250000)) {
		t.Fatalf("单笔阈值覆盖未生效: %v", entities[1].Thresholds.Single)
	}
	if entities[1].Thresholds.Cumulative != nil {
		t.Fatal("未配置的累计阈值应为 nil")
	}
}

func TestLoadWatchlistRejectsBadEntries(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"invalid address", "entities:\n  - address: nonsense\n"},
		{"duplicate address", `entities:
  - address: "0x52908400098527886E0F7030069857D2E4169EE7"
  - address: "0x52908400098527886e0f7030069857d2e4169ee7"
`},
		{"empty list", "entities: []\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadWatchlist(writeFile(t, "watchlist.yaml", tc.yaml)); err == nil {
				t.Fatalf("%s 应解析失败", tc.name)
			}
		})
	}
}
