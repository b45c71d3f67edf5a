package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestMemoryMarkIfNew(t *testing.T) {
	m := NewMemory(time.Minute, 0)
	defer m.Close()
	ctx := context.Background()

	fresh, err := m.MarkIfNew(ctx, "tid:1")
	if err != nil || !fresh {
		t.Fatalf("首次标记应为新事件: fresh=%v err=%v", fresh, err)
	}

	fresh, err = m.MarkIfNew(ctx, "tid:1")
	if err != nil {
		t.Fatalf("MarkIfNew 失败: %v", err)
	}
	if fresh {
		t.Fatal("重复标记应返回 false")
	}

	seen, err := m.IsProcessed(ctx, "tid:1")
	if err != nil || !seen {
		t.Fatalf("IsProcessed 应为 true: %v %v", seen, err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(20*time.Millisecond, 0)
	defer m.Close()
	ctx := context.Background()

	if err := m.MarkProcessed(ctx, "tid:2"); err != nil {
		t.Fatalf("MarkProcessed 失败: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	seen, err := m.IsProcessed(ctx, "tid:2")
	if err != nil {
		t.Fatalf("IsProcessed 失败: %v", err)
	}
	if seen {
		t.Fatal("过期标记应视为未处理")
	}

	fresh, err := m.MarkIfNew(ctx, "tid:2")
	if err != nil || !fresh {
		t.Fatalf("过期后应可重新标记: fresh=%v err=%v", fresh, err)
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestRedisMarkIfNew(t *testing.T) {
	srv, client := newTestRedis(t)
	store := NewRedis(client, "test:", time.Minute, zerolog.Nop())
	ctx := context.Background()

	fresh, err := store.MarkIfNew(ctx, "0xdeadbeef")
	if err != nil || !fresh {
		t.Fatalf("首次 SETNX 应成功: fresh=%v err=%v", fresh, err)
	}
	if !srv.Exists("test:dedup:0xdeadbeef") {
		t.Fatal("标记键应存在")
	}

	fresh, err = store.MarkIfNew(ctx, "0xdeadbeef")
	if err != nil {
		t.Fatalf("MarkIfNew 失败: %v", err)
	}
	if fresh {
		t.Fatal("重复 SETNX 应返回 false")
	}
}

func TestRedisMarkerTTL(t *testing.T) {
	srv, client := newTestRedis(t)
	store := NewRedis(client, "test:", time.Minute, zerolog.Nop())
	ctx := context.Background()

	if err := store.MarkProcessed(ctx, "tid:9"); err != nil {
		t.Fatalf("MarkProcessed 失败: %v", err)
	}

	srv.FastForward(2 * time.Minute)

	seen, err := store.IsProcessed(ctx, "tid:9")
	if err != nil {
		t.Fatalf("IsProcessed 失败: %v", err)
	}
	if seen {
		t.Fatal("TTL 过后标记应消失")
	}
}
