package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-flow-alerts/internal/domain"
)

func testAlert() domain.Alert {
	return domain.Alert{
		EntityID:         "0xabc",
		EntityLabel:      "whale-1",
		Rule:             domain.RuleCumulative,
		Kind:             domain.KindFill,
		Direction:        domain.DirBuy,
		Asset:            "BTC",
		TriggeringAmount: decimal.NewFromInt(40000),
		CumulativeAmount: decimal.NewFromInt(58000),
		Threshold:        decimal.NewFromInt(50000),
		SourceID:         "tid:42",
		OccurredAt:       time.Now().UTC(),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	if !strings.Contains(text, "whale-1") || !strings.Contains(text, "cumulative") {
		t.Fatalf("消息应包含实体与规则: %q", text)
	}
	if !strings.Contains(text, "58000.00") {
		t.Fatalf("消息应包含窗口累计: %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), testAlert()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

type stubSink struct {
	calls int
	err   error
}

func (s *stubSink) Notify(context.Context, domain.Alert) error {
	s.calls++
	return s.err
}

func TestFanoutDeliversPastFailures(t *testing.T) {
	bad := &stubSink{err: errors.New("sink down")}
	good := &stubSink{}

	f := NewFanout(testLogger(), bad, good)

	err := f.Notify(context.Background(), testAlert())
	if err == nil {
		t.Fatal("应回传首个失败")
	}
	if bad.calls != 1 || good.calls != 1 {
		t.Fatalf("所有 sink 都应被调用: bad=%d good=%d", bad.calls, good.calls)
	}
}

func TestConsoleNotifier(t *testing.T) {
	n := NewConsoleNotifier(testLogger())
	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("控制台 sink 不应失败: %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
