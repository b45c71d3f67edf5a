package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("quiet")
	logger.Warn().Msg("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Fatalf("warn 级别不应输出 info 日志: %s", out)
	}
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, "loud") {
		t.Fatalf("warn 日志缺失: %s", out)
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "shouting"}, &buf)

	logger.Debug().Msg("hidden")
	logger.Info().Msg("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("默认级别应为 info: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("info 日志缺失: %s", out)
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "info", Format: "console"}, &buf)

	logger.Info().Msg("hello")

	if strings.Contains(buf.String(), `"message"`) {
		t.Fatalf("console 格式不应输出 JSON: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("console 日志缺失: %s", buf.String())
	}
}
