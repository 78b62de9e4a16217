package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestSlogBridgeEmitsContextFields(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "info", Component: "riskd"}, &buf)
	log := NewSlog(&zl)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithTier(ctx, "effis-fwi")
	log.LogAttrs(ctx, slog.LevelInfo, "tier attempt",
		slog.Duration("elapsed", 120*time.Millisecond),
		slog.Bool("success", true))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("want 1 line, got %d", len(lines))
	}
	m := lines[0]
	if m["msg"] != "tier attempt" {
		t.Fatalf("msg = %v", m["msg"])
	}
	if m["request_id"] != "req-1" || m["tier"] != "effis-fwi" {
		t.Fatalf("context fields missing: %v", m)
	}
	if m["component"] != "riskd" {
		t.Fatalf("component = %v", m["component"])
	}
	if _, ok := m["elapsed"]; !ok {
		t.Fatalf("duration attr dropped: %v", m)
	}
	if m["success"] != true {
		t.Fatalf("success = %v", m["success"])
	}
}

func TestSlogBridgeLevelGate(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn"}, &buf)
	log := NewSlog(&zl)

	ctx := context.Background()
	log.LogAttrs(ctx, slog.LevelDebug, "hidden")
	log.LogAttrs(ctx, slog.LevelInfo, "hidden too")
	log.LogAttrs(ctx, slog.LevelError, "visible")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("want only error line, got %d: %s", len(lines), buf.String())
	}
	if lines[0]["msg"] != "visible" || lines[0]["level"] != "error" {
		t.Fatalf("unexpected line: %v", lines[0])
	}
}

func TestSlogBridgeGroupsFlatten(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "info"}, &buf)
	log := NewSlog(&zl).WithGroup("cache").With(slog.Int("capacity", 100))

	log.LogAttrs(context.Background(), slog.LevelInfo, "cleanup",
		slog.Int("removed", 3))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("want 1 line, got %d", len(lines))
	}
	m := lines[0]
	if m["cache.capacity"] != float64(100) {
		t.Fatalf("grouped attr missing: %v", m)
	}
	if m["cache.removed"] != float64(3) {
		t.Fatalf("grouped record attr missing: %v", m)
	}
}
