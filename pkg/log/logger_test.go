package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func captureLogger(buf *bytes.Buffer, level Level, f Formatter) *BaseLogger {
	return NewLogger(WithLevel(level), WithFormatter(f), WithOutput(NewWriterOutput(buf))).(*BaseLogger)
}

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	l := captureLogger(&buf, WarnLevel, &TextFormatter{DisableTimestamp: true})
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered: %q", out)
	}
	if !strings.Contains(out, "WARN  shown") {
		t.Fatalf("warn missing: %q", out)
	}
}

func TestTextFormatterFields(t *testing.T) {
	var buf bytes.Buffer
	l := captureLogger(&buf, DebugLevel, &TextFormatter{DisableTimestamp: true})
	l.With(Component("ingest"), Str("topic", "orders")).Info("appended", Int("count", 3), Str("note", "two words"))
	got := strings.TrimSpace(buf.String())
	want := `INFO  appended component=ingest count=3 note="two words" topic=orders`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := captureLogger(&buf, InfoLevel, &JSONFormatter{})
	l.Error("append failed", Err(errors.New("boom")), Int64("partition", 2))
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["level"] != "error" || m["msg"] != "append failed" || m["error"] != "boom" {
		t.Fatalf("unexpected entry: %v", m)
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	l := captureLogger(&buf, InfoLevel, &TextFormatter{DisableTimestamp: true})
	l.slogLogger = slog.New(newBridgeHandler(l).withRedactions([]string{"dsn"}))
	l.With(Str("dsn", "postgres://u:p@h/db")).Info("durable store opened")
	if strings.Contains(buf.String(), "u:p@h") {
		t.Fatalf("dsn leaked: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "[REDACTED]") {
		t.Fatalf("expected redaction marker: %q", buf.String())
	}
}

func TestSamplerAllowsInitialThenEveryNth(t *testing.T) {
	s := newSampler(2, 3)
	var allowed int
	for i := 0; i < 8; i++ {
		if s.allow(slog.LevelInfo, "tick") {
			allowed++
		}
	}
	// 2 initial, then messages 3 and 6 of the remaining 6
	if allowed != 4 {
		t.Fatalf("allowed=%d want 4", allowed)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": DebugLevel, "": InfoLevel, "WARN": WarnLevel, "error": ErrorLevel}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestApplyConfig(t *testing.T) {
	if _, err := ApplyConfig(&Config{Level: "error", Format: "text"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := ApplyConfig(&Config{Format: "xml"}); err == nil {
		t.Fatalf("expected unknown format error")
	}
	if _, err := ApplyConfig(&Config{Outputs: []OutputConfig{{Type: "file"}}}); err == nil {
		t.Fatalf("expected missing path error")
	}
}
