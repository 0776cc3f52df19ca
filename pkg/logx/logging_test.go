package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// Must not panic.
	l.Info("hello", String("k", "v"))
	if l.With(String("a", "b")).IsZero() {
		t.Fatal("logger with fields should not report IsZero")
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("pool", "io"))
	l.Debug("task finished", Int("gen", 3), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["pool"] != "io" {
		t.Fatalf("pool = %v, want io", m["pool"])
	}
	if m["gen"] != float64(3) {
		t.Fatalf("gen = %v, want 3", m["gen"])
	}
	if _, ok := m["err"]; ok {
		t.Fatal("nil error should not be rendered")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Level
		ok   bool
	}{
		{raw: "debug", want: LevelDebug, ok: true},
		{raw: " WARNING ", want: LevelWarn, ok: true},
		{raw: "error", want: LevelError, ok: true},
		{raw: "loud", ok: false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.raw)
		if ok != tt.ok {
			t.Fatalf("ParseLevel(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
		}
		if ok && got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestAlertSinkFiltersAndThrottles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	alerts := filepath.Join(dir, "alerts.jsonl")

	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(dir, "main.log")},
		Alerts: AlertConfig{
			Enabled:    true,
			Path:       alerts,
			MinLevel:   "warn",
			RatePerSec: 2,
		},
	})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("routine")
	for i := 0; i < 10; i++ {
		log.Error("failing", Int("i", i))
	}

	b, err := os.ReadFile(alerts)
	if err != nil {
		t.Fatalf("read alerts: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("alert lines = %d, want 2 (burst)", len(lines))
	}
	if strings.Contains(string(b), "routine") {
		t.Fatal("info line leaked into alert sink")
	}
	if got := svc.DroppedAlerts(); got != 8 {
		t.Fatalf("DroppedAlerts = %d, want 8", got)
	}
}

func TestCallerStackNamesCaller(t *testing.T) {
	t.Parallel()
	s := CallerStack(0, 4)
	if !strings.Contains(s, "TestCallerStackNamesCaller") {
		t.Fatalf("stack does not include caller:\n%s", s)
	}
}
