package alerts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEscapeJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "bash", "bash"},
		{"quote", "my\"proc", "my\\\"proc"},
		{"backslash", "a\\b", "a\\\\b"},
		{"newline", "a\nb", "a\\u000ab"},
		{"tab", "a\tb", "a\\u0009b"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := escapeJSON(tt.in); got != tt.want {
				t.Errorf("escapeJSON(%q): got %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func newFileLogger(t *testing.T, cooldownSec uint32) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alerts.log")
	l, err := New(path, true, false, cooldownSec)
	if err != nil {
		t.Fatal(err)
	}
	l.toStdout = false
	t.Cleanup(l.Close)
	return l, path
}

func TestEmitFormat(t *testing.T) {
	l, path := newFileLogger(t, 0)

	emitted := l.Emit(&Alert{
		Level:       Critical,
		TimestampNs: 123456789,
		PID:         4242,
		Comm:        `fire"fox`,
		Score:       0.91234,
		Reason:      "cache_miss_spike burst_pattern",
	})
	if !emitted {
		t.Fatal("alert should be emitted with no cooldown")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimRight(string(data), "\n")

	want := `{"level":"CRITICAL","timestamp":123456789,"pid":4242,"comm":"fire\"fox","anomaly_score":0.9123,"reason":"cache_miss_spike burst_pattern"}`
	if line != want {
		t.Errorf("alert line mismatch:\ngot  %s\nwant %s", line, want)
	}

	// The contract is parseable single-line JSON.
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		t.Fatalf("alert is not valid JSON: %v", err)
	}
	if parsed["level"] != "CRITICAL" || parsed["comm"] != `fire"fox` {
		t.Errorf("parsed fields wrong: %v", parsed)
	}
}

func TestEmitDefaults(t *testing.T) {
	l, path := newFileLogger(t, 0)

	l.Emit(&Alert{Level: Info})

	data, _ := os.ReadFile(path)
	line := string(data)
	if !strings.Contains(line, `"comm":"unknown"`) {
		t.Errorf("empty comm should render as unknown: %s", line)
	}
	if !strings.Contains(line, `"reason":"unspecified"`) {
		t.Errorf("empty reason should render as unspecified: %s", line)
	}
}

func TestCooldownSuppression(t *testing.T) {
	l, _ := newFileLogger(t, 5)

	a := &Alert{Level: Warning, Score: 0.6, Reason: "cache_miss_spike"}

	if !l.Emit(a) {
		t.Fatal("first alert should be emitted")
	}
	if l.Emit(a) {
		t.Error("second alert inside the cooldown should be suppressed")
	}
	if l.Emit(a) {
		t.Error("third alert inside the cooldown should be suppressed")
	}
}

func TestNoCooldown(t *testing.T) {
	l, _ := newFileLogger(t, 0)

	a := &Alert{Level: Info}
	for i := 0; i < 3; i++ {
		if !l.Emit(a) {
			t.Fatalf("emit %d suppressed with cooldown disabled", i)
		}
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{Info, "INFO"},
		{Warning, "WARNING"},
		{Critical, "CRITICAL"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String(): got %q, want %q", tt.level, got, tt.want)
		}
	}
}
