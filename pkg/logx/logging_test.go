package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerWithFieldsAreWritten(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "catalog"))

	log.Info("resolved", Int("events", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "catalog" {
		t.Fatalf("comp=%v", m["comp"])
	}
	if m["events"] != float64(3) {
		t.Fatalf("events=%v", m["events"])
	}
	if m["message"] != "resolved" {
		t.Fatalf("message=%v", m["message"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller missing: %v", m)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("ignored")
	if Nop().IsZero() {
		t.Fatalf("Nop should not be zero")
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	log := NewWriter(&bytes.Buffer{}, "warn")
	if log.Enabled(LevelDebug) {
		t.Fatalf("debug should be disabled at warn level")
	}
	if !log.Enabled(LevelError) {
		t.Fatalf("error should be enabled at warn level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"nope", zerolog.InfoLevel},
	}
	for _, c := range cases {
		if got := parseLevel(c.in, zerolog.InfoLevel); got != c.want {
			t.Fatalf("parseLevel(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestAlertWriterFiltersByLevelAndRate(t *testing.T) {
	var buf bytes.Buffer
	w := newAlertWriter(&buf, AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 1})

	_, _ = w.WriteLevel(zerolog.InfoLevel, []byte("info\n"))
	if buf.Len() != 0 {
		t.Fatalf("info should not be mirrored: %q", buf.String())
	}
	_, _ = w.WriteLevel(zerolog.ErrorLevel, []byte("first\n"))
	_, _ = w.WriteLevel(zerolog.ErrorLevel, []byte("second\n"))
	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Fatalf("expected exactly one mirrored line, got %d (%q)", got, buf.String())
	}
	if w.dropped.Load() != 1 {
		t.Fatalf("dropped=%d", w.dropped.Load())
	}
}
