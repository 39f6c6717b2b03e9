package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"info":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v, want %v", in, got, want)
		}
	}
}

func TestNew_JSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", FormatJSON, &buf)

	logger.Info().Msg("dropped")
	logger.Warn().Str("session_id", "s1").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%d, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["message"] != "kept" || entry["session_id"] != "s1" {
		t.Fatalf("entry=%v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Fatalf("expected timestamp field, got %v", entry)
	}
}

func TestNew_ConsoleFormatIsNotJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", FormatConsole, &buf)
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, "hello") {
		t.Fatalf("output=%q", out)
	}
	if json.Valid([]byte(strings.TrimSpace(out))) {
		t.Fatalf("expected console output, got JSON %q", out)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("OrNop(nil) returned nil")
	}
	var buf bytes.Buffer
	l := New("info", FormatJSON, &buf)
	if OrNop(l) != l {
		t.Fatalf("OrNop should return the given logger")
	}
}
