package logging_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/saveenergy/quicperf/internal/logging"
)

type testStringer struct{}

func (testStringer) String() string {
	return "stringer-value"
}

func TestFormatValueTypes(t *testing.T) {
	now := time.Date(2026, 1, 16, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input interface{}
		want  string
	}{
		{name: "string", input: "hello", want: "hello"},
		{name: "bool", input: true, want: "true"},
		{name: "int", input: 42, want: "42"},
		{name: "uint64", input: uint64(12500), want: "12500"},
		{name: "float64", input: 2.25, want: "2.25"},
		{name: "duration", input: 100 * time.Millisecond, want: "100ms"},
		{name: "time", input: now, want: now.Format(time.RFC3339Nano)},
		{name: "stringer", input: testStringer{}, want: "stringer-value"},
		{name: "error", input: errors.New("boom"), want: "boom"},
		{name: "fallback", input: []int{1, 2}, want: fmt.Sprintf("%v", []int{1, 2})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := logging.FormatValue(tt.input); got != tt.want {
				t.Fatalf("FormatValue got=%q want=%q", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]logging.Level{
		"debug":   logging.LevelDebug,
		"INFO":    logging.LevelInfo,
		"warning": logging.LevelWarn,
		"error":   logging.LevelError,
		"bogus":   logging.LevelInfo,
	}
	for in, want := range tests {
		if got := logging.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(logging.LevelWarn, logging.Options{Output: &buf})

	l.Info("hidden")
	l.Warn("shown", logging.Field{Key: "count", Value: uint64(7)})
	_ = l.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "7") {
		t.Fatalf("warn line missing: %q", out)
	}

	l.SetLevel(logging.LevelDebug)
	l.Debug("now visible")
	_ = l.Sync()
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("debug line missing after SetLevel: %q", buf.String())
	}
}

func TestLoggerWithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(logging.LevelInfo, logging.Options{Output: &buf}).
		With(logging.Field{Key: "conn_id", Value: "abc"})

	l.Info("state change")
	_ = l.Sync()

	if !strings.Contains(buf.String(), "abc") {
		t.Fatalf("expected conn_id in output: %q", buf.String())
	}
}
