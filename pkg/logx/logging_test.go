package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
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
	l.With(Int("n", 1)).Warn("derived")
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "engine"))
	l.Warn("task.failed", Job("backup"), Err(errors.New("boom")), Int("attempts", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "engine" || m["job"] != "backup" {
		t.Fatalf("missing fixed fields: %v", m)
	}
	if m["message"] != "task.failed" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["attempts"] != float64(2) {
		t.Fatalf("attempts = %v", m["attempts"])
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "jw.log")
	svc, l := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	if l.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at info level")
	}
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	if !l.Enabled(LevelDebug) {
		t.Fatal("live logger should follow Apply")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"":        LevelInfo,
		"debug":   LevelDebug,
		"WARNING": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
