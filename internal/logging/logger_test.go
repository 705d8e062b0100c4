package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"axion-alerts/internal/config"
)

func TestNewRejectsNoSinks(t *testing.T) {
	t.Parallel()

	if _, _, err := newLogger(config.LogConfig{}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error without sinks")
	}
}

func TestConsoleLineIsColored(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger, closeFn, err := newLogger(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "info", Format: "line"},
	}, &out)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closeFn()

	logger.Debug("hidden")
	logger.Warn("alert triggered", "alert_id", "a1")

	got := out.String()
	if strings.Contains(got, "hidden") {
		t.Fatalf("debug record must be filtered: %q", got)
	}
	if !strings.HasPrefix(got, ansiYellow) || !strings.Contains(got, "a1") {
		t.Fatalf("expected yellow warn line, got %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("console line must not carry timestamps: %q", got)
	}
}

func TestFileSinkWritesJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "axion.log")
	var console bytes.Buffer
	logger, closeFn, err := newLogger(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "error", Format: "json"},
		File:    config.LogSinkConfig{Enabled: true, Level: "debug", Format: "json", Path: path, MaxSizeMB: 1},
	}, &console)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("delivery failed", "channel", "webhook")
	closeFn()

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(body), `"channel":"webhook"`) {
		t.Fatalf("unexpected file log: %s", body)
	}
	if console.Len() != 0 {
		t.Fatalf("info record must not reach error-level console: %q", console.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	if _, err := parseLevel("trace"); err == nil {
		t.Fatalf("expected unsupported level error")
	}
	if level, err := parseLevel(" WARN "); err != nil || level.String() != "WARN" {
		t.Fatalf("unexpected level %v %v", level, err)
	}
}
