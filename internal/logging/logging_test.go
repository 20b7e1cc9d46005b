package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]log.Level{
		"debug":   log.DebugLevel,
		"INFO":    log.InfoLevel,
		"warn":    log.WarnLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"":        log.InfoLevel,
		"bogus":   log.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConfigure_JSONToWriter(t *testing.T) {
	orig := log.Default()
	t.Cleanup(func() { log.SetDefault(orig) })

	var buf bytes.Buffer
	logger, closer, err := Configure(Options{Level: "warn", Format: "json", Out: &buf})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer closer()

	logger.Info("hidden")
	logger.Warn("visible", "token", "abc")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"visible"`) {
		t.Errorf("output = %q, want JSON msg field", out)
	}
	if log.Default() != logger {
		t.Error("Configure did not install the default logger")
	}
}

func TestConfigure_AutoFormatNonTerminal(t *testing.T) {
	orig := log.Default()
	t.Cleanup(func() { log.SetDefault(orig) })

	var buf bytes.Buffer
	logger, _, err := Configure(Options{Format: "auto", Out: &buf})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	logger.Info("hello")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("auto format to a buffer should be JSON, got %q", buf.String())
	}
}

func TestConfigure_File(t *testing.T) {
	orig := log.Default()
	t.Cleanup(func() { log.SetDefault(orig) })

	path := filepath.Join(t.TempDir(), "onco.log")
	logger, closer, err := Configure(Options{File: path, Format: "text"})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	logger.Error("disk full")
	if err := closer(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "disk full") {
		t.Errorf("log file = %q, want message", data)
	}
}

func TestConfigure_BadFile(t *testing.T) {
	_, _, err := Configure(Options{File: filepath.Join(t.TempDir(), "missing", "x.log")})
	if err == nil {
		t.Fatal("expected error for unwritable log path")
	}
}

func TestFor_Prefix(t *testing.T) {
	var buf bytes.Buffer
	base := log.NewWithOptions(&buf, log.Options{Formatter: log.TextFormatter})
	For(base, "session").Info("flushed")
	if !strings.Contains(buf.String(), "session") {
		t.Errorf("output = %q, want prefix", buf.String())
	}
}
