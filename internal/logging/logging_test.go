package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want log.Level
	}{
		{"debug", log.DebugLevel},
		{"DEBUG", log.DebugLevel},
		{"info", log.InfoLevel},
		{"warn", log.WarnLevel},
		{"warning", log.WarnLevel},
		{" error ", log.ErrorLevel},
		{"fatal", log.FatalLevel},
		{"", log.InfoLevel},
		{"chatty", log.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewRespectsLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Output: &buf, Prefix: "sync"})

	logger.Info("hidden")
	logger.Warn("shown", "repo", "fenhl/wheel")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "repo=fenhl/wheel") || !strings.Contains(out, "sync") {
		t.Errorf("warn message missing fields: %q", out)
	}
}

func TestNewEnvOverride(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	var buf bytes.Buffer
	logger := New(Options{Level: "error", Output: &buf})

	logger.Debug("detail")
	if !strings.Contains(buf.String(), "detail") {
		t.Errorf("%s=debug did not enable debug output: %q", EnvLogLevel, buf.String())
	}
}
