package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		expected slog.Level
	}{
		{"debug level", Config{Level: "debug"}, slog.LevelDebug},
		{"info level", Config{Level: "info"}, slog.LevelInfo},
		{"warn level", Config{Level: "warn"}, slog.LevelWarn},
		{"warning alias", Config{Level: "warning"}, slog.LevelWarn},
		{"error level", Config{Level: "error"}, slog.LevelError},
		{"unknown defaults to info", Config{Level: "bogus"}, slog.LevelInfo},
		{"empty defaults to info", Config{}, slog.LevelInfo},
		{"verbose overrides level", Config{Level: "error", Verbose: true}, slog.LevelDebug},
		{"quiet overrides level", Config{Level: "debug", Quiet: true}, slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseLevel(tt.cfg); got != tt.expected {
				t.Errorf("parseLevel(%+v) = %v, want %v", tt.cfg, got, tt.expected)
			}
		})
	}
}

func TestNewWritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "text", Output: &buf})

	logger.Info("hello", "key", "value")

	out := buf.String()
	if !strings.Contains(out, "hello") {
		t.Errorf("expected output to contain message, got %q", out)
	}
	if !strings.Contains(out, "key=value") {
		t.Errorf("expected output to contain attribute, got %q", out)
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "json", Output: &buf})

	logger.Info("structured")

	out := buf.String()
	if !strings.Contains(out, `"msg":"structured"`) {
		t.Errorf("expected JSON output, got %q", out)
	}
}

func TestQuietSuppressesInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Format: "text", Output: &buf})

	logger.Info("should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected no output in quiet mode, got %q", buf.String())
	}

	logger.Error("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("expected error output in quiet mode, got %q", buf.String())
	}
}

func TestGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	Set(New(Config{Level: "debug", Format: "text", Output: &buf}))
	defer SetDefault()

	Debug("debug message")
	if !strings.Contains(buf.String(), "debug message") {
		t.Errorf("expected global logger output, got %q", buf.String())
	}
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "text", Output: &buf})

	ctx := WithLogger(context.Background(), logger)
	got := FromContext(ctx)
	if got != logger {
		t.Error("FromContext did not return the logger stored with WithLogger")
	}

	// Without a stored logger, fall back to the global one
	if FromContext(context.Background()) == nil {
		t.Error("FromContext on empty context returned nil")
	}
}

func TestFromContextOr(t *testing.T) {
	var buf bytes.Buffer
	stored := New(Config{Level: "info", Format: "text", Output: &buf})
	fallback := New(Config{Level: "info", Format: "text", Output: &buf})

	ctx := WithLogger(context.Background(), stored)
	if got := FromContextOr(ctx, fallback); got != stored {
		t.Error("FromContextOr ignored the stored logger")
	}
	if got := FromContextOr(context.Background(), fallback); got != fallback {
		t.Error("FromContextOr ignored the fallback")
	}
	if FromContextOr(context.Background(), nil) == nil {
		t.Error("FromContextOr with no logger anywhere returned nil")
	}
}

func TestColorHandlerAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(h)

	logger.Info("colored", "device", "dev-1")

	out := buf.String()
	if !strings.Contains(out, `msg="colored"`) {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "device=dev-1") {
		t.Errorf("expected attribute in output, got %q", out)
	}
}
