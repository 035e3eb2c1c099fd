package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger(Config{Level: "WARN"})
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("level = %s, want warn", logger.GetLevel())
	}
	if NewLogger(Config{Level: "nonsense"}).GetLevel() != zerolog.InfoLevel {
		t.Fatal("unknown level should fall back to info")
	}
}

func TestLogWriterConsole(t *testing.T) {
	var buf bytes.Buffer
	w := logWriter(Config{Format: "console"}, &buf)
	console := zerolog.New(w)
	console.Info().Str("component", "engine").Msg("settled")
	out := buf.String()
	if strings.HasPrefix(out, "{") || !strings.Contains(out, "settled") {
		t.Fatalf("expected console output, got %q", out)
	}

	buf.Reset()
	jsonLogger := zerolog.New(logWriter(Config{Format: "json"}, &buf))
	jsonLogger.Info().Msg("settled")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected json output, got %q", buf.String())
	}
}
