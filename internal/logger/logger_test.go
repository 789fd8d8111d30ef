package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew_CustomWriter(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: slog.LevelInfo, Format: "json", Writer: &buf})
	log.Info("chunk committed")

	assert.Contains(t, buf.String(), "chunk committed")
	assert.Contains(t, buf.String(), `"level":"INFO"`)
}

func TestNew_FormatAutoDetection(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		wantJSON    bool
	}{
		{"production uses json", "production", true},
		{"development uses pretty", "development", false},
		{"staging uses pretty", "staging", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := New(Config{Level: slog.LevelInfo, Environment: tt.environment, Writer: &buf})
			log.Info("test")

			if tt.wantJSON {
				assert.Contains(t, buf.String(), `"msg":"test"`)
			} else {
				assert.Contains(t, buf.String(), "INF")
				assert.NotContains(t, buf.String(), `"msg"`)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestPrettyHandler_Enabled(t *testing.T) {
	handler := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelInfo})

	assert.False(t, handler.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, handler.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, handler.Enabled(context.Background(), slog.LevelError))
}

func TestPrettyHandler_Handle(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	log.Warn("item skipped", "entity", "book", "count", 3)

	output := buf.String()
	assert.Contains(t, output, "item skipped")
	assert.Contains(t, output, "entity=book")
	assert.Contains(t, output, "count=3")
	assert.Contains(t, output, "WRN")
}

func TestPrettyHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	handler := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	assert.Equal(t, handler, handler.WithGroup(""))

	h := handler.WithAttrs([]slog.Attr{slog.String("stage", "authors")}).WithGroup("counts")
	slog.New(h).Info("progress", "read", 10)

	output := buf.String()
	assert.Contains(t, output, "stage=authors")
	assert.Contains(t, output, "counts.read=10")
}

func TestPrettyHandler_WithSource(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo, AddSource: true}))
	log.Info("test message")

	assert.Contains(t, buf.String(), "logger_test.go:")
}

func TestFormatValue(t *testing.T) {
	now := time.Now()

	assert.Equal(t, "test", formatValue(slog.StringValue("test")))
	assert.Equal(t, now.Format(time.RFC3339), formatValue(slog.TimeValue(now)))
	assert.Equal(t, "5s", formatValue(slog.DurationValue(5*time.Second)))
	assert.Equal(t, "42", formatValue(slog.IntValue(42)))
}

func TestLogger_ForRunAndStage(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: slog.LevelInfo, Format: "json", Writer: &buf})

	log.ForRun("run-1", "document-to-relational").ForStage("books").Info("stage started")

	output := buf.String()
	assert.Contains(t, output, `"run_id":"run-1"`)
	assert.Contains(t, output, `"pipeline":"document-to-relational"`)
	assert.Contains(t, output, `"stage":"books"`)
}

func TestLogger_WithErrorAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: slog.LevelInfo, Format: "json", Writer: &buf})

	log.WithError(errors.New("boom")).
		WithField("entity", "comment").
		WithField("natural_key", "refactoring").
		Info("failed")

	output := buf.String()
	assert.Contains(t, output, `"error":"boom"`)
	assert.Contains(t, output, `"entity":"comment"`)
	assert.Contains(t, output, `"natural_key":"refactoring"`)
}

func TestDiscard(t *testing.T) {
	log := Discard()
	assert.NotPanics(t, func() { log.Info("nothing") })
}
