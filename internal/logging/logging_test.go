package logging

import (
	"bytes"
	"errors"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nvis/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWithWriterFormats(t *testing.T) {
	for _, format := range []string{"text", "json", "pretty"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(&buf, "info", format)
			logger.Debug("hidden")
			logger.Info("stream added", "images", 10)
			out := buf.String()
			if strings.Contains(out, "hidden") {
				t.Fatalf("debug record leaked at info level: %q", out)
			}
			if !strings.Contains(out, "stream added") {
				t.Fatalf("expected message in output, got %q", out)
			}
		})
	}
}

func TestTraditionalHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelInfo}
	logger := slog.New(h).With("component", "viewer")
	logger.Info("server ready", "port", 8000)

	out := buf.String()
	if !strings.HasPrefix(out, "[INFO] server ready") {
		t.Fatalf("unexpected prefix: %q", out)
	}
	if !strings.Contains(out, "component=viewer") || !strings.Contains(out, "port=8000") {
		t.Fatalf("expected attrs in output: %q", out)
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, err := Setup(cfg, false)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	logger.Warn("disk almost full")

	name := filepath.Join(cfg.Logging.LogDir, "nvis-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "disk almost full") {
		t.Fatalf("expected record in log file, got %q", data)
	}
}

func TestLogJobHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", "text")
	LogJobStart(logger, "diff", "diff-1", []string{"a.png", "b.png"}, ".", map[string]any{"window": 8})
	LogJobComplete(logger, "diff", "diff-1", time.Second, map[string]any{"ok": true})
	LogJobError(logger, "diff", "diff-2", time.Second, errors.New("boom"), nil)

	out := buf.String()
	for _, want := range []string{"job started", "job completed", "job failed", "boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output %q", want, out)
		}
	}
}
