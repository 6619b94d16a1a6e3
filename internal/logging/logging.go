package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"

	"nvis/internal/config"
)

// New returns a slog.Logger writing to stderr with the provided level string
// (info, debug, warn, error). format may be "json", "pretty" or "text".
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "pretty":
		handler = charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      "15:04:05.00",
			Level:           charmLevel(lvl),
		})
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging, optionally teeing into a daily log file.
// verbose forces the debug level regardless of the configured one.
func Setup(cfg *config.Config, verbose bool) (*slog.Logger, error) {
	levelName := cfg.Logging.Level
	if verbose {
		levelName = "debug"
	}

	if !cfg.Logging.FileOutput {
		logger := New(levelName, cfg.Logging.Format)
		slog.SetDefault(logger)
		return logger, nil
	}

	if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("nvis-%s.log",
		time.Now().Format("2006-01-02")))

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Point nvis-current.log at today's file; failure only loses the shortcut.
	currentLogPath := filepath.Join(cfg.Logging.LogDir, "nvis-current.log")
	os.Remove(currentLogPath)
	_ = os.Symlink(filepath.Base(logFile), currentLogPath)

	handler := &TraditionalHandler{
		logger: log.New(io.MultiWriter(os.Stderr, file), "", log.LstdFlags),
		level:  parseLevel(levelName),
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Debug("nvis logging initialized",
		"level", levelName,
		"file", logFile,
	)

	return logger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &TraditionalHandler{logger: h.logger, level: h.level, attrs: merged}
}

// WithGroup is a no-op; groups are flattened.
func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func charmLevel(level slog.Level) charmlog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmlog.DebugLevel
	case level >= slog.LevelError:
		return charmlog.ErrorLevel
	case level >= slog.LevelWarn:
		return charmlog.WarnLevel
	default:
		return charmlog.InfoLevel
	}
}

// LogJobStart logs the beginning of a blur job
func LogJobStart(logger *slog.Logger, jobType, jobID string, inputs []string, output string, options map[string]any) {
	logger.Info("job started",
		"type", jobType,
		"id", jobID,
		"inputs", inputs,
		"output", output,
		"options", options,
	)
}

// LogJobComplete logs successful job completion
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("job completed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"result", resultInfo,
	)
}

// LogJobError logs job failures
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}
