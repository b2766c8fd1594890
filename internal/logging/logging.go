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

	"tilemontage/internal/config"
)

// Setup builds the process logger from the logging section of cfg and
// installs it as the slog default. Output always goes to stdout and, with
// file output on, to a dated file in the log directory.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	out, err := openOutputs(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger := slog.New(newHandler(out, cfg.Logging.Format, parseLevel(cfg.Logging.Level)))
	slog.SetDefault(logger)

	logger.Info("tilemontage logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// openOutputs returns stdout, teed into today's log file when enabled.
// tilemontage-current.log is pointed at the file.
func openOutputs(lc config.Logging) (io.Writer, error) {
	if !lc.FileOutput {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(lc.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	name := fmt.Sprintf("tilemontage-%s.log", time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(lc.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	current := filepath.Join(lc.LogDir, "tilemontage-current.log")
	_ = os.Remove(current)
	_ = os.Symlink(name, current) // best effort
	return io.MultiWriter(os.Stdout, file), nil
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return NewTraditionalHandler(w, level, log.LstdFlags)
}

// TraditionalHandler writes "[LEVEL] message [k=v ...]" lines through a
// standard library logger. Attributes added with With are printed before
// the record's own, and groups prefix keys with "group.".
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Leveler
	prefix string   // dotted group path for keys added from now on
	fixed  []string // preformatted attributes from WithAttrs
}

// NewTraditionalHandler returns a handler writing to w with the given
// log.Logger flags.
func NewTraditionalHandler(w io.Writer, level slog.Leveler, flags int) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", flags), level: level}
}

func (h *TraditionalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *TraditionalHandler) Handle(_ context.Context, r slog.Record) error {
	fields := append([]string(nil), h.fixed...)
	r.Attrs(func(a slog.Attr) bool {
		fields = appendAttr(fields, h.prefix, a)
		return true
	})

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToUpper(r.Level.String()))
	b.WriteString("] ")
	b.WriteString(r.Message)
	if len(fields) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(fields, " "))
		b.WriteString("]")
	}
	return h.logger.Output(2, b.String())
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.fixed = append([]string(nil), h.fixed...)
	for _, a := range attrs {
		next.fixed = appendAttr(next.fixed, h.prefix, a)
	}
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// appendAttr formats a as key=value, flattening groups into dotted keys.
func appendAttr(fields []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return fields
	}
	if a.Value.Kind() == slog.KindGroup {
		inner := prefix
		if a.Key != "" {
			inner += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			fields = appendAttr(fields, inner, ga)
		}
		return fields
	}
	return append(fields, fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value))
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

// LogRunStart logs the beginning of a montage run
func LogRunStart(logger *slog.Logger, runID, inputDir string, rows, cols int, options map[string]any) {
	logger.Info("montage run started",
		"id", runID,
		"input", inputDir,
		"grid", fmt.Sprintf("%dx%d", rows, cols),
		"options", options,
	)
}

// LogRunComplete logs successful run completion
func LogRunComplete(logger *slog.Logger, runID string, duration time.Duration, committed int, resultInfo map[string]any) {
	logger.Info("montage run completed successfully",
		"id", runID,
		"committed", committed,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", resultInfo,
	)
}

// LogRunError logs run failures together with their montage error code
func LogRunError(logger *slog.Logger, runID string, duration time.Duration, code string, err error, context map[string]any) {
	logger.Error("montage run failed",
		"id", runID,
		"code", code,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogProcessingStep logs individual processing steps within a run
func LogProcessingStep(logger *slog.Logger, runID, step, status string, details map[string]any) {
	logger.Debug("processing step",
		"run_id", runID,
		"step", step,
		"status", status,
		"details", details,
	)
}
