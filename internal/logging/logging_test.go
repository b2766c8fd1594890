package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tilemontage/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	h := NewTraditionalHandler(&buf, slog.LevelInfo, 0)
	logger := slog.New(h)

	logger.Debug("hidden")
	logger.Warn("tile skipped", "id", "run-1", "reason", "bad name")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] tile skipped [id=run-1 reason=bad name]") {
		t.Fatalf("unexpected format %q", out)
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error level should be enabled")
	}
}

func TestTraditionalHandlerKeepsContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo, 0)).With("run_id", "r7")

	logger.Warn("skipping tile", "error", "bad name")
	logger.WithGroup("grid").Info("built", "rows", 2, slog.Group("tile", "row", 1))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if lines[0] != "[WARN] skipping tile [run_id=r7 error=bad name]" {
		t.Fatalf("attributes from With lost: %q", lines[0])
	}
	if lines[1] != "[INFO] built [run_id=r7 grid.rows=2 grid.tile.row=1]" {
		t.Fatalf("group prefix not applied: %q", lines[1])
	}
}

func TestRunHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelDebug, 0))

	LogRunStart(logger, "r1", "/tiles", 2, 3, nil)
	LogProcessingStep(logger, "r1", "load", "done", map[string]any{"tiles": 4})
	LogRunError(logger, "r1", time.Second, "Cancelled", errors.New("stopped"), nil)

	out := buf.String()
	for _, want := range []string{"grid=2x3", "[DEBUG] processing step [run_id=r1 step=load", "code=Cancelled"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	logger.Info("hello")

	entries, err := os.ReadDir(cfg.Logging.LogDir)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "tilemontage-") && strings.HasSuffix(e.Name(), ".log") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no log file created in %v", entries)
	}
}
