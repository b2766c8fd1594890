package montage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"tilemontage/internal/dataset"
)

// Stage names reported through Progress.
const (
	StageConvert = "convert"
	StagePairs   = "pairs"
	StageTiles   = "tiles"
	StageCommit  = "commit"
)

// Progress is one incremental report from a run.
type Progress struct {
	Stage string   `json:"stage"`
	Done  int      `json:"done"`
	Total int      `json:"total"`
	Tile  *TileKey `json:"tile,omitempty"`
}

// RegisterOptions carries the per-run registration settings.
type RegisterOptions struct {
	Array              dataset.ArrayPath
	PeakInterpolation  PeakInterpolation
	StreamSubdivisions uint
	// AllowGaps registers the populated cells of a grid with empty ones.
	// The engine sees nil images for the empty cells.
	AllowGaps bool
	Progress  func(Progress)
	Logger    *slog.Logger
}

// Register converts every tile to its scalar image, runs engine over the
// grid and records each reported translation on the grid. On cancellation
// the outputs already recorded are kept and a Cancelled error is returned.
// Any other engine failure discards all outputs.
func Register(ctx context.Context, g *Grid, store Store, format PixelFormat, engine Engine, opts RegisterOptions) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	report := opts.Progress
	if report == nil {
		report = func(Progress) {}
	}
	missing := g.Missing()
	if len(missing) > 0 && !opts.AllowGaps {
		return newError(CodeIncompleteGrid, "cannot register with %d empty cells", len(missing))
	}

	total := g.Rows*g.Cols - len(missing)
	images := make([][]*image.Gray, g.Rows)
	positions := make([][]Position, g.Rows)
	for r := range images {
		images[r] = make([]*image.Gray, g.Cols)
		positions[r] = make([]Position, g.Cols)
	}
	done := 0
	err := g.Each(func(rec *TileRecord) error {
		if err := ctx.Err(); err != nil {
			return &Error{Code: CodeCancelled, Err: err}
		}
		arr, err := store.Array(rec.Handle, opts.Array)
		if err != nil {
			return &Error{Code: CodeRegistrationFailed, Tile: rec.Source, Msg: "read " + opts.Array.String(), Err: err}
		}
		img, err := format.Scalar(arr)
		if err != nil {
			var me *Error
			if errors.As(err, &me) {
				me.Tile = rec.Source
			}
			return err
		}
		images[rec.Key.Row][rec.Key.Col] = img
		positions[rec.Key.Row][rec.Key.Col] = rec.Position
		done++
		report(Progress{Stage: StageConvert, Done: done, Total: total})
		return nil
	})
	if err != nil {
		return err
	}

	var mu sync.Mutex
	registered := 0
	req := EngineRequest{
		Rows:               g.Rows,
		Cols:               g.Cols,
		Images:             images,
		Positions:          positions,
		PeakInterpolation:  opts.PeakInterpolation,
		StreamSubdivisions: opts.StreamSubdivisions,
		OnTile: func(key TileKey, t Translation) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			rec := g.At(key)
			if rec == nil {
				return fmt.Errorf("engine reported unknown tile %s", key)
			}
			out := t
			rec.Output = &out
			registered++
			k := key
			report(Progress{Stage: StageTiles, Done: registered, Total: total, Tile: &k})
			return nil
		},
		OnProgress: func(done, total int) {
			report(Progress{Stage: StagePairs, Done: done, Total: total})
		},
	}

	log.Debug("registering grid", "rows", g.Rows, "cols", g.Cols, "format", format.String(),
		"peak", opts.PeakInterpolation.String(), "subdivisions", opts.StreamSubdivisions)

	err = engine.RegisterGrid(ctx, req)
	if isCancellation(err) {
		mu.Lock()
		n := registered
		mu.Unlock()
		log.Warn("registration cancelled", "registered", n, "total", total)
		return &Error{Code: CodeCancelled, Msg: fmt.Sprintf("%d of %d tiles registered", n, total), Err: err}
	}
	if err != nil {
		mu.Lock()
		g.resetOutputs()
		mu.Unlock()
		return &Error{Code: CodeRegistrationFailed, Err: err}
	}
	return nil
}

// isCancellation reports whether an engine error is the context ending.
// A real failure returned while the context is also done is not.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
