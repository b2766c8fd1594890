// Package montage turns a set of named image tiles into a registered
// montage: it lays the tiles out on a grid, estimates their initial
// positions, runs a registration engine over the grid and records the
// resulting affine transform on every tile.
package montage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tilemontage/internal/dataset"
)

// Config describes one montage run.
type Config struct {
	Rows               int               `json:"rows" yaml:"rows"`
	Cols               int               `json:"cols" yaml:"cols"`
	OverlapPercent     float64           `json:"overlap_percent" yaml:"overlap_percent"`
	ManualOverlap      bool              `json:"manual_overlap" yaml:"manual_overlap"`
	AttributeMatrix    string            `json:"attribute_matrix" yaml:"attribute_matrix"`
	DataArray          string            `json:"data_array" yaml:"data_array"`
	Tiles              []string          `json:"tiles" yaml:"tiles"`
	PeakInterpolation  PeakInterpolation `json:"peak_interpolation" yaml:"peak_interpolation"`
	StreamSubdivisions uint              `json:"stream_subdivisions" yaml:"stream_subdivisions"`
}

// ArrayPath is the location of the pixel array inside each tile.
func (c Config) ArrayPath() dataset.ArrayPath {
	return dataset.ArrayPath{Matrix: c.AttributeMatrix, Array: c.DataArray}
}

// Validate checks the parameters that do not need the store. The tile
// count is checked before anything else.
func (c Config) Validate() error {
	if c.Rows <= 0 || c.Cols <= 0 {
		return newError(CodeInvalidMontageSize, "montage size %dx%d must be positive", c.Rows, c.Cols)
	}
	if want := c.Rows * c.Cols; len(c.Tiles) != want {
		return newError(CodeTileCountMismatch,
			"%d tiles selected for a %dx%d montage (%d expected)", len(c.Tiles), c.Rows, c.Cols, want)
	}
	if c.ManualOverlap && (c.OverlapPercent < 0 || c.OverlapPercent > 100) {
		return newError(CodeInvalidOverlap, "overlap %.2f%% outside [0, 100]", c.OverlapPercent)
	}
	if c.AttributeMatrix == "" {
		return newError(CodeEmptyAttributeMatrixName, "attribute matrix name is empty")
	}
	if c.DataArray == "" {
		return newError(CodeEmptyDataArrayName, "data array name is empty")
	}
	if !c.PeakInterpolation.Valid() {
		return newError(CodeInvalidPeakInterpolation, "peak interpolation %d", int(c.PeakInterpolation))
	}
	if c.StreamSubdivisions < 1 {
		return newError(CodeInvalidStreamSubdivisions, "stream subdivisions must be at least 1")
	}
	return nil
}

// Preflight validates cfg against the store without changing anything and
// returns the pixel format of the run, taken from the first listed tile.
func Preflight(store Store, cfg Config) (PixelFormat, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	first := cfg.Tiles[0]
	h, err := store.Tile(first)
	if err != nil {
		return 0, &Error{Code: CodeMissingTile, Tile: first, Err: err}
	}
	arr, err := store.Array(h, cfg.ArrayPath())
	if err != nil {
		return 0, &Error{Code: CodeMissingTile, Tile: first, Msg: "no array " + cfg.ArrayPath().String(), Err: err}
	}
	if len(arr.TupleDims) < 2 {
		return 0, &Error{Code: CodeInvalidTupleDims, Tile: first,
			Msg: "image arrays need at least two tuple dimensions"}
	}
	return SelectFormat(arr.Components)
}

// Options are the runtime hooks of Generate.
type Options struct {
	Logger    *slog.Logger
	Progress  func(Progress)
	// AllowGaps keeps going when identifiers were skipped and some cells
	// stay empty. The populated cells are registered and committed; the
	// empty ones are reported as IncompleteRegistration.
	AllowGaps bool
}

// Result summarises a run. Grid is nil when the run failed before the grid
// was built.
type Result struct {
	Grid      *Grid
	Format    PixelFormat
	Committed int
	Duration  time.Duration
}

// Generate runs the whole montage: preflight, grid construction, position
// estimation, registration and transform commit. On cancellation the tiles
// registered so far are still committed and the returned error carries
// both the cancellation and the incomplete commit.
func Generate(ctx context.Context, store Store, engine Engine, cfg Config, opts Options) (*Result, error) {
	start := time.Now()
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	report := opts.Progress
	if report == nil {
		report = func(Progress) {}
	}
	res := &Result{}
	defer func() { res.Duration = time.Since(start) }()

	format, err := Preflight(store, cfg)
	if err != nil {
		return res, err
	}
	res.Format = format

	grid, err := BuildGrid(ctx, store, cfg, BuildOptions{AllowGaps: opts.AllowGaps, Logger: log})
	if err != nil {
		return res, err
	}
	res.Grid = grid
	log.Info("montage grid built", "rows", grid.Rows, "cols", grid.Cols,
		"prefix", grid.Prefix, "skipped", len(grid.Skipped), "format", format.String())

	err = Register(ctx, grid, store, format, engine, RegisterOptions{
		Array:              cfg.ArrayPath(),
		PeakInterpolation:  cfg.PeakInterpolation,
		StreamSubdivisions: cfg.StreamSubdivisions,
		AllowGaps:          opts.AllowGaps,
		Progress:           report,
		Logger:             log,
	})
	if err != nil && CodeOf(err) != CodeCancelled {
		return res, err
	}
	regErr := err

	n, commitErr := Commit(grid, store)
	res.Committed = n
	report(Progress{Stage: StageCommit, Done: n, Total: grid.Rows * grid.Cols})
	if regErr != nil {
		return res, errors.Join(regErr, commitErr)
	}
	if commitErr != nil {
		return res, commitErr
	}
	log.Info("montage transforms written", "tiles", n)
	return res, nil
}
