package montage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tilemontage/internal/dataset"
)

// Store is the slice of the dataset store the montage needs. It is
// satisfied by *dataset.Store.
type Store interface {
	Tile(name string) (dataset.Handle, error)
	Geometry(h dataset.Handle) (dataset.ImageGeom, error)
	SetOrigin(h dataset.Handle, x, y, z float64) error
	SetTransform(h dataset.Handle, t *dataset.TransformContainer) error
	Array(h dataset.Handle, path dataset.ArrayPath) (*dataset.DataArray, error)
}

// TileRecord is one populated grid cell.
type TileRecord struct {
	Key      TileKey
	Source   string
	Handle   dataset.Handle
	Geometry dataset.ImageGeom
	Position Position
	Mode     PositionMode

	// Output is set once the registration engine reports the tile.
	Output *Translation
}

// Grid is the rows x cols arrangement of tiles for one run.
type Grid struct {
	Rows, Cols int
	// Prefix is the identifier prefix of the first parsed tile.
	Prefix string
	// Skipped holds the per-identifier errors that were logged and ignored.
	Skipped []error

	cells [][]*TileRecord
}

func newGrid(rows, cols int) *Grid {
	cells := make([][]*TileRecord, rows)
	for r := range cells {
		cells[r] = make([]*TileRecord, cols)
	}
	return &Grid{Rows: rows, Cols: cols, cells: cells}
}

// At returns the record at key, or nil if the cell is empty or outside the
// grid.
func (g *Grid) At(key TileKey) *TileRecord {
	if !g.contains(key) {
		return nil
	}
	return g.cells[key.Row][key.Col]
}

func (g *Grid) contains(key TileKey) bool {
	return key.Row >= 0 && key.Row < g.Rows && key.Col >= 0 && key.Col < g.Cols
}

// Each visits populated cells in row-major order and stops at the first
// error.
func (g *Grid) Each(fn func(*TileRecord) error) error {
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			if rec := g.cells[r][c]; rec != nil {
				if err := fn(rec); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Missing lists empty cells in row-major order.
func (g *Grid) Missing() []TileKey {
	var keys []TileKey
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			if g.cells[r][c] == nil {
				keys = append(keys, TileKey{Row: r, Col: c})
			}
		}
	}
	return keys
}

// Registered counts cells with an engine output.
func (g *Grid) Registered() int {
	n := 0
	_ = g.Each(func(rec *TileRecord) error {
		if rec.Output != nil {
			n++
		}
		return nil
	})
	return n
}

func (g *Grid) resetOutputs() {
	_ = g.Each(func(rec *TileRecord) error {
		rec.Output = nil
		return nil
	})
}

// BuildOptions tunes BuildGrid.
type BuildOptions struct {
	// AllowGaps keeps going when some cells stay empty.
	AllowGaps bool
	Logger    *slog.Logger
}

// BuildGrid resolves every configured identifier to a grid cell and
// assigns initial positions. Unusable identifiers are logged and skipped.
// Origins are written only after the grid is known to be usable, so a
// failing build leaves the store untouched.
func BuildGrid(ctx context.Context, store Store, cfg Config, opts BuildOptions) (*Grid, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Rows <= 0 || cfg.Cols <= 0 {
		return nil, newError(CodeInvalidMontageSize, "montage size %dx%d must be positive", cfg.Rows, cfg.Cols)
	}
	if want := cfg.Rows * cfg.Cols; len(cfg.Tiles) != want {
		return nil, newError(CodeTileCountMismatch,
			"%d tiles selected for a %dx%d montage (%d expected)", len(cfg.Tiles), cfg.Rows, cfg.Cols, want)
	}

	g := newGrid(cfg.Rows, cfg.Cols)
	skip := func(err error) {
		log.Warn("skipping tile", "error", err.Error())
		g.Skipped = append(g.Skipped, err)
	}

	for _, id := range cfg.Tiles {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Code: CodeCancelled, Err: err}
		}
		key, prefix, err := ParseTileKey(id)
		if err != nil {
			skip(err)
			continue
		}
		if !g.contains(key) {
			skip(&Error{Code: CodeTileOutOfRange, Tile: id,
				Msg: fmt.Sprintf("%s lies outside the %dx%d montage", key, g.Rows, g.Cols)})
			continue
		}
		if prev := g.cells[key.Row][key.Col]; prev != nil {
			skip(&Error{Code: CodeDuplicateTile, Tile: id,
				Msg: fmt.Sprintf("%s already taken by %q", key, prev.Source)})
			continue
		}
		h, err := store.Tile(id)
		if err != nil {
			skip(&Error{Code: CodeMissingTile, Tile: id, Err: err})
			continue
		}
		geom, err := store.Geometry(h)
		if err != nil {
			skip(&Error{Code: CodeMissingTile, Tile: id, Msg: "no image geometry", Err: err})
			continue
		}
		if g.Prefix == "" {
			g.Prefix = prefix
		}
		g.cells[key.Row][key.Col] = &TileRecord{Key: key, Source: id, Handle: h, Geometry: geom}
	}

	if missing := g.Missing(); len(missing) > 0 {
		if !opts.AllowGaps {
			return nil, &Error{Code: CodeIncompleteGrid,
				Msg: fmt.Sprintf("%d of %d cells empty, first %s", len(missing), cfg.Rows*cfg.Cols, missing[0]),
				Err: errors.Join(g.Skipped...)}
		}
		log.Warn("montage grid has gaps", "missing", len(missing))
	}

	err := g.Each(func(rec *TileRecord) error {
		rec.Position, rec.Mode = EstimatePosition(rec.Key, rec.Geometry, cfg)
		if rec.Mode != PositionLattice {
			return nil
		}
		if err := store.SetOrigin(rec.Handle, rec.Position.X, rec.Position.Y, 0); err != nil {
			return fmt.Errorf("set origin of %s: %w", rec.Source, err)
		}
		rec.Geometry.Origin = [3]float64{rec.Position.X, rec.Position.Y, 0}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}
