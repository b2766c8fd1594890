package montage

import (
	"context"
	"fmt"
	"image"
	"strings"
)

// PeakInterpolation selects how the registration engine refines the
// integer location of the correlation peak.
type PeakInterpolation int

const (
	PeakNone PeakInterpolation = iota
	PeakParabolic
	PeakCosine
)

var peakNames = []string{"none", "parabolic", "cosine"}

func (p PeakInterpolation) String() string {
	if p.Valid() {
		return peakNames[p]
	}
	return fmt.Sprintf("PeakInterpolation(%d)", int(p))
}

// Valid reports whether p is one of the known methods.
func (p PeakInterpolation) Valid() bool {
	return p >= PeakNone && p <= PeakCosine
}

// ParsePeakInterpolation accepts a method name or its integer value.
func ParsePeakInterpolation(s string) (PeakInterpolation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range peakNames {
		if s == name || s == fmt.Sprint(i) {
			return PeakInterpolation(i), nil
		}
	}
	return 0, newError(CodeInvalidPeakInterpolation, "unknown peak interpolation %q", s)
}

// Translation is the offset of a tile's output transform in pixels: a
// point p of the montage frame lies at p + (X, Y) in the tile's own,
// origin-positioned frame. Tile (0,0) is the reference. Peak is the
// engine's quality measure for the tile's best correlation peak.
type Translation struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Peak float64 `json:"peak"`
}

// EngineRequest is everything a registration engine receives for one grid.
// Images and Positions are indexed [row][col]. A nil image marks an empty
// cell: it takes part in no pair and must not be reported through OnTile.
type EngineRequest struct {
	Rows, Cols         int
	Images             [][]*image.Gray
	Positions          [][]Position
	PeakInterpolation  PeakInterpolation
	StreamSubdivisions uint

	// OnTile must be called once per tile with its final translation. A
	// non-nil return asks the engine to stop and return that error.
	OnTile func(key TileKey, t Translation) error
	// OnProgress reports finished tile pairs; optional.
	OnProgress func(done, total int)
}

// Engine performs pairwise registration over the whole grid in one
// blocking call.
type Engine interface {
	RegisterGrid(ctx context.Context, req EngineRequest) error
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, req EngineRequest) error

func (f EngineFunc) RegisterGrid(ctx context.Context, req EngineRequest) error {
	return f(ctx, req)
}
