package montage

import (
	"tilemontage/internal/dataset"
)

// Position is a tile's location in the shared montage frame.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PositionMode records which rule produced a tile's initial position.
type PositionMode int

const (
	// PositionLattice places the tile on the regular overlap lattice and
	// writes the result back as the tile origin.
	PositionLattice PositionMode = iota
	// PositionStored trusts the origin already stored on the tile.
	PositionStored
)

func (m PositionMode) String() string {
	if m == PositionStored {
		return "stored"
	}
	return "lattice"
}

// OverlapFactor converts an overlap percentage to the lattice step factor.
func OverlapFactor(percent float64) float64 {
	return (100.0 - percent) / 100.0
}

// EstimatePosition computes the initial position of one tile. The choice
// is made per tile: a grid may mix lattice and stored positions when manual
// overlap is off and only some tiles carry an origin.
func EstimatePosition(key TileKey, geom dataset.ImageGeom, cfg Config) (Position, PositionMode) {
	origin := geom.Origin
	if cfg.ManualOverlap || (origin[0] == 0 && origin[1] == 0) {
		factor := OverlapFactor(cfg.OverlapPercent)
		return Position{
			X: float64(key.Col) * (factor * float64(geom.Dimensions[0])),
			Y: float64(key.Row) * (factor * float64(geom.Dimensions[1])),
		}, PositionLattice
	}
	return Position{X: origin[0], Y: origin[1]}, PositionStored
}
