package montage

import (
	"fmt"

	"golang.org/x/image/math/f64"

	"tilemontage/internal/dataset"
)

const (
	// AffineTypeName is the transform type written on every tile.
	AffineTypeName = "AffineTransform_double_3_3"
	// ReferenceFrame names the shared montage frame.
	ReferenceFrame = "World"
)

// translationAffine returns the 2-D affine x' = x + tx, y' = y + ty.
func translationAffine(tx, ty float64) f64.Aff3 {
	return f64.Aff3{
		1, 0, tx,
		0, 1, ty,
	}
}

// expand3D lifts a planar affine to the 3x3 matrix plus translation layout
// of a 3-D affine transform, leaving z untouched.
func expand3D(m f64.Aff3) []float64 {
	return []float64{
		m[0], m[1], 0,
		m[3], m[4], 0,
		0, 0, 1,
		m[2], m[5], 0,
	}
}

// TransformFor builds the transform container recorded for t.
func TransformFor(t Translation) *dataset.TransformContainer {
	return &dataset.TransformContainer{
		TypeName:        AffineTypeName,
		Parameters:      expand3D(translationAffine(t.X, t.Y)),
		FixedParameters: []float64{0, 0, 0},
		ReferenceName:   ReferenceFrame,
		MovingName:      "",
	}
}

// Commit writes a transform on every registered tile and returns how many
// were written. Tiles without an engine output are reported together in an
// *IncompleteError after the others have been written.
func Commit(g *Grid, store Store) (int, error) {
	written := 0
	var missing []TileKey
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			key := TileKey{Row: r, Col: c}
			rec := g.At(key)
			if rec == nil || rec.Output == nil {
				missing = append(missing, key)
				continue
			}
			if err := store.SetTransform(rec.Handle, TransformFor(*rec.Output)); err != nil {
				return written, fmt.Errorf("write transform for %s: %w", rec.Source, err)
			}
			written++
		}
	}
	if len(missing) > 0 {
		return written, &IncompleteError{Keys: missing}
	}
	return written, nil
}
