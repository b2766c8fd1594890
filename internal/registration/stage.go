package registration

import (
	"context"

	"tilemontage/internal/montage"
)

// Stage trusts the initial positions and reports a zero translation for
// every tile. It suits tiles whose stored origins already come from a
// calibrated stage.
type Stage struct{}

func (Stage) RegisterGrid(ctx context.Context, req montage.EngineRequest) error {
	total := 0
	for _, row := range req.Images {
		for _, img := range row {
			if img != nil {
				total++
			}
		}
	}
	done := 0
	for r := 0; r < req.Rows; r++ {
		for c := 0; c < req.Cols; c++ {
			if req.Images[r][c] == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := req.OnTile(montage.TileKey{Row: r, Col: c}, montage.Translation{}); err != nil {
				return err
			}
			done++
			if req.OnProgress != nil {
				req.OnProgress(done, total)
			}
		}
	}
	return nil
}
