package pipeline

import (
	"tilemontage/internal/config"
	"tilemontage/internal/montage"
)

// JobFromPlan builds a job of type typ over dir. Fields the plan leaves
// unset come from defaults; the ID is left for the caller.
func JobFromPlan(typ JobType, dir string, p config.Plan, defaults config.Montage) (Job, error) {
	p.Merge(defaults)
	peak, err := montage.ParsePeakInterpolation(p.PeakInterpolation)
	if err != nil {
		return Job{}, err
	}
	return Job{
		Type:      typ,
		InputPath: dir,
		Config: montage.Config{
			Rows:               p.Rows,
			Cols:               p.Cols,
			OverlapPercent:     *p.OverlapPercent,
			ManualOverlap:      *p.ManualOverlap,
			AttributeMatrix:    p.AttributeMatrix,
			DataArray:          p.DataArray,
			Tiles:              p.Tiles,
			PeakInterpolation:  peak,
			StreamSubdivisions: p.StreamSubdivisions,
		},
		Engine:    p.Engine,
		AllowGaps: *p.AllowGaps,
		Origins:   p.Origins,
	}, nil
}
