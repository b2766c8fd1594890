// Package registration provides the engines that refine tile positions
// for the montage package.
package registration

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"tilemontage/internal/montage"
)

// MinOverlap is the smallest overlap, in pixels along either axis, that is
// correlated. Narrower pairs keep their initial offset.
const MinOverlap = 8

// PhaseCorrelation registers neighbouring tiles by phase correlation over
// their expected overlap and reconciles the pairwise offsets with a least
// squares fit anchored on the first tile of each connected group.
type PhaseCorrelation struct {
	Workers int
	Logger  *slog.Logger
}

// NewPhaseCorrelation returns an engine using workers goroutines; zero
// means one per CPU.
func NewPhaseCorrelation(workers int, log *slog.Logger) *PhaseCorrelation {
	return &PhaseCorrelation{Workers: workers, Logger: log}
}

// pair is one fixed/moving neighbour relation.
type pair struct {
	fixed, moving montage.TileKey
	offset        [2]float64 // measured position of moving minus fixed
	quality       float64
	refined       bool
}

func (p *PhaseCorrelation) RegisterGrid(ctx context.Context, req montage.EngineRequest) error {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	pairs := buildPairs(req)
	batches := int(req.StreamSubdivisions)
	if batches < 1 {
		batches = 1
	}
	if batches > len(pairs) && len(pairs) > 0 {
		batches = len(pairs)
	}

	done := 0
	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lo, hi := b*len(pairs)/batches, (b+1)*len(pairs)/batches
		p.measureConcurrently(pairs[lo:hi], req, workers)
		done += hi - lo
		if req.OnProgress != nil {
			req.OnProgress(done, len(pairs))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	refined := 0
	for i := range pairs {
		if pairs[i].refined {
			refined++
		}
	}
	log.Debug("pairwise registration finished", "pairs", len(pairs), "refined", refined)

	corrections, err := solve(req, pairs)
	if err != nil {
		return fmt.Errorf("least squares: %w", err)
	}
	for r := 0; r < req.Rows; r++ {
		for c := 0; c < req.Cols; c++ {
			if req.Images[r][c] == nil {
				continue
			}
			key := montage.TileKey{Row: r, Col: c}
			corr := corrections[r*req.Cols+c]
			t := montage.Translation{X: -corr[0], Y: -corr[1], Peak: tilePeak(pairs, key)}
			if err := req.OnTile(key, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildPairs lists the left and upper neighbour relations between
// populated cells.
func buildPairs(req montage.EngineRequest) []pair {
	var pairs []pair
	for r := 0; r < req.Rows; r++ {
		for c := 0; c < req.Cols; c++ {
			if req.Images[r][c] == nil {
				continue
			}
			key := montage.TileKey{Row: r, Col: c}
			if c > 0 && req.Images[r][c-1] != nil {
				pairs = append(pairs, pair{fixed: montage.TileKey{Row: r, Col: c - 1}, moving: key})
			}
			if r > 0 && req.Images[r-1][c] != nil {
				pairs = append(pairs, pair{fixed: montage.TileKey{Row: r - 1, Col: c}, moving: key})
			}
		}
	}
	return pairs
}

// measureConcurrently fills in the offset of every pair using a pool of
// goroutines.
func (p *PhaseCorrelation) measureConcurrently(pairs []pair, req montage.EngineRequest, workers int) {
	var wg sync.WaitGroup
	jobs := make(chan int, len(pairs))

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				measure(&pairs[idx], req)
			}
		}()
	}
	for i := range pairs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

// measure correlates the expected overlap of one pair. The initial guess is
// the difference of the initial positions, rounded to whole pixels.
func measure(pr *pair, req montage.EngineRequest) {
	pf := req.Positions[pr.fixed.Row][pr.fixed.Col]
	pm := req.Positions[pr.moving.Row][pr.moving.Col]
	guess := [2]float64{pm.X - pf.X, pm.Y - pf.Y}
	pr.offset = guess

	a := req.Images[pr.fixed.Row][pr.fixed.Col]
	b := req.Images[pr.moving.Row][pr.moving.Col]
	ix, iy := int(math.Round(guess[0])), int(math.Round(guess[1]))

	// overlap in the fixed tile's pixel frame
	ov := a.Bounds().Intersect(b.Bounds().Add(image.Pt(ix, iy)))
	if ov.Dx() < MinOverlap || ov.Dy() < MinOverlap {
		return
	}
	sa := newSurface(a, ov)
	sb := newSurface(b, ov.Sub(image.Pt(ix, iy)))
	pk := findPeak(correlate(sa, sb), req.PeakInterpolation)

	pr.offset = [2]float64{float64(ix) + pk.dx, float64(iy) + pk.dy}
	pr.quality = pk.quality
	pr.refined = true
}

// solve returns, per cell in row-major order, the correction to add to the
// initial position so that the pairwise offsets agree in the least squares
// sense. The first populated cell of every connected group of tiles is
// fixed at zero; with a full grid that is tile (0,0). Empty cells get no
// correction.
func solve(req montage.EngineRequest, pairs []pair) ([][2]float64, error) {
	n := req.Rows * req.Cols
	out := make([][2]float64, n)
	cell := func(k montage.TileKey) int { return k.Row*req.Cols + k.Col }

	anchor := groupAnchors(req, pairs)
	column := make([]int, n)
	unknowns := 0
	for i := range column {
		column[i] = -1
		if req.Images[i/req.Cols][i%req.Cols] != nil && anchor[i] != i {
			column[i] = unknowns
			unknowns++
		}
	}
	if unknowns == 0 {
		return out, nil
	}

	A := mat.NewDense(len(pairs), unknowns, nil)
	bx := mat.NewVecDense(len(pairs), nil)
	by := mat.NewVecDense(len(pairs), nil)
	for i, pr := range pairs {
		if j := column[cell(pr.moving)]; j >= 0 {
			A.Set(i, j, 1)
		}
		if j := column[cell(pr.fixed)]; j >= 0 {
			A.Set(i, j, -1)
		}
		pf := req.Positions[pr.fixed.Row][pr.fixed.Col]
		pm := req.Positions[pr.moving.Row][pr.moving.Col]
		bx.SetVec(i, pr.offset[0]-(pm.X-pf.X))
		by.SetVec(i, pr.offset[1]-(pm.Y-pf.Y))
	}

	var qr mat.QR
	qr.Factorize(A)
	var cx, cy mat.VecDense
	if err := qr.SolveVecTo(&cx, false, bx); err != nil {
		return nil, err
	}
	if err := qr.SolveVecTo(&cy, false, by); err != nil {
		return nil, err
	}
	for i, j := range column {
		if j >= 0 {
			out[i] = [2]float64{cx.AtVec(j), cy.AtVec(j)}
		}
	}
	return out, nil
}

// groupAnchors maps every cell to the first populated cell, in row-major
// order, of the group of tiles it is connected to through pairs.
func groupAnchors(req montage.EngineRequest, pairs []pair) []int {
	parent := make([]int, req.Rows*req.Cols)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	for _, pr := range pairs {
		a := find(pr.fixed.Row*req.Cols + pr.fixed.Col)
		b := find(pr.moving.Row*req.Cols + pr.moving.Col)
		if a > b {
			a, b = b, a
		}
		parent[b] = a
	}
	for i := range parent {
		parent[i] = find(i)
	}
	return parent
}

// tilePeak is the best peak quality among the pairs a tile moves in.
func tilePeak(pairs []pair, key montage.TileKey) float64 {
	best := 0.0
	for _, pr := range pairs {
		if pr.moving == key && pr.quality > best {
			best = pr.quality
		}
	}
	return best
}
