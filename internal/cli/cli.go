package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tilemontage/internal/config"
	"tilemontage/internal/fsutil"
	"tilemontage/internal/montage"
	"tilemontage/internal/pipeline"
	"tilemontage/internal/server"
	"tilemontage/internal/storage"
	"tilemontage/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Cancel(jobID string) bool
	Subscribe() (<-chan pipeline.Event, func())
}

type serverFunc func(ctx context.Context, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	return server.Serve(ctx, cfg, store, pipe, log)
}

type watchFunc func(ctx context.Context, dir string, template pipeline.Job, pipe pipelineClient, opts watch.Options) error

func defaultWatch(ctx context.Context, dir string, template pipeline.Job, pipe pipelineClient, opts watch.Options) error {
	w, err := watch.New(dir, template, pipe, opts)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// planFiles are looked up inside the tile directory when --plan is not given.
var planFiles = []string{"montage.yaml", "montage.yml"}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	watchFn  watchFunc
	newID    func() string
	out      io.Writer
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		watchFn:  defaultWatch,
		newID:    uuid.NewString,
		out:      os.Stdout,
	}
}

// Run parses args and dispatches to subcommands.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.command()
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(r.out)
	return cmd.ExecuteContext(ctx)
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// montageFlags are the per-run settings shared by generate, preflight,
// plan and watch. Explicit flags win over the plan file, which wins over
// the config file.
type montageFlags struct {
	planPath     string
	rows, cols   int
	overlap      float64
	manual       bool
	matrix       string
	array        string
	peak         string
	subdivisions uint
	engine       string
	allowGaps    bool
	tiles        []string
	imagemagick  bool
}

func (f *montageFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.planPath, "plan", "", "montage plan file (default: montage.yaml in the tile directory)")
	fl.IntVar(&f.rows, "rows", 0, "montage rows (0 infers from tile names)")
	fl.IntVar(&f.cols, "cols", 0, "montage columns (0 infers from tile names)")
	fl.Float64Var(&f.overlap, "overlap", 0, "tile overlap in percent")
	fl.BoolVar(&f.manual, "manual-overlap", false, "lay tiles out from --overlap instead of their stored origins")
	fl.StringVar(&f.matrix, "matrix", "", "attribute matrix holding the pixel array")
	fl.StringVar(&f.array, "array", "", "pixel data array name")
	fl.StringVar(&f.peak, "peak", "", "peak interpolation (none|parabolic|cosine)")
	fl.UintVar(&f.subdivisions, "subdivisions", 0, "number of batches the tile pairs are registered in")
	fl.StringVar(&f.engine, "engine", "", "registration engine (phase|stage)")
	fl.BoolVar(&f.allowGaps, "allow-gaps", false, "register grids with missing tiles")
	fl.StringSliceVar(&f.tiles, "tiles", nil, "tile identifiers in grid order (default: every tile in the directory)")
	fl.BoolVar(&f.imagemagick, "imagemagick", false, "decode tiles through ImageMagick")
}

// plan resolves the effective plan for dir.
func (f *montageFlags) plan(cmd *cobra.Command, dir string) (config.Plan, error) {
	var p config.Plan
	path := f.planPath
	if path == "" {
		candidates := make([]string, len(planFiles))
		for i, name := range planFiles {
			candidates[i] = filepath.Join(dir, name)
		}
		path = fsutil.FirstExisting(candidates...)
	}
	if path != "" {
		loaded, err := config.LoadPlan(path)
		if err != nil {
			return p, err
		}
		p = *loaded
	}

	changed := cmd.Flags().Changed
	if changed("rows") {
		p.Rows = f.rows
	}
	if changed("cols") {
		p.Cols = f.cols
	}
	if changed("overlap") {
		p.OverlapPercent = &f.overlap
	}
	if changed("manual-overlap") {
		p.ManualOverlap = &f.manual
	}
	if changed("matrix") {
		p.AttributeMatrix = f.matrix
	}
	if changed("array") {
		p.DataArray = f.array
	}
	if changed("peak") {
		p.PeakInterpolation = f.peak
	}
	if changed("subdivisions") {
		p.StreamSubdivisions = f.subdivisions
	}
	if changed("engine") {
		p.Engine = f.engine
	}
	if changed("allow-gaps") {
		p.AllowGaps = &f.allowGaps
	}
	if changed("tiles") {
		p.Tiles = f.tiles
	}
	return p, nil
}

func (r *Root) buildJob(cmd *cobra.Command, typ pipeline.JobType, dir string, f *montageFlags) (pipeline.Job, error) {
	p, err := f.plan(cmd, dir)
	if err != nil {
		return pipeline.Job{}, err
	}
	job, err := pipeline.JobFromPlan(typ, dir, p, r.cfg.Montage)
	if err != nil {
		return job, err
	}
	job.ID = r.newID()
	job.UseImageMagick = f.imagemagick || r.cfg.Processing.UseImageMagick
	return job, nil
}

// enqueueAndWait submits job and blocks until its result arrives. When ctx
// ends first the job is cancelled and its (partial) result still awaited.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job, onProgress func(montage.Progress)) (pipeline.Result, error) {
	events, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job}, err
	}
	done := ctx.Done()
	for {
		select {
		case <-done:
			r.log.Warn("interrupted, cancelling montage", "id", job.ID)
			r.pipeline.Cancel(job.ID)
			done = nil
		case ev, ok := <-events:
			if !ok {
				return pipeline.Result{Job: job}, errors.New("pipeline stopped before completion")
			}
			if ev.JobID != job.ID {
				continue
			}
			if ev.Progress != nil && onProgress != nil {
				onProgress(*ev.Progress)
			}
			if ev.Result != nil {
				return *ev.Result, ev.Result.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// progressPrinter prints one line per finished stage and throttles tile
// progress to at most one line per interval.
func (r *Root) progressPrinter(interval time.Duration) func(montage.Progress) {
	var last time.Time
	return func(p montage.Progress) {
		final := p.Total > 0 && p.Done == p.Total
		if !final && time.Since(last) < interval {
			return
		}
		last = time.Now()
		r.printf("  %-8s %d/%d\n", p.Stage, p.Done, p.Total)
	}
}
