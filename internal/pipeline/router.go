package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"tilemontage/internal/config"
	"tilemontage/internal/dataset"
	"tilemontage/internal/logging"
	"tilemontage/internal/montage"
	"tilemontage/internal/registration"
	"tilemontage/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	defaults config.Montage
	load     loadFunc
	engines  engineFactory
	progress func(jobID string, p montage.Progress)
}

type loadFunc func(dir string, opts dataset.LoadOptions) (*dataset.Store, dataset.LoadStats, error)

type engineFactory func(name string) (montage.Engine, error)

func newRouter(logger *slog.Logger, store *storage.Store, defaults *config.Montage, progress func(string, montage.Progress)) Processor {
	d := config.Default().Montage
	if defaults != nil {
		d = *defaults
	}
	return &router{
		log:      logger,
		store:    store,
		defaults: d,
		load:     dataset.LoadDir,
		engines: func(name string) (montage.Engine, error) {
			return registration.New(name, registration.Options{Workers: d.Workers, Logger: logger})
		},
		progress: progress,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobGenerate:
		return r.handleGenerate(ctx, job)
	case JobPreflight:
		return r.handlePreflight(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// prepare loads the tile directory and completes the job's montage config:
// the tile list defaults to every loaded tile and the grid size to the
// smallest grid holding them.
func (r *router) prepare(job Job) (*dataset.Store, montage.Config, map[string]any, error) {
	cfg := job.Config
	if cfg.AttributeMatrix == "" {
		cfg.AttributeMatrix = r.defaults.AttributeMatrix
	}
	if cfg.DataArray == "" {
		cfg.DataArray = r.defaults.DataArray
	}

	data, stats, err := r.load(job.InputPath, dataset.LoadOptions{
		Matrix:         cfg.AttributeMatrix,
		Array:          cfg.DataArray,
		UseImageMagick: job.UseImageMagick,
		Logger:         r.log,
	})
	if errors.Is(err, dataset.ErrNoImages) {
		return nil, cfg, nil, &montage.Error{Code: montage.CodeNoTiles, Msg: job.InputPath, Err: err}
	}
	if err != nil {
		return nil, cfg, nil, err
	}
	meta := map[string]any{
		"tiles":  stats.Tiles,
		"bytes":  humanize.IBytes(uint64(stats.Bytes)),
		"loaded": data.Len(),
	}
	logging.LogProcessingStep(r.log, job.ID, "load", "done", meta)
	if len(job.Origins) > 0 {
		meta["origins"] = r.applyOrigins(data, job)
	}

	if len(cfg.Tiles) == 0 {
		cfg.Tiles = data.Names()
	}
	if cfg.Rows == 0 && cfg.Cols == 0 {
		cfg.Rows, cfg.Cols = montage.InferGridSize(cfg.Tiles)
	}
	meta["grid"] = fmt.Sprintf("%dx%d", cfg.Rows, cfg.Cols)
	return data, cfg, meta, nil
}

func (r *router) handlePreflight(ctx context.Context, job Job) Result {
	data, cfg, meta, err := r.prepare(job)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	format, err := montage.Preflight(data, cfg)
	if err == nil {
		meta["format"] = format.String()
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleGenerate(ctx context.Context, job Job) Result {
	data, cfg, meta, err := r.prepare(job)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	name := job.Engine
	if name == "" {
		name = r.defaults.Engine
	}
	engine, err := r.engines(name)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}

	res, err := montage.Generate(ctx, data, engine, cfg, montage.Options{
		Logger:    r.log.With("run_id", job.ID),
		AllowGaps: job.AllowGaps,
		Progress: func(p montage.Progress) {
			if p.Stage == montage.StageTiles {
				logging.LogProcessingStep(r.log, job.ID, "register", "progress", map[string]any{"done": p.Done, "total": p.Total})
			}
			if r.progress != nil {
				r.progress(job.ID, p)
			}
		},
	})
	meta["engine"] = name
	if res != nil {
		meta["committed"] = res.Committed
		meta["duration"] = res.Duration.String()
		if res.Format != 0 {
			meta["format"] = res.Format.String()
		}
		if res.Grid != nil {
			meta["skipped"] = len(res.Grid.Skipped)
			r.persistTiles(job.ID, res.Grid)
		}
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// applyOrigins writes the job's stored origins and returns how many tiles
// took one. Names that were not loaded are logged and ignored.
func (r *router) applyOrigins(data *dataset.Store, job Job) int {
	n := 0
	for name, xy := range job.Origins {
		h, err := data.Tile(name)
		if err == nil {
			err = data.SetOrigin(h, xy[0], xy[1], 0)
		}
		if err != nil {
			r.log.Warn("ignoring stored origin", "run_id", job.ID, "tile", name, "error", err)
			continue
		}
		n++
	}
	return n
}

// persistTiles records every tile that carries a committed transform.
func (r *router) persistTiles(runID string, g *montage.Grid) {
	if r.store == nil {
		return
	}
	_ = g.Each(func(rec *montage.TileRecord) error {
		if rec.Output == nil {
			return nil
		}
		err := r.store.RecordTileTransform(storage.TileRecord{
			RunID:        runID,
			Tile:         rec.Source,
			Row:          rec.Key.Row,
			Col:          rec.Key.Col,
			PositionMode: rec.Mode.String(),
			InitX:        rec.Position.X,
			InitY:        rec.Position.Y,
			TX:           rec.Output.X,
			TY:           rec.Output.Y,
			Peak:         rec.Output.Peak,
			Transform:    montage.TransformFor(*rec.Output),
		})
		if err != nil {
			r.log.Warn("failed to persist tile transform", "run", runID, "tile", rec.Source, "error", err)
		}
		return nil
	})
}
