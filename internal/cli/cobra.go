package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tilemontage/internal/config"
	"tilemontage/internal/fsutil"
	"tilemontage/internal/montage"
	"tilemontage/internal/pipeline"
	"tilemontage/internal/storage"
	"tilemontage/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return NewRoot(pipe, cfg, log, store).command()
}

func (r *Root) command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tilemontage",
		Short: "Register grids of overlapping image tiles into a montage",
		Long: `tilemontage lays out a directory of row/column named image tiles on a grid,
registers neighbouring tiles against each other and records one translation
transform per tile.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newGenerateCmd(r))
	rootCmd.AddCommand(newPreflightCmd(r))
	rootCmd.AddCommand(newParseCmd(r))
	rootCmd.AddCommand(newPlanCmd(r))
	rootCmd.AddCommand(newRunsCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

func newGenerateCmd(root *Root) *cobra.Command {
	var (
		flags    montageFlags
		progress bool
	)

	cmd := &cobra.Command{
		Use:   "generate <tile_directory>",
		Short: "Register a tile grid and record a transform per tile",
		Long: `Load every tile in a directory, estimate initial positions from the grid
layout, register neighbouring tiles and commit one translation per tile.

Examples:
  tilemontage generate /scans/slide1 --rows 3 --cols 4 --overlap 10
  tilemontage generate /scans/slide1 --plan slide1.yaml --peak cosine`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := root.buildJob(cmd, pipeline.JobGenerate, args[0], &flags)
			if err != nil {
				return err
			}
			var onProgress func(montage.Progress)
			if progress {
				onProgress = root.progressPrinter(500 * time.Millisecond)
			}
			res, err := root.enqueueAndWait(cmd.Context(), job, onProgress)
			root.printResult(job, res)
			return err
		},
	}

	flags.bind(cmd)
	cmd.Flags().BoolVar(&progress, "progress", true, "print registration progress")
	return cmd
}

func newPreflightCmd(root *Root) *cobra.Command {
	var flags montageFlags

	cmd := &cobra.Command{
		Use:   "preflight <tile_directory>",
		Short: "Validate a montage without registering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := root.buildJob(cmd, pipeline.JobPreflight, args[0], &flags)
			if err != nil {
				return err
			}
			res, err := root.enqueueAndWait(cmd.Context(), job, nil)
			if err != nil {
				return err
			}
			root.printf("OK: %v tiles, grid %v, pixel format %v, %v loaded\n",
				res.Meta["loaded"], res.Meta["grid"], res.Meta["format"], res.Meta["bytes"])
			return nil
		},
	}

	flags.bind(cmd)
	return cmd
}

func newParseCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <identifier>...",
		Short: "Show the grid position encoded in tile identifiers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed int
			for _, id := range args {
				key, prefix, err := montage.ParseTileKey(id)
				if err != nil {
					failed++
					root.printf("%s\t%v\n", id, err)
					continue
				}
				root.printf("%s\trow=%d col=%d prefix=%q\n", id, key.Row, key.Col, prefix)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d identifiers malformed", failed, len(args))
			}
			return nil
		},
	}
}

func newPlanCmd(root *Root) *cobra.Command {
	var (
		flags  montageFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "plan <tile_directory>",
		Short: "Write a montage plan for the tiles in a directory",
		Long: `Scan a directory for tile images, infer the grid from their names and
write a YAML plan that generate picks up automatically.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			p, err := flags.plan(cmd, dir)
			if err != nil {
				return err
			}
			if len(p.Tiles) == 0 {
				files, err := fsutil.ListImages(dir, flags.imagemagick || root.cfg.Processing.UseImageMagick)
				if err != nil {
					return err
				}
				for _, f := range files {
					name := fsutil.Stem(f)
					if _, _, err := montage.ParseTileKey(name); err != nil {
						root.log.Warn("skipping file without grid position", "file", f, "error", err)
						continue
					}
					p.Tiles = append(p.Tiles, name)
				}
			}
			if len(p.Tiles) == 0 {
				return fmt.Errorf("no tiles found in %s", dir)
			}
			if p.Rows == 0 && p.Cols == 0 {
				p.Rows, p.Cols = montage.InferGridSize(p.Tiles)
			}
			p.Merge(root.cfg.Montage)
			if _, err := montage.ParsePeakInterpolation(p.PeakInterpolation); err != nil {
				return err
			}

			if output == "" {
				output = filepath.Join(dir, planFiles[0])
			}
			if err := config.SavePlan(&p, output); err != nil {
				return err
			}
			root.printf("Wrote %s: %dx%d grid, %d tiles\n", output, p.Rows, p.Cols, len(p.Tiles))
			return nil
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "plan file to write (default: <tile_directory>/montage.yaml)")
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run_id]",
		Short: "List recorded montage runs, or the tile transforms of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return root.showRun(args[0])
			}
			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				root.printf("No runs recorded\n")
				return nil
			}
			for _, rec := range recs {
				root.printf("%s  %-9s  %dx%d  %d committed  %s  %s\n",
					rec.ID, rec.Status, rec.Rows, rec.Cols, rec.Committed, humanize.Time(rec.CreatedAt), rec.InputPath)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func (r *Root) showRun(id string) error {
	rec, err := r.store.Run(id)
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	r.printf("Run:       %s\n", rec.ID)
	r.printf("Status:    %s\n", rec.Status)
	r.printf("Input:     %s\n", rec.InputPath)
	r.printf("Grid:      %dx%d\n", rec.Rows, rec.Cols)
	if rec.PixelFormat != "" {
		r.printf("Format:    %s\n", rec.PixelFormat)
	}
	r.printf("Committed: %d (skipped %d)\n", rec.Committed, rec.Skipped)
	if rec.Error != "" {
		r.printf("Error:     %s (%s)\n", rec.Error, montage.Code(rec.ErrorCode))
	}

	tiles, err := r.store.RunTiles(id)
	if err != nil {
		return err
	}
	for _, t := range tiles {
		r.printf("  %-20s r%-3d c%-3d  init (%.2f, %.2f) %-7s  t (%.3f, %.3f)  peak %.2f\n",
			t.Tile, t.Row, t.Col, t.InitX, t.InitY, t.PositionMode, t.TX, t.TY, t.Peak)
	}
	return nil
}

func (r *Root) printResult(job pipeline.Job, res pipeline.Result) {
	committed, _ := res.Meta["committed"].(int)
	format, _ := res.Meta["format"].(string)
	if res.Error != nil {
		r.printf("Montage %s failed (%s): %d of %s tiles committed\n", job.ID, res.Code, committed, gridSize(res))
		return
	}
	r.printf("Montage %s: %s tiles committed, %s grid, %s", job.ID, humanize.Comma(int64(committed)), gridSize(res), format)
	if d, ok := res.Meta["duration"].(string); ok {
		r.printf(", %s", d)
	}
	r.printf("\n")
	if skipped, _ := res.Meta["skipped"].(int); skipped > 0 {
		r.printf("  %d tile(s) skipped\n", skipped)
	}
}

func gridSize(res pipeline.Result) string {
	if g, ok := res.Meta["grid"].(string); ok {
		return g
	}
	return "?"
}

func newServeCmd(root *Root) *cobra.Command {
	var addr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server that accepts montage jobs and reports their progress
over a websocket.

Examples:
  tilemontage serve --addr :8080
  tilemontage serve --addr :8080 --grpc-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *root.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("grpc-addr") {
				cfg.Server.GRPCAddr = grpcAddr
			}
			root.log.Info("starting server",
				"addr", cfg.Server.Addr,
				"grpc_addr", cfg.Server.GRPCAddr,
			)
			return root.serveFn(cmd.Context(), &cfg, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listener address (empty disables it)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		flags    montageFlags
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <tile_directory>",
		Short: "Generate a montage once a directory holds a complete grid",
		Long: `Watch a directory and submit a generate job every time it holds a new,
complete set of rows x cols tiles. The grid size must be given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			template, err := root.buildJob(cmd, pipeline.JobGenerate, dir, &flags)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("debounce") {
				debounce = time.Duration(root.cfg.Watch.DebounceMillis) * time.Millisecond
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			events, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()
			go func() {
				for ev := range events {
					if ev.Result != nil {
						root.printResult(ev.Result.Job, *ev.Result)
					}
				}
			}()

			return root.watchFn(ctx, dir, template, root.pipeline, watch.Options{
				Debounce: debounce,
				Logger:   root.log,
				NewID:    root.newID,
			})
		},
	}

	flags.bind(cmd)
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before a directory is re-checked")
	return cmd
}
