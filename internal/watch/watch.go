// Package watch submits a montage job once a directory holds a complete
// set of grid tiles.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"tilemontage/internal/fsutil"
	"tilemontage/internal/montage"
	"tilemontage/internal/pipeline"
)

// Submitter accepts jobs; *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Options tune a TileWatcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
	// NewID generates job IDs; defaults to random UUIDs.
	NewID func() string
}

// TileWatcher monitors one directory for tile files.
type TileWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	template pipeline.Job
	submit   Submitter
	opts     Options
	last     string
}

// New creates a watcher for dir. template supplies every job field except
// ID, InputPath and the tile list; its grid size must be set.
func New(dir string, template pipeline.Job, submit Submitter, opts Options) (*TileWatcher, error) {
	if template.Config.Rows <= 0 || template.Config.Cols <= 0 {
		return nil, fmt.Errorf("watch needs an explicit grid size, got %dx%d", template.Config.Rows, template.Config.Cols)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &TileWatcher{watcher: watcher, dir: dir, template: template, submit: submit, opts: opts}, nil
}

// Run watches until ctx is done. A check runs once at start and again after
// every quiet period following tile file changes.
func (w *TileWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.opts.Logger.Info("watching tile directory", "dir", w.dir,
		"grid", fmt.Sprintf("%dx%d", w.template.Config.Rows, w.template.Config.Cols))

	w.checkAndSubmit()

	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !fsutil.IsImageFile(event.Name) && !fsutil.NeedsMagick(event.Name) {
				continue
			}
			timer.Reset(w.opts.Debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.opts.Logger.Warn("filesystem watcher error", "error", err)
		case <-timer.C:
			w.checkAndSubmit()
		}
	}
}

func (w *TileWatcher) checkAndSubmit() {
	job, ok, err := w.check()
	if err != nil {
		w.opts.Logger.Warn("tile scan failed", "dir", w.dir, "error", err)
		return
	}
	if !ok {
		return
	}
	if err := w.submit.Submit(job); err != nil {
		w.opts.Logger.Error("failed to submit montage job", "dir", w.dir, "error", err)
		return
	}
	w.opts.Logger.Info("tile set complete, montage submitted", "job", job.ID, "tiles", len(job.Config.Tiles))
}

// check reports whether every grid cell has a tile. The same tile set is
// reported only once.
func (w *TileWatcher) check() (pipeline.Job, bool, error) {
	files, err := fsutil.ListImages(w.dir, w.template.UseImageMagick)
	if err != nil {
		return pipeline.Job{}, false, err
	}
	cfg := w.template.Config
	cells := make(map[montage.TileKey]string)
	for _, f := range files {
		stem := fsutil.Stem(f)
		key, _, err := montage.ParseTileKey(stem)
		if err != nil || key.Row >= cfg.Rows || key.Col >= cfg.Cols {
			continue
		}
		if _, dup := cells[key]; !dup {
			cells[key] = stem
		}
	}
	if len(cells) < cfg.Rows*cfg.Cols {
		w.opts.Logger.Debug("tile set incomplete", "have", len(cells), "want", cfg.Rows*cfg.Cols)
		return pipeline.Job{}, false, nil
	}

	tiles := make([]string, 0, len(cells))
	for _, stem := range cells {
		tiles = append(tiles, stem)
	}
	sort.Strings(tiles)
	sig := strings.Join(tiles, "\x00")
	if sig == w.last {
		return pipeline.Job{}, false, nil
	}
	w.last = sig

	job := w.template
	job.ID = w.opts.NewID()
	job.Type = pipeline.JobGenerate
	job.InputPath = w.dir
	job.Config.Tiles = tiles
	return job, true, nil
}
