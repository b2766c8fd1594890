package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tilemontage/internal/config"
	"tilemontage/internal/dataset"
	"tilemontage/internal/montage"
	"tilemontage/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubLoader returns a rows x cols store of 8x8 grayscale tiles.
func stubLoader(rows, cols int) loadFunc {
	return func(dir string, opts dataset.LoadOptions) (*dataset.Store, dataset.LoadStats, error) {
		store := dataset.NewStore()
		stats := dataset.LoadStats{}
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				name := montage.TileName("tile", montage.TileKey{Row: r, Col: c})
				dc := dataset.NewTileContainer(name, 8, 8, 1, make([]byte, 64), opts.Matrix, opts.Array)
				if err := store.Add(dc); err != nil {
					return nil, stats, err
				}
				stats.Tiles++
				stats.Bytes += 64
			}
		}
		return store, stats, nil
	}
}

type stubEngine struct {
	calls int
	err   error
}

func (s *stubEngine) RegisterGrid(ctx context.Context, req montage.EngineRequest) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	for r := 0; r < req.Rows; r++ {
		for c := 0; c < req.Cols; c++ {
			if req.Images[r][c] == nil {
				continue
			}
			if err := req.OnTile(montage.TileKey{Row: r, Col: c}, montage.Translation{X: 1}); err != nil {
				return err
			}
		}
	}
	return nil
}

func newTestRouter(t *testing.T, rows, cols int, engine montage.Engine) (*router, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return &router{
		log:      quietLogger(),
		store:    store,
		defaults: config.Default().Montage,
		load:     stubLoader(rows, cols),
		engines:  func(string) (montage.Engine, error) { return engine, nil },
	}, store
}

func generateJob(id string) Job {
	return Job{
		ID:        id,
		Type:      JobGenerate,
		InputPath: "/tiles",
		Config: montage.Config{
			ManualOverlap:      true,
			OverlapPercent:     10,
			PeakInterpolation:  montage.PeakParabolic,
			StreamSubdivisions: 1,
		},
	}
}

func TestRouterGenerateInfersGridAndPersistsTiles(t *testing.T) {
	engine := &stubEngine{}
	r, store := newTestRouter(t, 2, 3, engine)
	var events []montage.Progress
	r.progress = func(id string, p montage.Progress) { events = append(events, p) }

	res := r.Process(context.Background(), generateJob("gen-1"))
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if engine.calls != 1 {
		t.Fatalf("expected one engine call, got %d", engine.calls)
	}
	if res.Meta["grid"] != "2x3" || res.Meta["committed"] != 6 || res.Meta["format"] != "grayscale" {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
	if len(events) == 0 {
		t.Fatalf("expected progress events")
	}

	tiles, err := store.RunTiles("gen-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tiles) != 6 || tiles[5].Tile != "tile_r1c2" || tiles[5].TX != 1 {
		t.Fatalf("unexpected persisted tiles %+v", tiles)
	}
	if tiles[1].InitX != 7.2 {
		t.Fatalf("expected lattice x 7.2 for r0c1, got %v", tiles[1].InitX)
	}
}

func TestRouterGenerateUsesStoredOrigins(t *testing.T) {
	r, store := newTestRouter(t, 1, 3, &stubEngine{})
	job := generateJob("gen-origins")
	job.Config.ManualOverlap = false
	job.Origins = map[string][2]float64{"tile_r0c1": {6.5, 0.5}, "absent_r9c9": {1, 1}}

	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["origins"] != 1 {
		t.Fatalf("expected one origin applied, got %v", res.Meta["origins"])
	}
	tiles, err := store.RunTiles("gen-origins")
	if err != nil {
		t.Fatal(err)
	}
	if len(tiles) != 3 {
		t.Fatalf("expected 3 persisted tiles, got %+v", tiles)
	}
	for _, tr := range tiles {
		want := "lattice"
		if tr.Tile == "tile_r0c1" {
			want = "stored"
			if tr.InitX != 6.5 || tr.InitY != 0.5 {
				t.Fatalf("stored position not used: %+v", tr)
			}
		}
		if tr.PositionMode != want {
			t.Fatalf("%s: position mode %q, want %q", tr.Tile, tr.PositionMode, want)
		}
	}
}

func TestRouterLogsSkippedTileOnce(t *testing.T) {
	var buf bytes.Buffer
	r, _ := newTestRouter(t, 1, 2, &stubEngine{})
	r.log = slog.New(slog.NewTextHandler(&buf, nil))
	job := generateJob("gen-skip")
	job.AllowGaps = true
	job.Config.Rows, job.Config.Cols = 1, 3
	job.Config.Tiles = []string{"tile_r0c0", "tile_r0c1", "garbage"}

	res := r.Process(context.Background(), job)
	if montage.CodeOf(res.Error) != montage.CodeIncompleteRegistration {
		t.Fatalf("expected IncompleteRegistration, got %v", res.Error)
	}
	if res.Meta["skipped"] != 1 || res.Meta["committed"] != 2 {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
	out := buf.String()
	if n := strings.Count(out, "skipping tile"); n != 1 {
		t.Fatalf("expected one skip line, got %d in %q", n, out)
	}
	if !strings.Contains(out, `msg="skipping tile" run_id=gen-skip`) {
		t.Fatalf("skip line lacks the run id: %q", out)
	}
}

func TestRouterGenerateEngineFailure(t *testing.T) {
	r, store := newTestRouter(t, 1, 2, &stubEngine{err: errors.New("diverged")})
	res := r.Process(context.Background(), generateJob("gen-2"))
	if !errors.Is(res.Error, montage.ErrRegistrationFailed) {
		t.Fatalf("expected RegistrationFailed, got %v", res.Error)
	}
	tiles, _ := store.RunTiles("gen-2")
	if len(tiles) != 0 {
		t.Fatalf("no tiles should be persisted, got %d", len(tiles))
	}
}

func TestRouterPreflight(t *testing.T) {
	engine := &stubEngine{}
	r, _ := newTestRouter(t, 2, 2, engine)
	job := generateJob("pre-1")
	job.Type = JobPreflight
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("preflight: %v", res.Error)
	}
	if engine.calls != 0 {
		t.Fatalf("preflight must not register")
	}
	if res.Meta["format"] != "grayscale" {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
}

func TestRouterEmptyDirectoryIsNoTiles(t *testing.T) {
	r, _ := newTestRouter(t, 1, 1, &stubEngine{})
	r.load = func(dir string, opts dataset.LoadOptions) (*dataset.Store, dataset.LoadStats, error) {
		return nil, dataset.LoadStats{}, dataset.ErrNoImages
	}
	res := r.Process(context.Background(), generateJob("empty"))
	if montage.CodeOf(res.Error) != montage.CodeNoTiles {
		t.Fatalf("expected NoTiles, got %v", res.Error)
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r, _ := newTestRouter(t, 1, 1, &stubEngine{})
	if res := r.Process(context.Background(), Job{ID: "x", Type: "stitch"}); res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

// blockingProcessor waits for cancellation.
type blockingProcessor struct {
	started chan struct{}
}

func (b *blockingProcessor) Process(ctx context.Context, job Job) Result {
	close(b.started)
	<-ctx.Done()
	return Result{Job: job, Error: &montage.Error{Code: montage.CodeCancelled, Err: ctx.Err()}}
}

func TestPipelineCancelRecordsStatus(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	proc := &blockingProcessor{started: make(chan struct{})}
	p := NewWithProcessor(context.Background(), 1, quietLogger(), store, proc)
	defer p.Stop()

	events, unsub := p.Subscribe()
	defer unsub()

	if err := p.Submit(Job{ID: "job-c", Type: JobGenerate, InputPath: "/tiles"}); err != nil {
		t.Fatal(err)
	}
	<-proc.started
	if !p.Cancel("job-c") {
		t.Fatalf("expected running job to be cancelled")
	}

	select {
	case ev := <-events:
		if ev.Result == nil || ev.Result.Code != montage.CodeCancelled {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
	}

	rec, err := store.Run("job-c")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != storage.StatusCancelled || rec.ErrorCode != int(montage.CodeCancelled) {
		t.Fatalf("unexpected run record %+v", rec)
	}
	if p.Cancel("job-c") {
		t.Fatalf("finished job should not be cancellable")
	}
}

func TestJobFromPlanMergesDefaults(t *testing.T) {
	overlap := 25.0
	p := config.Plan{Rows: 2, Cols: 2, OverlapPercent: &overlap, PeakInterpolation: "none", Tiles: []string{"a_r0c0"}}
	job, err := JobFromPlan(JobPreflight, "/tiles", p, config.Default().Montage)
	if err != nil {
		t.Fatal(err)
	}
	def := config.Default().Montage
	if job.Type != JobPreflight || job.InputPath != "/tiles" || job.Config.OverlapPercent != 25 ||
		job.Config.ManualOverlap != def.ManualOverlap || job.Config.PeakInterpolation != montage.PeakNone ||
		job.Config.DataArray != def.DataArray || job.Engine != def.Engine {
		t.Fatalf("unexpected job %+v", job)
	}

	p.Origins = map[string][2]float64{"a_r0c0": {3, 4}}
	if job, _ := JobFromPlan(JobGenerate, "/tiles", p, def); job.Origins["a_r0c0"] != [2]float64{3, 4} {
		t.Fatalf("origins not carried: %v", job.Origins)
	}

	p.PeakInterpolation = "sinc"
	if _, err := JobFromPlan(JobGenerate, "/tiles", p, def); montage.CodeOf(err) != montage.CodeInvalidPeakInterpolation {
		t.Fatalf("expected InvalidPeakInterpolation, got %v", err)
	}
}
