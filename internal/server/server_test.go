package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tilemontage/internal/config"
	"tilemontage/internal/montage"
	"tilemontage/internal/pipeline"
	"tilemontage/internal/storage"
)

type fakeJobs struct {
	mu        sync.Mutex
	submitted []pipeline.Job
	running   map[string]bool
	submitErr error
	events    chan pipeline.Event
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{running: map[string]bool{}, events: make(chan pipeline.Event, 16)}
}

func (f *fakeJobs) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, job)
	return nil
}

func (f *fakeJobs) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := f.running[id]
	delete(f.running, id)
	return ok
}

func (f *fakeJobs) Subscribe() (<-chan pipeline.Event, func()) {
	return f.events, func() {}
}

func newTestServer(t *testing.T) (*Server, *fakeJobs, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	jobs := newFakeJobs()
	cfg := config.Default()
	s := NewServer(cfg.Server, cfg.Montage, store, jobs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.newID = func() string { return "run-1" }
	return s, jobs, store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s.Routes(), "GET", "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestSubmitAppliesDefaults(t *testing.T) {
	s, jobs, _ := newTestServer(t)
	rec := do(t, s.Routes(), "POST", "/api/montages", `{"input_path":"/tiles","rows":2,"cols":3,"peak_interpolation":"cosine"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["id"] != "run-1" || body["status"] != storage.StatusQueued {
		t.Fatalf("unexpected body %v", body)
	}
	if len(jobs.submitted) != 1 {
		t.Fatalf("expected one submitted job, got %d", len(jobs.submitted))
	}
	job := jobs.submitted[0]
	if job.ID != "run-1" || job.Type != pipeline.JobGenerate || job.InputPath != "/tiles" {
		t.Fatalf("unexpected job %+v", job)
	}
	def := config.Default().Montage
	if job.Config.Rows != 2 || job.Config.Cols != 3 || job.Config.OverlapPercent != def.OverlapPercent ||
		job.Config.PeakInterpolation != montage.PeakCosine || job.Engine != def.Engine {
		t.Fatalf("defaults not applied: %+v", job)
	}
}

func TestSubmitCarriesStoredOrigins(t *testing.T) {
	s, jobs, _ := newTestServer(t)
	body := `{"input_path":"/tiles","manual_overlap":false,"origins":{"a_r0c1":[90,2.5]}}`
	if rec := do(t, s.Routes(), "POST", "/api/montages", body); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	job := jobs.submitted[0]
	if job.Config.ManualOverlap || job.Origins["a_r0c1"] != [2]float64{90, 2.5} {
		t.Fatalf("origins not forwarded: %+v", job)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	s, jobs, _ := newTestServer(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{"garbage", `{`, ""},
		{"no input", `{"rows":1,"cols":1}`, ""},
		{"job type", `{"input_path":"/t","type":"stitch"}`, ""},
		{"peak", `{"input_path":"/t","peak_interpolation":"lanczos"}`, "InvalidPeakInterpolation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s.Routes(), "POST", "/api/montages", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if tc.want != "" && !strings.Contains(rec.Body.String(), tc.want) {
				t.Fatalf("expected %s in %s", tc.want, rec.Body.String())
			}
		})
	}
	if len(jobs.submitted) != 0 {
		t.Fatalf("nothing should be submitted, got %d", len(jobs.submitted))
	}
}

func TestSubmitQueueFull(t *testing.T) {
	s, jobs, _ := newTestServer(t)
	jobs.submitErr = errors.New("job queue is full")
	rec := do(t, s.Routes(), "POST", "/api/montages", `{"input_path":"/tiles"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRunEndpoints(t *testing.T) {
	s, _, store := newTestServer(t)
	if err := store.RecordRunQueued(storage.RunRecord{ID: "r1", InputPath: "/tiles", Rows: 1, Cols: 2}); err != nil {
		t.Fatal(err)
	}
	for c := 0; c < 2; c++ {
		err := store.RecordTileTransform(storage.TileRecord{
			RunID: "r1", Tile: montage.TileName("img", montage.TileKey{Col: c}), Col: c,
			TX: float64(c), Transform: montage.TransformFor(montage.Translation{X: float64(c)}),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	h := s.Routes()

	rec := do(t, h, "GET", "/api/runs?limit=5", "")
	var runs []storage.RunRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Fatalf("unexpected runs %+v", runs)
	}

	if rec := do(t, h, "GET", "/api/runs/r1", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for known run, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/api/runs/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/api/runs?limit=0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}

	rec = do(t, h, "GET", "/api/runs/r1/tiles", "")
	var tiles []storage.TileRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &tiles); err != nil {
		t.Fatal(err)
	}
	if len(tiles) != 2 || tiles[1].TX != 1 || tiles[1].Transform == nil {
		t.Fatalf("unexpected tiles %+v", tiles)
	}
	if rec := do(t, h, "GET", "/api/runs/nope/tiles", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for tiles of unknown run, got %d", rec.Code)
	}
}

func TestCancel(t *testing.T) {
	s, jobs, _ := newTestServer(t)
	jobs.running["r1"] = true
	h := s.Routes()
	if rec := do(t, h, "POST", "/api/runs/r1/cancel", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/runs/r1/cancel", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for finished run, got %d", rec.Code)
	}
}

func TestWebSocketForwardsEvents(t *testing.T) {
	s, jobs, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startEvents(ctx)
	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The client registers asynchronously; keep publishing until one arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case jobs.events <- pipeline.Event{JobID: "r1", Result: &pipeline.Result{
					Code:  montage.CodeCancelled,
					Error: &montage.Error{Code: montage.CodeCancelled},
					Meta:  map[string]any{"committed": 2},
				}}:
				default:
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var msg eventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.JobID != "r1" || msg.Result == nil || msg.Result.Name != "Cancelled" || msg.Result.Error == "" {
		t.Fatalf("unexpected message %s", data)
	}
}

func TestEventMessageProgress(t *testing.T) {
	msg := newEventMessage(pipeline.Event{JobID: "r1", Progress: &montage.Progress{Stage: montage.StageTiles, Done: 1, Total: 4}})
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(`"stage":"`+montage.StageTiles+`"`)) || bytes.Contains(data, []byte(`"result"`)) {
		t.Fatalf("unexpected encoding %s", data)
	}
}

func TestGRPCHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.serveGRPCOn(ctx, lis)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatal(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.GetStatus())
	}
}
