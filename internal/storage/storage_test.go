package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTest(t)
	if err := s.RecordRunQueued(RunRecord{ID: "run-1", InputPath: "/tiles", Rows: 2, Cols: 2, OptionsJSON: `{"overlap":10}`}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordRunStart("run-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordRunResult("run-1", RunOutcome{Status: StatusCancelled, PixelFormat: "rgb", Committed: 2, Skipped: 1, ErrorCode: -11011, Error: "Cancelled"}); err != nil {
		t.Fatalf("result: %v", err)
	}

	rec, err := s.Run("run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusCancelled || rec.Committed != 2 || rec.ErrorCode != -11011 || rec.PixelFormat != "rgb" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.StartedAt == nil || rec.CompletedAt == nil {
		t.Fatalf("timestamps not recorded: %+v", rec)
	}

	if _, err := s.Run("nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}

	if err := s.RecordRunQueued(RunRecord{ID: "run-2", Rows: 1, Cols: 1}); err != nil {
		t.Fatal(err)
	}
	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" {
		t.Fatalf("unexpected recent runs %+v", runs)
	}
	if runs[0].Status != StatusQueued {
		t.Fatalf("expected queued status, got %q", runs[0].Status)
	}
}

func TestTileTransforms(t *testing.T) {
	s := openTest(t)
	for _, rec := range []TileRecord{
		{RunID: "r", Tile: "img_r1c0", Row: 1, Col: 0, PositionMode: "lattice", InitY: 90, TY: -1.5},
		{RunID: "r", Tile: "img_r0c1", Row: 0, Col: 1, PositionMode: "stored", InitX: 90, TX: 0.25, Peak: 12,
			Transform: map[string]any{"type": "AffineTransform_double_3_3"}},
	} {
		if err := s.RecordTileTransform(rec); err != nil {
			t.Fatalf("record %s: %v", rec.Tile, err)
		}
	}
	tiles, err := s.RunTiles("r")
	if err != nil {
		t.Fatalf("tiles: %v", err)
	}
	if len(tiles) != 2 || tiles[0].Tile != "img_r0c1" {
		t.Fatalf("expected row-major order, got %+v", tiles)
	}
	tr, ok := tiles[0].Transform.(map[string]any)
	if !ok || tr["type"] != "AffineTransform_double_3_3" {
		t.Fatalf("transform not round-tripped: %#v", tiles[0].Transform)
	}
	if tiles[1].TY != -1.5 || tiles[1].PositionMode != "lattice" {
		t.Fatalf("unexpected tile %+v", tiles[1])
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("postgres", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordRunStart("x"); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("nil store should refuse reads")
	}
}
