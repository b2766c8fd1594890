package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Drivers accepted by Open.
const (
	DriverPure = "sqlite"  // modernc.org/sqlite
	DriverCgo  = "sqlite3" // github.com/mattn/go-sqlite3
)

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusDone      = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Store wraps SQLite-backed persistence for montage runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open(DriverPure, path)
}

// Open opens the database at path with the named driver and ensures schema.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DriverPure
	}
	if driver != DriverPure && driver != DriverCgo {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS montage_runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            input_path TEXT,
            grid_rows INTEGER,
            grid_cols INTEGER,
            options_json TEXT,
            pixel_format TEXT,
            committed INTEGER DEFAULT 0,
            skipped INTEGER DEFAULT 0,
            error_code INTEGER DEFAULT 0,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS tile_transforms (
            run_id TEXT NOT NULL,
            tile TEXT NOT NULL,
            tile_row INTEGER NOT NULL,
            tile_col INTEGER NOT NULL,
            position_mode TEXT,
            init_x REAL,
            init_y REAL,
            tx REAL,
            ty REAL,
            peak REAL,
            transform_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (run_id, tile)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_montage_runs_created ON montage_runs(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tile_transforms_run ON tile_transforms(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted montage run.
type RunRecord struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	Rows        int        `json:"rows"`
	Cols        int        `json:"cols"`
	OptionsJSON string     `json:"options,omitempty"`
	PixelFormat string     `json:"pixel_format,omitempty"`
	Committed   int        `json:"committed"`
	Skipped     int        `json:"skipped"`
	ErrorCode   int        `json:"error_code"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunOutcome is what a finished run reports.
type RunOutcome struct {
	Status      string
	PixelFormat string
	Committed   int
	Skipped     int
	ErrorCode   int
	Error       string
}

// TileRecord captures one committed tile transform.
type TileRecord struct {
	RunID        string    `json:"run_id"`
	Tile         string    `json:"tile"`
	Row          int       `json:"row"`
	Col          int       `json:"col"`
	PositionMode string    `json:"position_mode"`
	InitX        float64   `json:"init_x"`
	InitY        float64   `json:"init_y"`
	TX           float64   `json:"tx"`
	TY           float64   `json:"ty"`
	Peak         float64   `json:"peak"`
	Transform    any       `json:"transform,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	status := rec.Status
	if status == "" {
		status = StatusQueued
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO montage_runs (id, status, input_path, grid_rows, grid_cols, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, status, rec.InputPath, rec.Rows, rec.Cols, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE montage_runs SET status=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`, StatusRunning, id)
	return err
}

// RecordRunResult finalizes a run.
func (s *Store) RecordRunResult(id string, out RunOutcome) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE montage_runs SET status=?, pixel_format=?, committed=?, skipped=?, error_code=?, error_message=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		out.Status, out.PixelFormat, out.Committed, out.Skipped, out.ErrorCode, out.Error, id)
	return err
}

// RecordTileTransform stores the transform committed for one tile. The
// transform is kept as JSON so any container shape round-trips.
func (s *Store) RecordTileTransform(rec TileRecord) error {
	if s == nil {
		return nil
	}
	transformJSON, err := json.Marshal(rec.Transform)
	if err != nil {
		return fmt.Errorf("marshal transform: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO tile_transforms (run_id, tile, tile_row, tile_col, position_mode, init_x, init_y, tx, ty, peak, transform_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Tile, rec.Row, rec.Col, rec.PositionMode, rec.InitX, rec.InitY, rec.TX, rec.TY, rec.Peak, string(transformJSON))
	return err
}

const runColumns = `id, status, input_path, grid_rows, grid_cols, options_json, pixel_format, committed, skipped, error_code, error_message, created_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var options, format, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Status, &rec.InputPath, &rec.Rows, &rec.Cols, &options, &format,
		&rec.Committed, &rec.Skipped, &rec.ErrorCode, &errorMsg, &rec.CreatedAt, &started, &completed); err != nil {
		return rec, err
	}
	rec.OptionsJSON = options.String
	rec.PixelFormat = format.String
	rec.Error = errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM montage_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run; sql.ErrNoRows when it does not exist.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	return scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM montage_runs WHERE id=?;`, id))
}

// RunTiles returns the committed tiles of a run in row-major order.
func (s *Store) RunTiles(runID string) ([]TileRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, tile, tile_row, tile_col, position_mode, init_x, init_y, tx, ty, peak, transform_json, created_at
        FROM tile_transforms WHERE run_id=? ORDER BY tile_row, tile_col;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TileRecord
	for rows.Next() {
		var rec TileRecord
		var mode, transformJSON sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Tile, &rec.Row, &rec.Col, &mode, &rec.InitX, &rec.InitY,
			&rec.TX, &rec.TY, &rec.Peak, &transformJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.PositionMode = mode.String
		if transformJSON.Valid && transformJSON.String != "" && transformJSON.String != "null" {
			var t map[string]any
			if err := json.Unmarshal([]byte(transformJSON.String), &t); err != nil {
				return nil, fmt.Errorf("unmarshal transform: %w", err)
			}
			rec.Transform = t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
