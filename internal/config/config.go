package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/tilemontage/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the montage tools.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Storage    Storage    `json:"storage"`
	Montage    Montage    `json:"montage"`
	Server     Server     `json:"server"`
	Watch      Watch      `json:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs   int    `json:"parallel_jobs"`
	TempDir        string `json:"temp_dir"`
	UseImageMagick bool   `json:"use_imagemagick"` // decode formats the stdlib cannot read
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input locations.
type Paths struct {
	DefaultInput string `json:"default_input"`
	DatabasePath string `json:"database_path"`
}

// Storage selects the SQLite driver for run history.
type Storage struct {
	Driver string `json:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
}

// Montage holds the defaults applied to every run unless a plan file or a
// flag overrides them.
type Montage struct {
	OverlapPercent     float64 `json:"overlap_percent"`
	ManualOverlap      bool    `json:"manual_overlap"`
	AttributeMatrix    string  `json:"attribute_matrix"`
	DataArray          string  `json:"data_array"`
	PeakInterpolation  string  `json:"peak_interpolation"` // none, parabolic, cosine
	StreamSubdivisions uint    `json:"stream_subdivisions"`
	Engine             string  `json:"engine"` // phase, stage
	Workers            int     `json:"workers"`
	AllowGaps          bool    `json:"allow_gaps"`
}

// Server configures the HTTP API and the optional gRPC health listener.
type Server struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr"` // empty disables gRPC
}

// Watch configures the tile directory watcher.
type Watch struct {
	DebounceMillis int `json:"debounce_ms"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("TILEMONTAGE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs:   defaultParallel,
			TempDir:        os.TempDir(),
			UseImageMagick: false,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput: ".",
			DatabasePath: filepath.Join(os.TempDir(), "tilemontage.db"),
		},
		Storage: Storage{Driver: "sqlite"},
		Montage: Montage{
			OverlapPercent:     15,
			ManualOverlap:      true,
			AttributeMatrix:    "CellData",
			DataArray:          "ImageData",
			PeakInterpolation:  "parabolic",
			StreamSubdivisions: 1,
			Engine:             "phase",
			Workers:            0,
		},
		Server: Server{
			Addr: ":8080",
		},
		Watch: Watch{DebounceMillis: 1500},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
