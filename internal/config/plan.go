package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Plan is a per-run montage description kept next to the tiles. Unset
// fields fall back to the Montage section of the config.
type Plan struct {
	Rows               int      `yaml:"rows"`
	Cols               int      `yaml:"cols"`
	OverlapPercent     *float64 `yaml:"overlapPercent,omitempty"`
	ManualOverlap      *bool    `yaml:"manualOverlap,omitempty"`
	AttributeMatrix    string   `yaml:"attributeMatrix,omitempty"`
	DataArray          string   `yaml:"dataArray,omitempty"`
	PeakInterpolation  string   `yaml:"peakInterpolation,omitempty"`
	StreamSubdivisions uint     `yaml:"streamSubdivisions,omitempty"`
	Engine             string   `yaml:"engine,omitempty"`
	AllowGaps          *bool    `yaml:"allowGaps,omitempty"`
	Tiles              []string `yaml:"tiles,omitempty"`
	// Origins gives tiles a stored origin, in pixels, before the grid is
	// built. It only matters with manual overlap off.
	Origins map[string][2]float64 `yaml:"origins,omitempty"`
}

// LoadPlan reads a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading plan file: %w", err)
	}
	p := &Plan{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("error parsing plan file: %w", err)
	}
	return p, nil
}

// SavePlan writes p as YAML, creating the parent directory.
func SavePlan(p *Plan, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating plan directory: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("error marshaling plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("error writing plan file: %w", err)
	}
	return nil
}

// Merge fills the unset fields of p from the montage defaults.
func (p *Plan) Merge(m Montage) {
	if p.OverlapPercent == nil {
		v := m.OverlapPercent
		p.OverlapPercent = &v
	}
	if p.ManualOverlap == nil {
		v := m.ManualOverlap
		p.ManualOverlap = &v
	}
	if p.AllowGaps == nil {
		v := m.AllowGaps
		p.AllowGaps = &v
	}
	if p.AttributeMatrix == "" {
		p.AttributeMatrix = m.AttributeMatrix
	}
	if p.DataArray == "" {
		p.DataArray = m.DataArray
	}
	if p.PeakInterpolation == "" {
		p.PeakInterpolation = m.PeakInterpolation
	}
	if p.StreamSubdivisions == 0 {
		p.StreamSubdivisions = m.StreamSubdivisions
	}
	if p.Engine == "" {
		p.Engine = m.Engine
	}
}
