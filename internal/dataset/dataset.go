package dataset

import (
	"fmt"
)

// DataArray is a named, tuple-shaped buffer of uint8 components.
// TupleDims follow the x, y, z convention of image geometries.
type DataArray struct {
	Name       string
	Components int
	TupleDims  []int
	Data       []byte
}

// NumTuples returns the product of the tuple dimensions.
func (a *DataArray) NumTuples() int {
	if len(a.TupleDims) == 0 {
		return 0
	}
	n := 1
	for _, d := range a.TupleDims {
		n *= d
	}
	return n
}

// Validate checks that the buffer holds exactly NumTuples*Components values.
func (a *DataArray) Validate() error {
	if a.Components < 1 {
		return fmt.Errorf("array %q: component count %d", a.Name, a.Components)
	}
	if want := a.NumTuples() * a.Components; len(a.Data) != want {
		return fmt.Errorf("array %q: buffer holds %d values, tuple dims %v x %d components need %d",
			a.Name, len(a.Data), a.TupleDims, a.Components, want)
	}
	return nil
}

// AttributeMatrix groups arrays sharing one tuple shape.
type AttributeMatrix struct {
	Name      string
	TupleDims []int
	Arrays    map[string]*DataArray
}

// NewAttributeMatrix returns an empty matrix with the given tuple shape.
func NewAttributeMatrix(name string, tupleDims []int) *AttributeMatrix {
	return &AttributeMatrix{Name: name, TupleDims: append([]int(nil), tupleDims...), Arrays: make(map[string]*DataArray)}
}

// Add stores arr in the matrix, replacing any array with the same name.
func (m *AttributeMatrix) Add(arr *DataArray) {
	m.Arrays[arr.Name] = arr
}

// ImageGeom is the geometry attached to an image data container.
type ImageGeom struct {
	Dimensions [3]int
	Spacing    [3]float64
	Origin     [3]float64
	Transform  *TransformContainer
}

// NewImageGeom returns a geometry of the given pixel extent with unit spacing
// and zero origin.
func NewImageGeom(width, height int) *ImageGeom {
	return &ImageGeom{
		Dimensions: [3]int{width, height, 1},
		Spacing:    [3]float64{1, 1, 1},
	}
}

// TransformContainer is the dataset's native, serialisable transform.
type TransformContainer struct {
	TypeName        string    `json:"type" yaml:"type"`
	Parameters      []float64 `json:"parameters" yaml:"parameters"`
	FixedParameters []float64 `json:"fixed_parameters" yaml:"fixed_parameters"`
	ReferenceName   string    `json:"reference" yaml:"reference"`
	MovingName      string    `json:"moving" yaml:"moving"`
}

// Clone returns a deep copy of t.
func (t *TransformContainer) Clone() *TransformContainer {
	if t == nil {
		return nil
	}
	c := *t
	c.Parameters = append([]float64(nil), t.Parameters...)
	c.FixedParameters = append([]float64(nil), t.FixedParameters...)
	return &c
}

// DataContainer holds one geometry and its attribute matrices.
type DataContainer struct {
	Name     string
	Geometry *ImageGeom
	Matrices map[string]*AttributeMatrix
}

// NewDataContainer returns a container with the given geometry.
func NewDataContainer(name string, geom *ImageGeom) *DataContainer {
	return &DataContainer{Name: name, Geometry: geom, Matrices: make(map[string]*AttributeMatrix)}
}

// AddMatrix stores m in the container, replacing any matrix with the same name.
func (dc *DataContainer) AddMatrix(m *AttributeMatrix) {
	dc.Matrices[m.Name] = m
}

// ArrayPath addresses an array inside a data container.
type ArrayPath struct {
	Matrix string
	Array  string
}

func (p ArrayPath) String() string {
	return p.Matrix + "/" + p.Array
}
