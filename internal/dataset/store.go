package dataset

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when a container, matrix or array does not exist.
var ErrNotFound = errors.New("dataset: not found")

// Handle identifies a data container inside a Store.
type Handle struct {
	name string
}

// Name returns the container name the handle refers to.
func (h Handle) Name() string { return h.name }

// Store is an in-memory collection of image data containers. It is safe
// for concurrent use; geometry mutations are serialised.
type Store struct {
	mu         sync.RWMutex
	containers map[string]*DataContainer
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{containers: make(map[string]*DataContainer)}
}

// Add inserts dc, replacing any container with the same name.
func (s *Store) Add(dc *DataContainer) error {
	if dc == nil || dc.Name == "" {
		return fmt.Errorf("dataset: container must have a name")
	}
	if dc.Geometry == nil {
		return fmt.Errorf("dataset: container %q has no image geometry", dc.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[dc.Name] = dc
	return nil
}

// Names returns the container names in lexical order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.containers))
	for name := range s.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of containers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.containers)
}

// Container returns the named container.
func (s *Store) Container(name string) (*DataContainer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dc, ok := s.containers[name]
	return dc, ok
}

// Tile resolves a tile identifier to a handle.
func (s *Store) Tile(name string) (Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.containers[name]; !ok {
		return Handle{}, fmt.Errorf("%w: container %q", ErrNotFound, name)
	}
	return Handle{name: name}, nil
}

// Geometry returns a copy of the tile's image geometry.
func (s *Store) Geometry(h Handle) (ImageGeom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dc, err := s.lookup(h)
	if err != nil {
		return ImageGeom{}, err
	}
	geom := *dc.Geometry
	geom.Transform = dc.Geometry.Transform.Clone()
	return geom, nil
}

// SetOrigin overwrites the tile's geometry origin.
func (s *Store) SetOrigin(h Handle, x, y, z float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dc, err := s.lookup(h)
	if err != nil {
		return err
	}
	dc.Geometry.Origin = [3]float64{x, y, z}
	return nil
}

// SetTransform replaces the tile's transform container.
func (s *Store) SetTransform(h Handle, t *TransformContainer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dc, err := s.lookup(h)
	if err != nil {
		return err
	}
	dc.Geometry.Transform = t.Clone()
	return nil
}

// Array returns the array at path. The returned array shares its buffer with
// the store; callers must not modify it.
func (s *Store) Array(h Handle, path ArrayPath) (*DataArray, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dc, err := s.lookup(h)
	if err != nil {
		return nil, err
	}
	am, ok := dc.Matrices[path.Matrix]
	if !ok {
		return nil, fmt.Errorf("%w: attribute matrix %q in %q", ErrNotFound, path.Matrix, dc.Name)
	}
	arr, ok := am.Arrays[path.Array]
	if !ok {
		return nil, fmt.Errorf("%w: data array %q in %q", ErrNotFound, path, dc.Name)
	}
	return arr, nil
}

func (s *Store) lookup(h Handle) (*DataContainer, error) {
	dc, ok := s.containers[h.name]
	if !ok {
		return nil, fmt.Errorf("%w: container %q", ErrNotFound, h.name)
	}
	return dc, nil
}
