// Package dataset turns a token cache into training examples: fixed
// length sequence windows, modulo-shardable datasets, and per-worker
// batch assembly against a multi-axis worker mesh.
package dataset

import (
	"fmt"
)

// Axis is one named dimension of a worker mesh, e.g. {"data", 4} or
// {"model", 2}.
type Axis struct {
	Name string
	Size int
}

// Mesh is a logical grouping of workers into a dense multi-axis grid.
// Worker ranks map to coordinates in row-major order (first axis
// varies slowest).
type Mesh struct {
	axes []Axis
}

// NewMesh builds a mesh from its axes.
func NewMesh(axes ...Axis) (*Mesh, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("mesh needs at least one axis")
	}
	seen := make(map[string]bool, len(axes))
	for _, a := range axes {
		if a.Name == "" {
			return nil, fmt.Errorf("mesh axis name cannot be empty")
		}
		if a.Size < 1 {
			return nil, fmt.Errorf("mesh axis %s must have size >= 1, got %d", a.Name, a.Size)
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate mesh axis %s", a.Name)
		}
		seen[a.Name] = true
	}
	return &Mesh{axes: append([]Axis(nil), axes...)}, nil
}

// NumWorkers returns the product of all axis sizes.
func (m *Mesh) NumWorkers() int {
	n := 1
	for _, a := range m.axes {
		n *= a.Size
	}
	return n
}

// Axes returns the mesh axes in declaration order.
func (m *Mesh) Axes() []Axis { return append([]Axis(nil), m.axes...) }

// AxisIndex returns the position of a named axis.
func (m *Mesh) AxisIndex(name string) (int, error) {
	for i, a := range m.axes {
		if a.Name == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("mesh has no axis %s", name)
}

// AxisSize returns the size of a named axis.
func (m *Mesh) AxisSize(name string) (int, error) {
	i, err := m.AxisIndex(name)
	if err != nil {
		return 0, err
	}
	return m.axes[i].Size, nil
}

// Coord returns the per-axis coordinate of a worker rank.
func (m *Mesh) Coord(rank int) ([]int, error) {
	if rank < 0 || rank >= m.NumWorkers() {
		return nil, fmt.Errorf("rank %d out of range [0, %d)", rank, m.NumWorkers())
	}
	coord := make([]int, len(m.axes))
	for i := len(m.axes) - 1; i >= 0; i-- {
		coord[i] = rank % m.axes[i].Size
		rank /= m.axes[i].Size
	}
	return coord, nil
}
