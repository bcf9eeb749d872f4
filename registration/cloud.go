package registration

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

var (
	// ErrEmptyCloud is returned when a cloud has no points
	ErrEmptyCloud = errors.New("point cloud is empty")
	// ErrLengthMismatch is returned when positions and normals are not co-indexed
	ErrLengthMismatch = errors.New("positions and normals length mismatch")
)

// PointCloud is an ordered set of 3D positions with a parallel set of unit normals.
type PointCloud struct {
	Positions []r3.Vector `json:"positions"`
	Normals   []r3.Vector `json:"normals"`
}

// NewPointCloud builds a cloud and validates it
func NewPointCloud(positions, normals []r3.Vector) (PointCloud, error) {
	c := PointCloud{Positions: positions, Normals: normals}
	if err := c.Validate(); err != nil {
		return PointCloud{}, err
	}
	return c, nil
}

// Len returns the number of points
func (c PointCloud) Len() int {
	return len(c.Positions)
}

// Validate checks the cloud is usable as registration input
func (c PointCloud) Validate() error {
	if len(c.Positions) != len(c.Normals) {
		return fmt.Errorf("%w: %d positions, %d normals", ErrLengthMismatch, len(c.Positions), len(c.Normals))
	}
	if len(c.Positions) == 0 {
		return ErrEmptyCloud
	}
	return nil
}

// Clone returns a deep copy
func (c PointCloud) Clone() PointCloud {
	return PointCloud{
		Positions: append([]r3.Vector(nil), c.Positions...),
		Normals:   append([]r3.Vector(nil), c.Normals...),
	}
}

// Transformed returns a copy with every position transformed and every
// normal rotated by m.
func (c PointCloud) Transformed(m Transform) PointCloud {
	out := PointCloud{
		Positions: make([]r3.Vector, len(c.Positions)),
		Normals:   make([]r3.Vector, len(c.Normals)),
	}
	for i, p := range c.Positions {
		out.Positions[i] = m.Apply(p)
	}
	for i, n := range c.Normals {
		out.Normals[i] = m.Rotate(n)
	}
	return out
}

// Select returns the sub-cloud at the given indices, in order
func (c PointCloud) Select(indices []int) PointCloud {
	out := PointCloud{
		Positions: make([]r3.Vector, 0, len(indices)),
		Normals:   make([]r3.Vector, 0, len(indices)),
	}
	for _, i := range indices {
		out.Positions = append(out.Positions, c.Positions[i])
		out.Normals = append(out.Normals, c.Normals[i])
	}
	return out
}

// Append returns a new cloud holding c followed by o
func (c PointCloud) Append(o PointCloud) PointCloud {
	out := PointCloud{
		Positions: make([]r3.Vector, 0, len(c.Positions)+len(o.Positions)),
		Normals:   make([]r3.Vector, 0, len(c.Normals)+len(o.Normals)),
	}
	out.Positions = append(append(out.Positions, c.Positions...), o.Positions...)
	out.Normals = append(append(out.Normals, c.Normals...), o.Normals...)
	return out
}

// Bounds returns the axis-aligned bounding box.
// An empty cloud returns two zero vectors.
func (c PointCloud) Bounds() (r3.Vector, r3.Vector) {
	if len(c.Positions) == 0 {
		return r3.Vector{}, r3.Vector{}
	}
	lo := r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi := r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, p := range c.Positions {
		lo = r3.Vector{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = r3.Vector{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	return lo, hi
}

// Centroid calculates the center of mass of the positions
func (c PointCloud) Centroid() r3.Vector {
	if len(c.Positions) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range c.Positions {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(c.Positions)))
}

// cosine returns the cosine of the angle between a and b, or 0 when either
// vector has zero length.
func cosine(a, b r3.Vector) float64 {
	na, nb := a.Norm(), b.Norm()
	if na == 0 || nb == 0 {
		return 0
	}
	return a.Dot(b) / (na * nb)
}
