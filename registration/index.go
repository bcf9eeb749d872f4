package registration

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is a reference point returned by a nearest-neighbor query
type Neighbor struct {
	Index    int
	Distance float64 // Euclidean
}

// NeighborIndex answers k-nearest-neighbor queries against a fixed set of
// reference positions. It is read-only after construction and safe for
// concurrent readers.
type NeighborIndex struct {
	tree *kdtree.Tree
	size int
}

// NewNeighborIndex builds a k-d tree over positions. The slice is copied.
func NewNeighborIndex(positions []r3.Vector) *NeighborIndex {
	ix := &NeighborIndex{size: len(positions)}
	if len(positions) == 0 {
		return ix
	}
	pts := make(indexedPoints, len(positions))
	for i, p := range positions {
		pts[i] = indexedPoint{pos: p, index: i}
	}
	ix.tree = kdtree.New(pts, false)
	return ix
}

// Len returns the number of reference points
func (ix *NeighborIndex) Len() int {
	return ix.size
}

// Nearest returns the closest reference point to p. An empty index returns
// Index -1 with infinite distance.
func (ix *NeighborIndex) Nearest(p r3.Vector) Neighbor {
	if ix.tree == nil {
		return Neighbor{Index: -1, Distance: math.Inf(1)}
	}
	c, d := ix.tree.Nearest(indexedPoint{pos: p, index: -1})
	return Neighbor{Index: c.(indexedPoint).index, Distance: math.Sqrt(d)}
}

// KNearest returns up to k reference points sorted by increasing distance.
// If k exceeds the reference size all reference points are returned.
func (ix *NeighborIndex) KNearest(p r3.Vector, k int) []Neighbor {
	if ix.tree == nil || k <= 0 {
		return nil
	}
	if k > ix.size {
		k = ix.size
	}
	if k == 1 {
		return []Neighbor{ix.Nearest(p)}
	}
	keep := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keep, indexedPoint{pos: p, index: -1})

	out := make([]Neighbor, 0, k)
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue // sentinel
		}
		out = append(out, Neighbor{Index: cd.Comparable.(indexedPoint).index, Distance: math.Sqrt(cd.Dist)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// Query returns, for every query point, a distance and the index of the
// closest reference point. For k == 1 the distance is the nearest distance;
// for k > 1 it is the mean of the k nearest distances.
func (ix *NeighborIndex) Query(points []r3.Vector, k int) ([]float64, []int) {
	dists := make([]float64, len(points))
	indices := make([]int, len(points))
	for i, p := range points {
		nn := ix.KNearest(p, k)
		if len(nn) == 0 {
			dists[i] = math.Inf(1)
			indices[i] = -1
			continue
		}
		var sum float64
		for _, n := range nn {
			sum += n.Distance
		}
		dists[i] = sum / float64(len(nn))
		indices[i] = nn[0].Index
	}
	return dists, indices
}

// MeanDistance returns the mean over points of their mean k-nearest distance.
// This is the registration cost. Empty input returns +Inf.
func (ix *NeighborIndex) MeanDistance(points []r3.Vector, k int) float64 {
	if len(points) == 0 {
		return math.Inf(1)
	}
	dists, _ := ix.Query(points, k)
	var sum float64
	for _, d := range dists {
		sum += d
	}
	return sum / float64(len(dists))
}

// WithinRadius returns up to maxNN neighbors of p no farther than radius,
// sorted by distance.
func (ix *NeighborIndex) WithinRadius(p r3.Vector, radius float64, maxNN int) []Neighbor {
	nn := ix.KNearest(p, maxNN)
	for i, n := range nn {
		if n.Distance > radius {
			return nn[:i]
		}
	}
	return nn
}

// indexedPoint is a kdtree.Comparable that remembers its position in the
// reference slice.
type indexedPoint struct {
	pos   r3.Vector
	index int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	return coord(p.pos, d) - coord(q.pos, d)
}

func (p indexedPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance, as kdtree expects
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	d := p.pos.Sub(q.pos)
	return d.Dot(d)
}

func coord(v r3.Vector, d kdtree.Dim) float64 {
	switch d {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p indexedPoints) Len() int                              { return len(p) }
func (p indexedPoints) Pivot(d kdtree.Dim) int                { return pointPlane{points: p, dim: d}.Pivot() }
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// pointPlane sorts indexedPoints along one dimension
type pointPlane struct {
	points indexedPoints
	dim    kdtree.Dim
}

func (p pointPlane) Len() int { return len(p.points) }
func (p pointPlane) Less(i, j int) bool {
	return coord(p.points[i].pos, p.dim) < coord(p.points[j].pos, p.dim)
}

// Pivot uses median of medians so tree construction is deterministic
func (p pointPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p pointPlane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }
