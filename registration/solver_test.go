package registration

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cubeSamples returns points on the six faces of a unit cube centered at c,
// two per face, with outward normals.
func cubeSamples(c r3.Vector) ([]r3.Vector, []r3.Vector) {
	var pts, normals []r3.Vector
	faces := []r3.Vector{{X: 1}, {X: -1}, {Y: 1}, {Y: -1}, {Z: 1}, {Z: -1}}
	for _, n := range faces {
		// two in-plane offsets per face
		u := r3.Vector{X: n.Y + n.Z, Y: n.Z + n.X, Z: n.X + n.Y}.Mul(0.3)
		v := n.Cross(u)
		center := c.Add(n.Mul(0.5))
		pts = append(pts, center.Add(u), center.Add(v).Sub(u))
		normals = append(normals, n, n)
	}
	return pts, normals
}

func TestSolvePointToPlaneTranslation(t *testing.T) {
	src, normals := cubeSamples(r3.Vector{X: 2, Y: -1, Z: 3})
	shift := r3.Vector{X: 0.1, Y: -0.2, Z: 0.05}
	dst := make([]r3.Vector, len(src))
	for i, p := range src {
		dst[i] = p.Add(shift)
	}

	got := SolvePointToPlane(src, dst, normals)
	assert.True(t, got.IsRigid(1e-9))
	assert.True(t, got.ApproxEqual(Translation(shift.X, shift.Y, shift.Z), 1e-9), "got %v", got)
}

func TestSolvePointToPlaneSmallRotation(t *testing.T) {
	src, normals := cubeSamples(r3.Vector{})
	truth := FromRotationVector(r3.Vector{X: 0.01, Y: -0.02, Z: 0.015}, r3.Vector{X: 0.03})
	dst := make([]r3.Vector, len(src))
	dstNormals := make([]r3.Vector, len(src))
	for i, p := range src {
		dst[i] = truth.Apply(p)
		dstNormals[i] = truth.Rotate(normals[i])
	}

	got := SolvePointToPlane(src, dst, dstNormals)
	require.True(t, got.IsRigid(1e-9))
	dist, angle := truth.RelativeError(got)
	assert.Less(t, dist, 5e-3)
	assert.Less(t, angle, 5e-3)
}

func TestSolvePointToPlaneEmpty(t *testing.T) {
	assert.Equal(t, Identity(), SolvePointToPlane(nil, nil, nil))
}

func TestSolvePointToPlaneRankDeficient(t *testing.T) {
	// Five rows cannot constrain six unknowns; the least-norm solution is
	// still returned and satisfies every row.
	all, allNormals := cubeSamples(r3.Vector{X: 1})
	var src, normals []r3.Vector
	for _, i := range []int{0, 2, 4, 6, 8} {
		src = append(src, all[i])
		normals = append(normals, allNormals[i])
	}
	dst := make([]r3.Vector, 5)
	for i, p := range src {
		dst[i] = p.Add(normals[i].Mul(0.01 * float64(i+1)))
	}

	assert.Equal(t, 5, rankOf(src, normals))

	x := solveLinearized(src, dst, normals)
	require.Len(t, x, 6)
	for i := range src {
		c := src[i].Cross(normals[i])
		row := c.X*x[0] + c.Y*x[1] + c.Z*x[2] + normals[i].X*x[3] + normals[i].Y*x[4] + normals[i].Z*x[5]
		want := normals[i].Dot(dst[i]) - normals[i].Dot(src[i])
		assert.InDelta(t, want, row, 1e-9, "row %d", i)
	}

	got := SolvePointToPlane(src, dst, normals)
	assert.True(t, got.IsRigid(1e-9))
}

func TestSolvePointToPlaneDegeneratePlane(t *testing.T) {
	// All normals identical: only three constraints are independent
	var src, dst, normals []r3.Vector
	for i := 0; i < 10; i++ {
		p := r3.Vector{X: float64(i % 3), Y: float64(i / 3), Z: 0}
		src = append(src, p)
		dst = append(dst, p.Add(r3.Vector{Z: 0.5}))
		normals = append(normals, r3.Vector{Z: 1})
	}
	assert.Equal(t, 3, rankOf(src, normals))

	got := SolvePointToPlane(src, dst, normals)
	require.True(t, got.IsRigid(1e-9))
	for i, p := range src {
		assert.InDelta(t, dst[i].Z, got.Apply(p).Z, 1e-6)
	}
}

func TestSolvePointToPlaneZeroSystem(t *testing.T) {
	// Points at the origin with zero normals give an all-zero matrix
	src := []r3.Vector{{}, {}}
	got := SolvePointToPlane(src, src, []r3.Vector{{}, {}})
	assert.Equal(t, Identity(), got)
	assert.False(t, math.IsNaN(got[0][0]))
}
