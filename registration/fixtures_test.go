package registration

import (
	"math/rand"

	"github.com/golang/geo/r3"
)

// roomCloud samples a closed box room with a table in it. Units are meters,
// Y is up. The room spans x in [-2,2], y in [-1.2,1.3], z in [-1.8,1.8];
// normals point into the room.
func roomCloud(spacing float64) PointCloud {
	var c PointCloud
	add := func(p, n r3.Vector) {
		c.Positions = append(c.Positions, p)
		c.Normals = append(c.Normals, n)
	}
	steps := func(lo, hi float64) []float64 {
		var out []float64
		for v := lo; v <= hi+1e-9; v += spacing {
			out = append(out, v)
		}
		return out
	}

	const (
		x0, x1 = -2.0, 2.0
		y0, y1 = -1.2, 1.3
		z0, z1 = -1.8, 1.8
	)
	for _, y := range steps(y0, y1) {
		for _, z := range steps(z0, z1) {
			add(r3.Vector{X: x0, Y: y, Z: z}, r3.Vector{X: 1})
			add(r3.Vector{X: x1, Y: y, Z: z}, r3.Vector{X: -1})
		}
		for _, x := range steps(x0+spacing, x1-spacing) {
			add(r3.Vector{X: x, Y: y, Z: z0}, r3.Vector{Z: 1})
			add(r3.Vector{X: x, Y: y, Z: z1}, r3.Vector{Z: -1})
		}
	}
	for _, x := range steps(x0+spacing, x1-spacing) {
		for _, z := range steps(z0+spacing, z1-spacing) {
			add(r3.Vector{X: x, Y: y0, Z: z}, r3.Vector{Y: 1})
			add(r3.Vector{X: x, Y: y1, Z: z}, r3.Vector{Y: -1})
		}
	}

	// table: top at y=-0.4, off-center so the room has no symmetry
	for _, x := range steps(-0.2, 0.8) {
		for _, z := range steps(-0.6, 0.2) {
			add(r3.Vector{X: x, Y: -0.4, Z: z}, r3.Vector{Y: 1})
		}
	}
	for _, y := range steps(y0+spacing, -0.4-spacing) {
		for _, z := range steps(-0.6, 0.2) {
			add(r3.Vector{X: -0.2, Y: y, Z: z}, r3.Vector{X: -1})
			add(r3.Vector{X: 0.8, Y: y, Z: z}, r3.Vector{X: 1})
		}
		for _, x := range steps(-0.2+spacing, 0.8-spacing) {
			add(r3.Vector{X: x, Y: y, Z: -0.6}, r3.Vector{Z: -1})
			add(r3.Vector{X: x, Y: y, Z: 0.2}, r3.Vector{Z: 1})
		}
	}
	return c
}

// testOptions returns options scaled for roomCloud
func testOptions(seed int64) RegistrationOptions {
	opts := DefaultRegistrationOptions()
	opts.VoxelSize = 0.1
	opts.MaxCorrespondenceDistance = 0.5
	opts.CostChangeThreshold = 1e-6
	opts.MaxIterations = 80
	opts.RNG = rand.New(rand.NewSource(seed))
	return opts
}
