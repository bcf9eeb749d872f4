package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/kwv/pcreg/registration"
)

// testRoom samples a box room (meters, Y up) with an off-center table so
// registration has no symmetric solution
func testRoom(spacing float64) registration.PointCloud {
	var c registration.PointCloud
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

	for _, y := range steps(-1.2, 1.3) {
		for _, z := range steps(-1.8, 1.8) {
			add(r3.Vector{X: -2, Y: y, Z: z}, r3.Vector{X: 1})
			add(r3.Vector{X: 2, Y: y, Z: z}, r3.Vector{X: -1})
		}
		for _, x := range steps(-2+spacing, 2-spacing) {
			add(r3.Vector{X: x, Y: y, Z: -1.8}, r3.Vector{Z: 1})
			add(r3.Vector{X: x, Y: y, Z: 1.8}, r3.Vector{Z: -1})
		}
	}
	for _, x := range steps(-2+spacing, 2-spacing) {
		for _, z := range steps(-1.8+spacing, 1.8-spacing) {
			add(r3.Vector{X: x, Y: -1.2, Z: z}, r3.Vector{Y: 1})
			add(r3.Vector{X: x, Y: 1.3, Z: z}, r3.Vector{Y: -1})
		}
	}
	for _, x := range steps(-0.2, 0.8) {
		for _, z := range steps(-0.6, 0.2) {
			add(r3.Vector{X: x, Y: -0.4, Z: z}, r3.Vector{Y: 1})
		}
	}
	for _, y := range steps(-1.2+spacing, -0.4-spacing) {
		for _, z := range steps(-0.6, 0.2) {
			add(r3.Vector{X: -0.2, Y: y, Z: z}, r3.Vector{X: -1})
			add(r3.Vector{X: 0.8, Y: y, Z: z}, r3.Vector{X: 1})
		}
	}
	return c
}

// testConfigYAML configures registration for testRoom and keeps the
// normals stored in the frames
const testConfigYAML = `registration:
  voxelSize: 0.1
  maxCorrespondenceDistance: 0.5
  costChangeThreshold: 0.000001
  maxIterations: 80
  seed: 7
preprocess:
  keepNormals: true
`

// writeTestConfig writes testConfigYAML with the given extra YAML appended
func writeTestConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML+extra), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

// writeFrames writes the room seen from a camera moving +0.1m along X per
// frame as frame-<n>.pcd files
func writeFrames(t *testing.T, dir string, n int) {
	t.Helper()
	room := testRoom(0.1)
	for i := 0; i < n; i++ {
		frame := room.Transformed(registration.Translation(-0.1*float64(i), 0, 0))
		path := filepath.Join(dir, "frame-"+strconv.Itoa(i)+".pcd")
		if err := registration.WritePCDFile(path, frame); err != nil {
			t.Fatalf("writing frame %d: %v", i, err)
		}
	}
}
