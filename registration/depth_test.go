package registration

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntrinsicsFromFOV(t *testing.T) {
	in := IntrinsicsFromFOV(512, 512, math.Pi/2, math.Pi/2)
	assert.InDelta(t, 256.0, in.Fx, 1e-9)
	assert.InDelta(t, 256.0, in.Fy, 1e-9)
	assert.Equal(t, 255.5, in.Cx)
	assert.Equal(t, 255.5, in.Cy)
}

func TestDepthImageToCloud(t *testing.T) {
	in := Intrinsics{Width: 3, Height: 2, Fx: 2, Fy: 4, Cx: 1, Cy: 0.5}
	img := image.NewGray(image.Rect(0, 0, 3, 2))
	img.SetGray(0, 0, color.Gray{Y: 10})
	img.SetGray(2, 1, color.Gray{Y: 4})
	// remaining pixels are zero and must be skipped

	c := DepthImageToCloud(img, in, 100, 1)
	require.Equal(t, 2, c.Len())
	require.Len(t, c.Normals, 2)
	assert.True(t, vectorsEqual(c.Positions[0], r3.Vector{X: -500, Y: -125, Z: 1000}, 1e-9), "got %v", c.Positions[0])
	assert.True(t, vectorsEqual(c.Positions[1], r3.Vector{X: 200, Y: 50, Z: 400}, 1e-9), "got %v", c.Positions[1])
}

func TestDepthImageToCloudStrideAndGray16(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetGray16(x, y, color.Gray16{Y: 1000})
		}
	}
	in := IntrinsicsFromFOV(4, 4, math.Pi/2, math.Pi/2)

	assert.Equal(t, 16, DepthImageToCloud(img, in, 1, 1).Len())
	c := DepthImageToCloud(img, in, 1, 2)
	require.Equal(t, 4, c.Len())
	for _, p := range c.Positions {
		assert.Equal(t, 1000.0, p.Z)
	}
}

func TestReadDepthPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depth.png")
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	img.SetGray(4, 4, color.Gray{Y: 2})
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	c, err := ReadDepthPNG(path, Intrinsics{}, DefaultDepthScale, 1)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
	assert.Equal(t, 2000.0, c.Positions[0].Z)

	_, err = ReadDepthPNG(filepath.Join(t.TempDir(), "missing.png"), Intrinsics{}, 1, 1)
	assert.Error(t, err)
}
