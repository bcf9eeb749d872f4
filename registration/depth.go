package registration

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/golang/geo/r3"
)

// DefaultDepthScale converts raw depth pixel values to millimeters
const DefaultDepthScale = 1000.0

// Intrinsics is a pinhole camera model
type Intrinsics struct {
	Width, Height int
	Fx, Fy        float64
	Cx, Cy        float64
}

// IntrinsicsFromFOV builds intrinsics for an image of the given size and
// horizontal/vertical field of view in radians. The principal point is the
// image center.
func IntrinsicsFromFOV(width, height int, fovX, fovY float64) Intrinsics {
	return Intrinsics{
		Width:  width,
		Height: height,
		Fx:     float64(width) / (2 * math.Tan(fovX/2)),
		Fy:     float64(height) / (2 * math.Tan(fovY/2)),
		Cx:     float64(width-1) / 2,
		Cy:     float64(height-1) / 2,
	}
}

// Unproject returns the camera-frame point seen at pixel (u, v) at depth d
func (in Intrinsics) Unproject(u, v int, d float64) r3.Vector {
	return r3.Vector{
		X: (float64(u) - in.Cx) * d / in.Fx,
		Y: (float64(v) - in.Cy) * d / in.Fy,
		Z: d,
	}
}

// DepthImageToCloud back-projects every stride-th pixel of a single channel
// depth image. Depth is the raw pixel value (8 or 16 bit) times scale.
// Pixels with zero depth carry no measurement and are skipped. Normals are
// left zero; run Preprocess to estimate them.
func DepthImageToCloud(img image.Image, in Intrinsics, scale float64, stride int) PointCloud {
	if stride < 1 {
		stride = 1
	}
	b := img.Bounds()
	var out PointCloud
	for v := b.Min.Y; v < b.Max.Y; v += stride {
		for u := b.Min.X; u < b.Max.X; u += stride {
			raw := depthValue(img, u, v)
			if raw == 0 {
				continue
			}
			out.Positions = append(out.Positions, in.Unproject(u-b.Min.X, v-b.Min.Y, raw*scale))
		}
	}
	out.Normals = make([]r3.Vector, len(out.Positions))
	return out
}

func depthValue(img image.Image, x, y int) float64 {
	switch m := img.(type) {
	case *image.Gray:
		return float64(m.GrayAt(x, y).Y)
	case *image.Gray16:
		return float64(m.Gray16At(x, y).Y)
	default:
		g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
		return float64(g.Y)
	}
}

// ReadDepthPNG reads a depth image file and back-projects it
func ReadDepthPNG(path string, in Intrinsics, scale float64, stride int) (PointCloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return PointCloud{}, fmt.Errorf("opening depth image: %w", err)
	}
	defer f.Close()
	return DecodeDepthPNG(f, in, scale, stride)
}

// DecodeDepthPNG decodes a PNG depth image and back-projects it. Zero
// intrinsics default to a 90 degree field of view over the image size.
func DecodeDepthPNG(r io.Reader, in Intrinsics, scale float64, stride int) (PointCloud, error) {
	img, err := png.Decode(r)
	if err != nil {
		return PointCloud{}, fmt.Errorf("decoding depth image: %w", err)
	}
	if in.Width == 0 {
		in = IntrinsicsFromFOV(img.Bounds().Dx(), img.Bounds().Dy(), math.Pi/2, math.Pi/2)
	}
	return DepthImageToCloud(img, in, scale, stride), nil
}
