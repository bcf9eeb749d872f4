package registration

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Rendering limits and defaults
const (
	DefaultRenderScale   = 0.1 // pixels per map unit (1px = 10mm)
	DefaultRenderPadding = 40
	maxRenderSize        = 4000
)

var (
	backgroundColor = color.RGBA{240, 240, 240, 255}
	pathColor       = color.RGBA{220, 40, 40, 255}
	startColor      = color.RGBA{40, 160, 60, 255}
	lowColor        = parseHexColor("#3B6FB6")
	highColor       = parseHexColor("#E0A030")
)

// BEVRenderer draws a top-down view of a map cloud and a camera trajectory
type BEVRenderer struct {
	Map        PointCloud
	Trajectory *Trajectory
	Up         Axis
	Scale      float64 // pixels per map unit
	Padding    int
	Label      string // drawn in the top-left corner; empty draws a frame summary
}

// NewBEVRenderer creates a renderer with default scale and padding
func NewBEVRenderer(m PointCloud, traj *Trajectory, up Axis) *BEVRenderer {
	return &BEVRenderer{
		Map:        m,
		Trajectory: traj,
		Up:         up,
		Scale:      DefaultRenderScale,
		Padding:    DefaultRenderPadding,
	}
}

// HasDrawableContent returns true if there is anything to draw
func (r *BEVRenderer) HasDrawableContent() bool {
	return r.Map.Len() > 0 || (r.Trajectory != nil && r.Trajectory.Len() > 0)
}

// CalculateBounds returns the ground plane bound of map and trajectory
func (r *BEVRenderer) CalculateBounds() orb.Bound {
	var pts []orb.Point
	for _, p := range r.Map.Positions {
		pts = append(pts, GroundPoint(p, r.Up))
	}
	if r.Trajectory != nil {
		pts = append(pts, TrajectoryLineString(r.Trajectory, r.Up)...)
	}
	if len(pts) == 0 {
		return orb.Bound{}
	}
	return orb.MultiPoint(pts).Bound()
}

// heightRange returns the extent of the map along the up axis
func (r *BEVRenderer) heightRange() (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range r.Map.Positions {
		h := r.Up.component(p)
		lo = math.Min(lo, h)
		hi = math.Max(hi, h)
	}
	return lo, hi
}

// Render creates the image
func (r *BEVRenderer) Render() *image.RGBA {
	bound := r.CalculateBounds()
	scale := r.Scale
	if scale <= 0 {
		scale = DefaultRenderScale
	}

	width := int((bound.Max[0]-bound.Min[0])*scale) + 2*r.Padding
	height := int((bound.Max[1]-bound.Min[1])*scale) + 2*r.Padding

	// Limit size
	if width > maxRenderSize {
		scale *= float64(maxRenderSize) / float64(width)
		width = maxRenderSize
		height = int((bound.Max[1]-bound.Min[1])*scale) + 2*r.Padding
	}
	if height > maxRenderSize {
		scale *= float64(maxRenderSize) / float64(height)
		height = maxRenderSize
		width = int((bound.Max[0]-bound.Min[0])*scale) + 2*r.Padding
	}
	minSize := 2*r.Padding + 1
	if width < minSize {
		width = minSize
	}
	if height < minSize {
		height = minSize
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, backgroundColor)
		}
	}

	toImage := func(p orb.Point) (int, int) {
		x := int((p[0]-bound.Min[0])*scale) + r.Padding
		y := int((p[1]-bound.Min[1])*scale) + r.Padding
		return x, y
	}

	// First pass: map points, blended so dense areas darken, colored by height
	lo, hi := r.heightRange()
	for _, p := range r.Map.Positions {
		ix, iy := toImage(GroundPoint(p, r.Up))
		if ix < 0 || ix >= width || iy < 0 || iy >= height {
			continue
		}
		t := 0.5
		if hi > lo {
			t = (r.Up.component(p) - lo) / (hi - lo)
		}
		c := lerpColor(lowColor, highColor, t)
		blended := blendColors(img.RGBAAt(ix, iy), color.NRGBA{c.R, c.G, c.B, 96})
		img.Set(ix, iy, blended)
	}

	// Second pass: trajectory
	if r.Trajectory != nil && r.Trajectory.Len() > 0 {
		path := TrajectoryLineString(r.Trajectory, r.Up)
		for i := 1; i < len(path); i++ {
			x0, y0 := toImage(path[i-1])
			x1, y1 := toImage(path[i])
			drawLine(img, x0, y0, x1, y1, pathColor)
		}
		for _, p := range path {
			ix, iy := toImage(p)
			drawCircle(img, ix, iy, 2, pathColor)
		}
		sx, sy := toImage(path[0])
		drawSquare(img, sx, sy, 8, startColor)
		cx, cy := toImage(path[len(path)-1])
		drawTriangle(img, cx, cy, 12, pathColor)
	}

	r.drawLegend(img)
	return img
}

// drawLegend writes the label in the top-left corner
func (r *BEVRenderer) drawLegend(img *image.RGBA) {
	label := r.Label
	if label == "" {
		frames, length := 0, 0.0
		if r.Trajectory != nil {
			frames, length = r.Trajectory.Len(), r.Trajectory.PathLength()
		}
		label = fmt.Sprintf("frames %d  path %.0f  points %d", frames, length, r.Map.Len())
	}
	drawText(img, 10, 15, label, color.RGBA{0, 0, 0, 255})
}

// EncodePNG renders and writes the image as PNG
func (r *BEVRenderer) EncodePNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// SavePNG renders the image to a file
func (r *BEVRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.EncodePNG(f)
}

// lerpColor interpolates between a and b, t clamped to [0,1]
func lerpColor(a, b color.RGBA, t float64) color.RGBA {
	t = math.Max(0, math.Min(1, t))
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return color.RGBA{mix(a.R, b.R), mix(a.G, b.G), mix(a.B, b.B), 255}
}

// blendColors performs alpha blending of two colors
func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	// RGBA is premultiplied, so un-premultiply the background first
	var bgNRGBA color.NRGBA
	switch bg.A {
	case 0:
		bgNRGBA = color.NRGBA{0, 0, 0, 0}
	case 255:
		bgNRGBA = color.NRGBA{bg.R, bg.G, bg.B, 255}
	default:
		alpha32 := uint32(bg.A)
		bgNRGBA = color.NRGBA{
			R: uint8((uint32(bg.R) * 255) / alpha32),
			G: uint8((uint32(bg.G) * 255) / alpha32),
			B: uint8((uint32(bg.B) * 255) / alpha32),
			A: bg.A,
		}
	}

	alpha := float64(fg.A) / 255.0
	invAlpha := 1.0 - alpha

	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(bgNRGBA.R)*invAlpha),
		G: uint8(float64(fg.G)*alpha + float64(bgNRGBA.G)*invAlpha),
		B: uint8(float64(fg.B)*alpha + float64(bgNRGBA.B)*invAlpha),
		A: 255,
	}
}

func inImage(img *image.RGBA, x, y int) bool {
	b := img.Bounds()
	return x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y
}

// drawLine draws a 1px line with Bresenham's algorithm
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		if inImage(img, x0, y0) {
			img.SetRGBA(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius && inImage(img, cx+dx, cy+dy) {
				img.SetRGBA(cx+dx, cy+dy, c)
			}
		}
	}
}

// drawSquare draws a filled square
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			if inImage(img, cx+dx, cy+dy) {
				img.SetRGBA(cx+dx, cy+dy, c)
			}
		}
	}
}

// drawTriangle draws a filled triangle pointing up
func drawTriangle(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		// Width of triangle at this row
		progress := float64(dy+half) / float64(size)
		width := int(progress * float64(half))
		for dx := -width; dx <= width; dx++ {
			if inImage(img, cx+dx, cy+dy) {
				img.SetRGBA(cx+dx, cy+dy, c)
			}
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses a hex color string like "#FF6B6B" to color.RGBA
func parseHexColor(hex string) color.RGBA {
	defaultColor := color.RGBA{255, 0, 0, 255}

	if len(hex) == 0 {
		return defaultColor
	}
	if hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return defaultColor
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}
	return color.RGBA{r, g, b, 255}
}
