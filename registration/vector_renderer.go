package registration

import (
	"errors"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// ErrNothingToRender is returned when neither a map nor a trajectory is set
var ErrNothingToRender = errors.New("nothing to render")

// snapCoord rounds a coordinate to the nearest multiple of the given increment.
// An increment of 0 disables snapping and returns the coordinate unchanged.
func snapCoord(coord, increment float64) float64 {
	if increment <= 0 {
		return coord
	}
	return math.Round(coord/increment) * increment
}

// nrgbaToRGBA converts color.NRGBA to the premultiplied color.RGBA canvas expects
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// VectorRenderer renders the map outline and the trajectory as vector graphics.
// All lengths are in map units.
type VectorRenderer struct {
	Map           PointCloud
	Trajectory    *Trajectory
	Up            Axis
	CellSize      float64           // occupancy cell size used to outline the map
	Tolerance     float64           // Douglas-Peucker tolerance for outlines and path
	Padding       float64           // padding around the content
	Resolution    canvas.Resolution // PNG output resolution (pixels per map unit)
	GridSpacing   float64           // grid line spacing; 0 disables the grid
	SnapIncrement float64           // snap outline coordinates to this increment; 0 disables
}

// NewVectorRenderer creates a vector renderer with defaults for millimeter maps
func NewVectorRenderer(m PointCloud, traj *Trajectory, up Axis) *VectorRenderer {
	return &VectorRenderer{
		Map:         m,
		Trajectory:  traj,
		Up:          up,
		CellSize:    50.0,  // 50mm cells
		Tolerance:   25.0,  // 25mm
		Padding:     500.0, // 500mm padding
		Resolution:  canvas.DPMM(DefaultRenderScale),
		GridSpacing: 1000.0, // 1m grid
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the map as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	bound, err := r.calculateBounds()
	if err != nil {
		return err
	}
	width, height := r.canvasSize(bound)

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, bound, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the map as a PNG to the provided writer. The
// resolution is lowered when the image would exceed the size limit.
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	bound, err := r.calculateBounds()
	if err != nil {
		return err
	}
	width, height := r.canvasSize(bound)

	res := r.Resolution
	if res <= 0 {
		res = canvas.DPMM(DefaultRenderScale)
	}
	if limit := float64(maxRenderSize) / math.Max(width, height); res.DPMM() > limit {
		res = canvas.DPMM(limit)
	}

	rast := rasterizer.New(width, height, res, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, bound, width, height)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) canvasSize(bound orb.Bound) (float64, float64) {
	return bound.Max[0] - bound.Min[0] + 2*r.Padding, bound.Max[1] - bound.Min[1] + 2*r.Padding
}

func (r *VectorRenderer) calculateBounds() (orb.Bound, error) {
	var pts orb.MultiPoint
	for _, p := range r.Map.Positions {
		pts = append(pts, GroundPoint(p, r.Up))
	}
	if r.Trajectory != nil {
		for _, p := range TrajectoryLineString(r.Trajectory, r.Up) {
			pts = append(pts, p)
		}
	}
	if len(pts) == 0 {
		return orb.Bound{}, ErrNothingToRender
	}
	return pts.Bound(), nil
}

// renderToCanvas renders the layers to a canvas renderer (shared logic for SVG and PNG)
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, bound orb.Bound, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(p orb.Point) (float64, float64) {
		return p[0] - bound.Min[0] + r.Padding, p[1] - bound.Min[1] + r.Padding
	}
	polyline := func(ls orb.LineString, snap bool) *canvas.Path {
		cp := &canvas.Path{}
		for i, p := range ls {
			if snap {
				p = orb.Point{snapCoord(p[0], r.SnapIncrement), snapCoord(p[1], r.SnapIncrement)}
			}
			cx, cy := toCanvas(p)
			if i == 0 {
				cp.MoveTo(cx, cy)
			} else {
				cp.LineTo(cx, cy)
			}
		}
		return cp
	}

	// 1. Footprint (filled)
	if footprint := MapFootprint(r.Map, r.Up); footprint != nil {
		floorStyle := canvas.DefaultStyle
		floorStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(color.NRGBA{R: 200, G: 200, B: 200, A: 128})}
		floorStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

		cp := polyline(orb.LineString(footprint[0]), false)
		cp.Close()
		renderer.RenderPath(cp, floorStyle, canvas.Identity)
	}

	// 2. Occupied outline (stroked)
	if r.CellSize > 0 && r.Map.Len() > 0 {
		if grid, err := NewOccupancyGrid(r.Map, r.Up, r.CellSize); err == nil {
			wallStyle := canvas.DefaultStyle
			wallStyle.Fill = canvas.Paint{Color: canvas.Transparent}
			wallStyle.Stroke = canvas.Paint{Color: color.RGBA{R: 80, G: 80, B: 80, A: 255}}
			wallStyle.StrokeWidth = r.CellSize

			for _, ls := range grid.Contours(r.Tolerance) {
				renderer.RenderPath(polyline(ls, true), wallStyle, canvas.Identity)
			}
		}
	}

	// 3. Grid lines
	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 2.0
		gridStyle.Dashes = []float64{10.0, 10.0}

		for x := math.Floor(bound.Min[0]/r.GridSpacing) * r.GridSpacing; x <= bound.Max[0]; x += r.GridSpacing {
			renderer.RenderPath(polyline(orb.LineString{{x, bound.Min[1]}, {x, bound.Max[1]}}, false), gridStyle, canvas.Identity)
		}
		for y := math.Floor(bound.Min[1]/r.GridSpacing) * r.GridSpacing; y <= bound.Max[1]; y += r.GridSpacing {
			renderer.RenderPath(polyline(orb.LineString{{bound.Min[0], y}, {bound.Max[0], y}}, false), gridStyle, canvas.Identity)
		}
	}

	// 4. Trajectory and poses
	if r.Trajectory == nil || r.Trajectory.Len() == 0 {
		return
	}
	path := TrajectoryLineString(r.Trajectory, r.Up)
	if len(path) >= 2 {
		pathStyle := canvas.DefaultStyle
		pathStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		pathStyle.Stroke = canvas.Paint{Color: pathColor}
		pathStyle.StrokeWidth = 20.0
		renderer.RenderPath(polyline(SimplifyPath(path, r.Tolerance), false), pathStyle, canvas.Identity)
	}

	poseStyle := canvas.DefaultStyle
	poseStyle.Fill = canvas.Paint{Color: pathColor}
	poseStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, p := range path {
		cx, cy := toCanvas(p)
		renderer.RenderPath(canvas.Circle(30.0).Translate(cx, cy), poseStyle, canvas.Identity)
	}

	startStyle := canvas.DefaultStyle
	startStyle.Fill = canvas.Paint{Color: startColor}
	startStyle.Stroke = canvas.Paint{Color: canvas.Black}
	startStyle.StrokeWidth = 5.0
	cx, cy := toCanvas(path[0])
	renderer.RenderPath(canvas.Circle(100.0).Translate(cx, cy), startStyle, canvas.Identity)
}
