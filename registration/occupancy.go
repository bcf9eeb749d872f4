package registration

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// maxGridCells bounds the occupancy grid allocation
const maxGridCells = 16_000_000

// ErrGridTooLarge is returned when the cell size is too small for the map extent
var ErrGridTooLarge = errors.New("occupancy grid too large")

// OccupancyGrid marks the ground plane cells hit by at least one map point.
// The grid carries one empty cell of padding on every side.
type OccupancyGrid struct {
	Cells    []int // hit count per cell, row-major
	Width    int
	Height   int
	Origin   orb.Point // ground coordinate of the corner of cell (0,0)
	CellSize float64
}

// visitKey identifies a cell entered while facing a direction
type visitKey struct {
	idx int
	dir int
}

// NewOccupancyGrid projects c to the ground plane and bins it into square
// cells of cellSize.
func NewOccupancyGrid(c PointCloud, up Axis, cellSize float64) (*OccupancyGrid, error) {
	if cellSize <= 0 {
		return nil, fmt.Errorf("cell size must be > 0, got %g", cellSize)
	}
	if c.Len() == 0 {
		return nil, ErrEmptyCloud
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	ground := make([]orb.Point, len(c.Positions))
	for i, p := range c.Positions {
		g := GroundPoint(p, up)
		ground[i] = g
		minX, minY = math.Min(minX, g[0]), math.Min(minY, g[1])
		maxX, maxY = math.Max(maxX, g[0]), math.Max(maxY, g[1])
	}

	// Create grid with 1 cell padding
	const pad = 1
	width := int(math.Floor((maxX-minX)/cellSize)) + 1 + 2*pad
	height := int(math.Floor((maxY-minY)/cellSize)) + 1 + 2*pad
	if width*height > maxGridCells {
		return nil, fmt.Errorf("%w: %dx%d cells at %g", ErrGridTooLarge, width, height, cellSize)
	}

	g := &OccupancyGrid{
		Cells:    make([]int, width*height),
		Width:    width,
		Height:   height,
		Origin:   orb.Point{minX - pad*cellSize, minY - pad*cellSize},
		CellSize: cellSize,
	}
	for _, p := range ground {
		x := int(math.Floor((p[0]-minX)/cellSize)) + pad
		y := int(math.Floor((p[1]-minY)/cellSize)) + pad
		g.Cells[y*width+x]++
	}
	return g, nil
}

// Occupied reports whether cell (x, y) holds a point; out of range is free
func (g *OccupancyGrid) Occupied(x, y int) bool {
	if x < 0 || x >= g.Width || y < 0 || y >= g.Height {
		return false
	}
	return g.Cells[y*g.Width+x] > 0
}

// OccupiedCount returns the number of occupied cells
func (g *OccupancyGrid) OccupiedCount() int {
	n := 0
	for _, v := range g.Cells {
		if v > 0 {
			n++
		}
	}
	return n
}

// MaxCount returns the highest hit count of any cell
func (g *OccupancyGrid) MaxCount() int {
	m := 0
	for _, v := range g.Cells {
		m = max(m, v)
	}
	return m
}

// CellCenter returns the ground coordinate of the center of cell (x, y)
func (g *OccupancyGrid) CellCenter(x, y int) orb.Point {
	return orb.Point{
		g.Origin[0] + (float64(x)+0.5)*g.CellSize,
		g.Origin[1] + (float64(y)+0.5)*g.CellSize,
	}
}

// Contours traces the boundary of every occupied region and returns it in
// ground coordinates, simplified with Douglas-Peucker at tolerance.
func (g *OccupancyGrid) Contours(tolerance float64) []orb.LineString {
	var result []orb.LineString
	for _, contour := range g.traceContours() {
		ls := make(orb.LineString, len(contour))
		for i, c := range contour {
			ls[i] = g.CellCenter(c[0], c[1])
		}
		simplified := SimplifyPath(ls, tolerance)
		if len(simplified) >= 2 {
			result = append(result, simplified)
		}
	}
	return result
}

// traceContours implements Moore-Neighbor tracing over the occupied cells
func (g *OccupancyGrid) traceContours() [][][2]int {
	var paths [][][2]int
	seen := make(map[visitKey]bool)
	idx := func(x, y int) int { return y*g.Width + x }

	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			if !g.Occupied(x, y) {
				continue
			}

			hasNeighbor := g.Occupied(x-1, y) || g.Occupied(x+1, y) || g.Occupied(x, y-1) || g.Occupied(x, y+1)
			if !hasNeighbor {
				// Isolated cell: a degenerate contour at its position
				if !seen[visitKey{idx(x, y), 0}] {
					for dir := 0; dir < 4; dir++ {
						seen[visitKey{idx(x, y), dir}] = true
					}
					paths = append(paths, [][2]int{{x, y}, {x, y}})
				}
				continue
			}

			// Direction encoding: 0=N, 1=E, 2=S, 3=W
			neighbors := []struct {
				dx, dy int
				dir    int // direction faced when starting
			}{
				{-1, 0, 3},
				{1, 0, 1},
				{0, -1, 0},
				{0, 1, 2},
			}
			for _, n := range neighbors {
				if g.Occupied(x+n.dx, y+n.dy) {
					continue
				}
				if !seen[visitKey{idx(x, y), n.dir}] {
					path := g.traceBoundary(x, y, n.dir, seen)
					if len(path) > 2 {
						paths = append(paths, path)
					}
				}
			}
		}
	}
	return paths
}

// traceBoundary follows the edge with the right-hand rule, starting at
// (startX, startY) facing startFacing (0=N, 1=E, 2=S, 3=W)
func (g *OccupancyGrid) traceBoundary(startX, startY, startFacing int, seen map[visitKey]bool) [][2]int {
	var path [][2]int
	curX, curY := startX, startY
	facing := startFacing

	dirs := [4][2]int{
		{0, -1}, // North
		{1, 0},  // East
		{0, 1},  // South
		{-1, 0}, // West
	}

	for {
		key := visitKey{curY*g.Width + curX, facing}
		if seen[key] {
			if curX == startX && curY == startY && len(path) > 0 {
				path = append(path, [2]int{curX, curY})
			}
			break
		}
		seen[key] = true
		path = append(path, [2]int{curX, curY})

		// Turn right and scan clockwise until an occupied cell is found
		startScan := (facing + 3) % 4
		found := false
		for i := 0; i < 4; i++ {
			scanDir := (startScan + i) % 4
			nx, ny := curX+dirs[scanDir][0], curY+dirs[scanDir][1]
			if g.Occupied(nx, ny) {
				curX, curY = nx, ny
				facing = scanDir
				found = true
				break
			}
		}
		if !found || len(path) > 4*len(g.Cells) {
			break
		}
	}
	return path
}
