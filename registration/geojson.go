package registration

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// GroundPoint projects p onto the plane orthogonal to up: Y up gives (X, Z),
// Z up gives (X, Y) and X up gives (Y, Z).
func GroundPoint(p r3.Vector, up Axis) orb.Point {
	switch up {
	case AxisX:
		return orb.Point{p.Y, p.Z}
	case AxisZ:
		return orb.Point{p.X, p.Y}
	default:
		return orb.Point{p.X, p.Z}
	}
}

// TrajectoryLineString returns the camera path projected to the ground plane
func TrajectoryLineString(traj *Trajectory, up Axis) orb.LineString {
	ls := make(orb.LineString, 0, traj.Len())
	for _, p := range traj.Poses {
		ls = append(ls, GroundPoint(p.Position, up))
	}
	return ls
}

// SimplifyPath applies Douglas-Peucker to the path. A tolerance <= 0
// returns a copy of the input.
func SimplifyPath(ls orb.LineString, tolerance float64) orb.LineString {
	if tolerance <= 0 || len(ls) < 3 {
		return ls.Clone()
	}
	simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone()).(orb.LineString)
	if !ok {
		return ls.Clone()
	}
	return simplified
}

// MapFootprint returns the convex hull of the map projected to the ground
// plane as a closed polygon, or nil when fewer than three distinct points exist.
func MapFootprint(c PointCloud, up Axis) orb.Polygon {
	pts := make([]orb.Point, len(c.Positions))
	for i, p := range c.Positions {
		pts[i] = GroundPoint(p, up)
	}
	hull := convexHull(pts)
	if len(hull) < 3 {
		return nil
	}
	ring := make(orb.Ring, 0, len(hull)+1)
	ring = append(ring, hull...)
	ring = append(ring, hull[0])
	return orb.Polygon{ring}
}

// TrajectoryToFeatureCollection exports the reconstruction as GeoJSON in
// ground plane coordinates (map units, usually millimeters):
//   - the camera path as a LineString (simplified with tolerance)
//   - one Point per pose carrying frame, cost, state and height
//   - the map footprint as a Polygon, when a map is given
func TrajectoryToFeatureCollection(traj *Trajectory, mapCloud PointCloud, up Axis, tolerance float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	path := TrajectoryLineString(traj, up)
	if len(path) >= 2 {
		simplified := SimplifyPath(path, tolerance)
		f := geojson.NewFeature(simplified)
		f.Properties["layerType"] = "trajectory"
		f.Properties["frames"] = traj.Len()
		f.Properties["length"] = planar.Length(path)
		f.Properties["simplifiedPoints"] = len(simplified)
		fc.Append(f)
	}

	for _, p := range traj.Poses {
		f := geojson.NewFeature(GroundPoint(p.Position, up))
		f.ID = p.Frame
		f.Properties["layerType"] = "pose"
		f.Properties["frame"] = p.Frame
		f.Properties["cost"] = p.Cost
		f.Properties["state"] = p.State.String()
		f.Properties["height"] = up.component(p.Position)
		fc.Append(f)
	}

	if footprint := MapFootprint(mapCloud, up); footprint != nil {
		f := geojson.NewFeature(footprint)
		f.Properties["layerType"] = "footprint"
		f.Properties["points"] = mapCloud.Len()
		f.Properties["area"] = math.Abs(planar.Area(footprint))
		fc.Append(f)
	}

	return fc
}

// convexHull computes the convex hull of a set of 2D points using the
// Andrew's monotone chain algorithm. Returns points in counter-clockwise order.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	// cross returns the cross product of vectors OA and OB where O is origin
	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)

	// Lower hull
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Upper hull
	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Remove last point (duplicate of first)
	return hull[:len(hull)-1]
}
