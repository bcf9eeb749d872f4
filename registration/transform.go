package registration

import (
	"math"

	"github.com/golang/geo/r3"
)

// Transform is a 4x4 homogeneous rigid transform. The top-left 3x3 block is
// the rotation, the top-right column is the translation and the bottom row is
// always [0 0 0 1].
type Transform [4][4]float64

// Identity returns the identity transform (no motion)
func Identity() Transform {
	return Transform{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// NewTransform builds a transform from a rotation matrix and a translation
func NewTransform(rot [3][3]float64, t r3.Vector) Transform {
	return Transform{
		{rot[0][0], rot[0][1], rot[0][2], t.X},
		{rot[1][0], rot[1][1], rot[1][2], t.Y},
		{rot[2][0], rot[2][1], rot[2][2], t.Z},
		{0, 0, 0, 1},
	}
}

// Translation creates a translation-only transform
func Translation(x, y, z float64) Transform {
	m := Identity()
	m[0][3], m[1][3], m[2][3] = x, y, z
	return m
}

// FromRotationVector creates a transform whose rotation is the exponential map
// of the rotation vector w (axis * angle in radians) followed by translation t.
func FromRotationVector(w, t r3.Vector) Transform {
	return NewTransform(RotationFromVector(w), t)
}

// RotationFromVector converts an axis-angle rotation vector into a rotation
// matrix using the Rodrigues formula.
func RotationFromVector(w r3.Vector) [3][3]float64 {
	theta := w.Norm()
	if theta < 1e-12 {
		// First-order expansion, exact at zero.
		return [3][3]float64{
			{1, -w.Z, w.Y},
			{w.Z, 1, -w.X},
			{-w.Y, w.X, 1},
		}
	}
	k := w.Mul(1 / theta)
	s, c := math.Sin(theta), math.Cos(theta)
	v := 1 - c
	return [3][3]float64{
		{c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s},
		{k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s},
		{k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v},
	}
}

// RotationDeg creates a rotation of the given degrees around a unit axis
func RotationDeg(axis r3.Vector, degrees float64) Transform {
	return FromRotationVector(axis.Normalize().Mul(degrees*math.Pi/180), r3.Vector{})
}

// Mul composes two transforms: result = m * o.
// Applying result is equivalent to applying o first, then m.
func (m Transform) Mul(o Transform) Transform {
	var r Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m[i][k] * o[k][j]
			}
			r[i][j] = sum
		}
	}
	return r
}

// Apply transforms a point (rotation then translation)
func (m Transform) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z + m[0][3],
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z + m[1][3],
		Z: m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z + m[2][3],
	}
}

// Rotate applies only the rotation block, used for direction vectors such as normals
func (m Transform) Rotate(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// TranslationVector returns the translation column
func (m Transform) TranslationVector() r3.Vector {
	return r3.Vector{X: m[0][3], Y: m[1][3], Z: m[2][3]}
}

// Rotation returns the 3x3 rotation block
func (m Transform) Rotation() [3][3]float64 {
	return [3][3]float64{
		{m[0][0], m[0][1], m[0][2]},
		{m[1][0], m[1][1], m[1][2]},
		{m[2][0], m[2][1], m[2][2]},
	}
}

// Inverse returns the inverse of a rigid transform: [R^T, -R^T t]
func (m Transform) Inverse() Transform {
	var r Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[j][i]
		}
	}
	t := m.TranslationVector()
	for i := 0; i < 3; i++ {
		r[i][3] = -(r[i][0]*t.X + r[i][1]*t.Y + r[i][2]*t.Z)
	}
	r[3][3] = 1
	return r
}

// RotationAngle returns the magnitude of the rotation in radians
func (m Transform) RotationAngle() float64 {
	trace := m[0][0] + m[1][1] + m[2][2]
	c := (trace - 1) / 2
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return math.Acos(c)
}

// Determinant returns the determinant of the rotation block
func (m Transform) Determinant() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// IsRigid reports whether the rotation block is orthonormal with determinant 1
// and the bottom row is [0 0 0 1], all within tol.
func (m Transform) IsRigid(tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += m[k][i] * m[k][j]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	if math.Abs(m.Determinant()-1) > tol {
		return false
	}
	return math.Abs(m[3][0]) <= tol && math.Abs(m[3][1]) <= tol &&
		math.Abs(m[3][2]) <= tol && math.Abs(m[3][3]-1) <= tol
}

// ApproxEqual compares two transforms element-wise
func (m Transform) ApproxEqual(o Transform, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(m[i][j]-o[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// RelativeError returns the translation distance and rotation angle (radians)
// of m^-1 * o, i.e. how far o is from m.
func (m Transform) RelativeError(o Transform) (float64, float64) {
	d := m.Inverse().Mul(o)
	return d.TranslationVector().Norm(), d.RotationAngle()
}
