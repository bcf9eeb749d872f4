package registration

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// SolvePointToPlane computes the rigid transform minimizing the linearized
// point-to-plane error sum((R*p_i + t - q_i) . n_i)^2 under a small-angle
// approximation. Each correspondence contributes one row
//
//	A_i = [p_i x n_i, n_i],  b_i = n_i . q_i - n_i . p_i
//
// and x = [alpha beta gamma tx ty tz] = pinv(A) b. When A is rank deficient
// (fewer than six independent rows) the least-norm solution is returned.
// The rotation is rebuilt from [alpha beta gamma] with the exponential map
// so the result is always a proper rigid transform.
//
// All three slices must have equal length. Empty input returns identity.
func SolvePointToPlane(src, dst, normals []r3.Vector) Transform {
	x := solveLinearized(src, dst, normals)
	if x == nil {
		return Identity()
	}
	w := r3.Vector{X: x[0], Y: x[1], Z: x[2]}
	t := r3.Vector{X: x[3], Y: x[4], Z: x[5]}
	return FromRotationVector(w, t)
}

// solveLinearized returns the six parameters or nil when there is nothing to solve
func solveLinearized(src, dst, normals []r3.Vector) []float64 {
	n := len(src)
	if n == 0 || len(dst) != n || len(normals) != n {
		return nil
	}

	a := mat.NewDense(n, 6, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		p, q, nv := src[i], dst[i], normals[i]
		c := p.Cross(nv)
		a.SetRow(i, []float64{c.X, c.Y, c.Z, nv.X, nv.Y, nv.Z})
		b.SetVec(i, nv.Dot(q)-nv.Dot(p))
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil
	}
	// numpy-style cutoff for the pseudo-inverse
	rank := svd.Rank(float64(max(n, 6)) * eps)
	if rank == 0 {
		return []float64{0, 0, 0, 0, 0, 0}
	}

	var x mat.VecDense
	svd.SolveVecTo(&x, b, rank)
	return []float64{x.AtVec(0), x.AtVec(1), x.AtVec(2), x.AtVec(3), x.AtVec(4), x.AtVec(5)}
}

// eps is the float64 machine epsilon
var eps = math.Nextafter(1, 2) - 1

// rankOf returns the numerical rank of the linear system built from the rows.
func rankOf(src, normals []r3.Vector) int {
	n := len(src)
	if n == 0 {
		return 0
	}
	a := mat.NewDense(n, 6, nil)
	for i := 0; i < n; i++ {
		c := src[i].Cross(normals[i])
		a.SetRow(i, []float64{c.X, c.Y, c.Z, normals[i].X, normals[i].Y, normals[i].Z})
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return 0
	}
	return svd.Rank(float64(max(n, 6)) * eps)
}
