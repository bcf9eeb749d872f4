package registration

import (
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc/filter/voxelgrid"
	gmat "gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	// DefaultMaxNormalNeighbors caps the neighborhood used for normal estimation
	DefaultMaxNormalNeighbors = 20

	// DefaultOutlierNeighbors is the neighborhood size for outlier statistics
	DefaultOutlierNeighbors = 20

	// DefaultOutlierStdRatio: points farther than mean + ratio * stddev are outliers
	DefaultOutlierStdRatio = 0.8
)

// PreprocessOptions controls down-sampling, outlier removal and normal estimation
type PreprocessOptions struct {
	VoxelSize        float64   // leaf size of the voxel grid; 0 skips down-sampling
	OutlierNeighbors int       // 0 skips outlier removal
	OutlierStdRatio  float64   // allowed standard deviations above the mean
	NormalRadius     float64   // neighborhood radius for normals
	MaxNeighbors     int       // neighborhood cap for normals
	Viewpoint        r3.Vector // normals are flipped to face this point
}

// PreprocessOptionsFor derives preprocessing parameters from registration
// options: the voxel size is shared and the normal radius is
// VoxelSize * PlaneRangeRatio.
func PreprocessOptionsFor(opts RegistrationOptions) PreprocessOptions {
	return PreprocessOptions{
		VoxelSize:        opts.VoxelSize,
		OutlierNeighbors: DefaultOutlierNeighbors,
		OutlierStdRatio:  DefaultOutlierStdRatio,
		NormalRadius:     opts.VoxelSize * opts.PlaneRangeRatio,
		MaxNeighbors:     DefaultMaxNormalNeighbors,
	}
}

// Preprocess down-samples the cloud, drops statistical outliers and
// estimates fresh normals. With a zero NormalRadius and no down-sampling the
// input normals are kept as they are.
func Preprocess(c PointCloud, opts PreprocessOptions) (PointCloud, error) {
	if opts.NormalRadius <= 0 {
		if opts.VoxelSize > 0 {
			return PointCloud{}, fmt.Errorf("normal radius must be > 0 when down-sampling")
		}
		if err := c.Validate(); err != nil {
			return PointCloud{}, err
		}
		return RemoveStatisticalOutliers(c, opts.OutlierNeighbors, opts.OutlierStdRatio), nil
	}
	down := c
	if opts.VoxelSize > 0 {
		var err error
		if down, err = Downsample(c, opts.VoxelSize); err != nil {
			return PointCloud{}, err
		}
	}
	down = RemoveStatisticalOutliers(down, opts.OutlierNeighbors, opts.OutlierStdRatio)
	return EstimateNormals(down, opts.NormalRadius, opts.MaxNeighbors, opts.Viewpoint), nil
}

// RemoveStatisticalOutliers drops points whose mean distance to their k
// nearest neighbors (the point itself included) exceeds the cloud-wide mean
// of that distance by more than stdRatio standard deviations. The result is
// a copy; k <= 0 or a cloud of at most k points returns it unchanged.
func RemoveStatisticalOutliers(c PointCloud, k int, stdRatio float64) PointCloud {
	if k <= 0 || c.Len() <= k {
		return c.Clone()
	}

	ix := NewNeighborIndex(c.Positions)
	avg := make([]float64, c.Len())
	for i, p := range c.Positions {
		nn := ix.KNearest(p, k)
		var sum float64
		for _, n := range nn {
			sum += n.Distance
		}
		avg[i] = sum / float64(len(nn))
	}

	mean, std := stat.MeanStdDev(avg, nil)
	limit := mean + stdRatio*std
	keep := make([]int, 0, len(avg))
	for i, d := range avg {
		if d <= limit {
			keep = append(keep, i)
		}
	}
	return c.Select(keep)
}

// Downsample replaces all points falling into the same voxel by their
// centroid. Normals are dropped; estimate them again afterwards.
func Downsample(c PointCloud, leaf float64) (PointCloud, error) {
	if c.Len() == 0 {
		return PointCloud{}, nil
	}
	if leaf <= 0 {
		return PointCloud{}, fmt.Errorf("voxel size must be > 0, got %v", leaf)
	}
	pp, err := toPCGol(c.Positions, nil)
	if err != nil {
		return PointCloud{}, err
	}
	l := float32(leaf)
	filtered, err := voxelgrid.New(mat.Vec3{l, l, l}).Filter(pp)
	if err != nil {
		return PointCloud{}, fmt.Errorf("voxel grid filter: %w", err)
	}
	return fromPCGol(filtered)
}

// EstimateNormals fits a plane to the neighborhood of every point (at most
// maxNN neighbors within radius) and uses the direction of least variance
// as the normal. Points with fewer than three neighbors get a zero normal,
// which the correspondence search never accepts.
func EstimateNormals(c PointCloud, radius float64, maxNN int, viewpoint r3.Vector) PointCloud {
	out := PointCloud{
		Positions: append([]r3.Vector(nil), c.Positions...),
		Normals:   make([]r3.Vector, c.Len()),
	}
	if c.Len() == 0 {
		return out
	}
	if maxNN <= 0 {
		maxNN = DefaultMaxNormalNeighbors
	}

	ix := NewNeighborIndex(c.Positions)
	var eig gmat.EigenSym
	var vecs gmat.Dense
	cov := gmat.NewSymDense(3, nil)
	for i, p := range c.Positions {
		nn := ix.WithinRadius(p, radius, maxNN)
		if len(nn) < 3 {
			continue
		}

		var mean r3.Vector
		for _, n := range nn {
			mean = mean.Add(c.Positions[n.Index])
		}
		mean = mean.Mul(1 / float64(len(nn)))

		var xx, xy, xz, yy, yz, zz float64
		for _, n := range nn {
			d := c.Positions[n.Index].Sub(mean)
			xx += d.X * d.X
			xy += d.X * d.Y
			xz += d.X * d.Z
			yy += d.Y * d.Y
			yz += d.Y * d.Z
			zz += d.Z * d.Z
		}
		cov.SetSym(0, 0, xx)
		cov.SetSym(0, 1, xy)
		cov.SetSym(0, 2, xz)
		cov.SetSym(1, 1, yy)
		cov.SetSym(1, 2, yz)
		cov.SetSym(2, 2, zz)

		if !eig.Factorize(cov, true) {
			continue
		}
		eig.VectorsTo(&vecs)
		// eigenvalues ascend, so column 0 is the plane normal
		n := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}.Normalize()
		if n.Dot(viewpoint.Sub(p)) < 0 {
			n = n.Mul(-1)
		}
		out.Normals[i] = n
	}
	return out
}
