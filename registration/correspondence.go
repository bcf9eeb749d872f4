package registration

import (
	"math"
	"math/rand"
)

// Correspondence pairs a source point with its nearest target point. Sign is
// +1 or -1 and flips the target normal so it agrees with the source normal.
type Correspondence struct {
	Source int     `json:"source"`
	Target int     `json:"target"`
	Sign   float64 `json:"sign"`
}

// CorrespondenceFinder selects a small set of correspondences whose source
// normals point in diverse directions, so that a single solve constrains as
// many degrees of freedom as possible.
type CorrespondenceFinder struct {
	Count              int     // M, number of correspondences wanted
	MaxDistance        float64 // reject pairs farther apart than this
	NormalCosThreshold float64 // reject pairs whose |cos| between normals is below this
	DiversityCos       float64 // a candidate is divergent when cos to the seed is below this
	RNG                *rand.Rand
}

// DefaultDiversityCos is cos(30°)
var DefaultDiversityCos = math.Cos(30 * math.Pi / 180)

// Find returns at most f.Count correspondences between source and target.
// targetIndex must be built over target.Positions. A short or empty result
// is not an error.
//
// Each round draws an unused seed, gathers the source points whose normal
// diverges from the seed's, samples Count of them with replacement and
// removes the samples from the unused pool. Samples are matched to their
// nearest target point and kept when close enough and normal-compatible.
// Rounds continue while fewer than Count pairs are found and more than Count
// indices remain unused.
func (f *CorrespondenceFinder) Find(source, target PointCloud, targetIndex *NeighborIndex) []Correspondence {
	m := f.Count
	if m <= 0 || source.Len() == 0 || targetIndex == nil || targetIndex.Len() == 0 {
		return nil
	}

	pool := make([]int, source.Len())
	unused := make([]bool, source.Len())
	for i := range pool {
		pool[i] = i
		unused[i] = true
	}

	var result []Correspondence
	divergent := make([]int, 0, source.Len())
	for len(result) < m && len(pool) > m {
		seed := pool[f.RNG.Intn(len(pool))]
		seedNormal := source.Normals[seed]

		divergent = divergent[:0]
		for i, n := range source.Normals {
			if i != seed && cosine(seedNormal, n) < f.DiversityCos {
				divergent = append(divergent, i)
			}
		}

		removed := false
		if len(divergent) > 0 {
			for s := 0; s < m; s++ {
				i := divergent[f.RNG.Intn(len(divergent))]
				if unused[i] {
					unused[i] = false
					removed = true
				}

				nn := targetIndex.Nearest(source.Positions[i])
				if nn.Index < 0 || nn.Distance > f.MaxDistance {
					continue
				}
				c := cosine(source.Normals[i], target.Normals[nn.Index])
				if c == 0 || math.Abs(c) < f.NormalCosThreshold {
					continue
				}
				sign := 1.0
				if c < 0 {
					sign = -1
				}
				result = append(result, Correspondence{Source: i, Target: nn.Index, Sign: sign})
			}
		}
		if !removed {
			// Nothing new left the pool; retire the seed so the loop terminates.
			unused[seed] = false
		}
		pool = compactPool(pool, unused)
	}

	if len(result) > m {
		result = result[:m]
	}
	return result
}

func compactPool(pool []int, unused []bool) []int {
	out := pool[:0]
	for _, i := range pool {
		if unused[i] {
			out = append(out, i)
		}
	}
	return out
}
