package registration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Defaults, in the units of the input clouds (millimeters for depth frames).
const (
	DefaultCorrespondenceCount       = 5
	DefaultMaxCorrespondenceDistance = 500.0
	DefaultVoxelSize                 = 50.0
	DefaultPlaneRangeRatio           = 2.0
	DefaultNumCheckPoints            = 8
	DefaultMaxIterations             = 30
	DefaultLowRatio                  = 0.05
	DefaultUpRatio                   = 0.95

	// divergenceFactor: a tentative cost above this multiple of the mean
	// accepted cost is treated as divergence.
	divergenceFactor = 3.0
	// stagnationWindow trailing identical failed costs trigger a reset
	stagnationWindow = 5
	// stagnationFactor: resets only happen while cost exceeds this multiple of the voxel size
	stagnationFactor = 3.0
	// costChangeFactor scales VoxelSize into the default plateau threshold
	costChangeFactor = 1.2
)

// NoOverlapCost is reported when no source point falls inside the target band
const NoOverlapCost = -1.0

// DefaultNormalCosThreshold is cos(20°)
var DefaultNormalCosThreshold = math.Cos(20 * math.Pi / 180)

var (
	// ErrInvalidOptions wraps every violated option constraint
	ErrInvalidOptions = errors.New("invalid registration options")
	// ErrCancelled is returned when the context ends before convergence.
	// The accompanying result still carries the best transform seen.
	ErrCancelled = errors.New("registration cancelled")
)

// RegistrationOptions configures a single Register call.
type RegistrationOptions struct {
	CorrespondenceCount       int     // M, correspondences per solve
	MaxCorrespondenceDistance float64 // DST_MAX
	NormalCosThreshold        float64 // minimum |cos| between paired normals
	VoxelSize                 float64
	PlaneRangeRatio           float64 // normal-estimation radius = VoxelSize * PlaneRangeRatio
	CostChangeThreshold       float64 // plateau threshold; 0 means 1.2 * VoxelSize
	MaxIterations             int
	NumCheckPoints            int // k used for the cost
	UpAxis                    Axis
	LowRatio                  float64
	UpRatio                   float64
	Timeout                   time.Duration // 0 disables
	RNG                       *rand.Rand    // nil seeds from the clock
	Logger                    *zap.SugaredLogger
}

// DefaultRegistrationOptions returns the defaults for millimeter depth frames
func DefaultRegistrationOptions() RegistrationOptions {
	return RegistrationOptions{
		CorrespondenceCount:       DefaultCorrespondenceCount,
		MaxCorrespondenceDistance: DefaultMaxCorrespondenceDistance,
		NormalCosThreshold:        DefaultNormalCosThreshold,
		VoxelSize:                 DefaultVoxelSize,
		PlaneRangeRatio:           DefaultPlaneRangeRatio,
		CostChangeThreshold:       costChangeFactor * DefaultVoxelSize,
		MaxIterations:             DefaultMaxIterations,
		NumCheckPoints:            DefaultNumCheckPoints,
		UpAxis:                    AxisY,
		LowRatio:                  DefaultLowRatio,
		UpRatio:                   DefaultUpRatio,
		RNG:                       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Validate reports every violated constraint at once
func (o RegistrationOptions) Validate() error {
	var err error
	if o.CorrespondenceCount < 1 {
		err = multierr.Append(err, fmt.Errorf("correspondence count must be >= 1, got %d", o.CorrespondenceCount))
	}
	if o.MaxCorrespondenceDistance <= 0 {
		err = multierr.Append(err, fmt.Errorf("max correspondence distance must be > 0, got %v", o.MaxCorrespondenceDistance))
	}
	if o.NormalCosThreshold < 0 || o.NormalCosThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("normal cos threshold must be in [0,1], got %v", o.NormalCosThreshold))
	}
	if o.VoxelSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("voxel size must be > 0, got %v", o.VoxelSize))
	}
	if o.PlaneRangeRatio <= 0 {
		err = multierr.Append(err, fmt.Errorf("plane range ratio must be > 0, got %v", o.PlaneRangeRatio))
	}
	if o.CostChangeThreshold < 0 {
		err = multierr.Append(err, fmt.Errorf("cost change threshold must be >= 0, got %v", o.CostChangeThreshold))
	}
	if o.MaxIterations < 1 {
		err = multierr.Append(err, fmt.Errorf("max iterations must be >= 1, got %d", o.MaxIterations))
	}
	if o.NumCheckPoints < 1 {
		err = multierr.Append(err, fmt.Errorf("num check points must be >= 1, got %d", o.NumCheckPoints))
	}
	if !o.UpAxis.valid() {
		err = multierr.Append(err, fmt.Errorf("unknown up axis %v", o.UpAxis))
	}
	if o.LowRatio < 0 || o.LowRatio > 1 {
		err = multierr.Append(err, fmt.Errorf("low ratio must be in [0,1], got %v", o.LowRatio))
	}
	if o.UpRatio < 0 || o.UpRatio > 1 {
		err = multierr.Append(err, fmt.Errorf("up ratio must be in [0,1], got %v", o.UpRatio))
	}
	if o.LowRatio > o.UpRatio {
		err = multierr.Append(err, fmt.Errorf("low ratio %v above up ratio %v", o.LowRatio, o.UpRatio))
	}
	if o.Timeout < 0 {
		err = multierr.Append(err, fmt.Errorf("timeout must be >= 0, got %v", o.Timeout))
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

func (o RegistrationOptions) withFallbacks() RegistrationOptions {
	if o.CostChangeThreshold == 0 {
		o.CostChangeThreshold = costChangeFactor * o.VoxelSize
	}
	if o.RNG == nil {
		o.RNG = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// State is the terminal (or current) state of the controller
type State int

const (
	StateInit State = iota
	StateIterating
	StateConverged
	StateExhausted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIterating:
		return "iterating"
	case StateConverged:
		return "converged"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText lets State appear as a string in JSON and YAML
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the form written by MarshalText
func (s *State) UnmarshalText(b []byte) error {
	for c := StateInit; c <= StateCancelled; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown registration state %q", b)
}

// RegistrationResult is the outcome of Register
type RegistrationResult struct {
	Transform     Transform `json:"transform"`     // best-seen source->target transform
	Cost          float64   `json:"cost"`          // cost of Transform
	Iterations    int       `json:"iterations"`    // iterations executed
	State         State     `json:"state"`         // terminal state
	AcceptedCosts []float64 `json:"acceptedCosts"` // strictly decreasing between resets
	Rollbacks     int       `json:"rollbacks"`
	Resets        int       `json:"resets"`
	Skipped       int       `json:"skipped"` // iterations with no correspondences
}

// IterationState is the mutable state of one Register call. It is only
// touched by the controller's step functions and dropped on return.
type IterationState struct {
	Working       PointCloud  // filtered source, currently transformed by Accumulated
	Accumulated   Transform   // absolute source->target estimate
	AcceptedCosts []float64   // cost history of accepted steps
	Snapshots     []Transform // Accumulated after each accepted step
	FailedCosts   []float64
	Iteration     int
	Rollbacks     int
	Resets        int
	Skipped       int
}

// stagnated reports whether the last stagnationWindow failed costs all equal
// cost. Accepted steps and resets leave the failure history in place.
func (st *IterationState) stagnated(cost float64) bool {
	n := len(st.FailedCosts)
	if n < stagnationWindow {
		return false
	}
	for _, c := range st.FailedCosts[n-stagnationWindow:] {
		if c != cost {
			return false
		}
	}
	return true
}

// transition is what one controller step did to the state
type transition int

const (
	transitionAccepted transition = iota
	transitionRolledBack
	transitionConverged
	transitionFailed
	transitionReset
	transitionSkipped
)

func (t transition) String() string {
	return [...]string{"accepted", "rolled back", "converged", "failed", "reset", "skipped"}[t]
}

// registration holds the immutable inputs of one Register call
type registration struct {
	opts           RegistrationOptions
	log            *zap.SugaredLogger
	source         PointCloud // as given, untransformed
	target         PointCloud // filtered target
	band           Band
	targetIndex    *NeighborIndex // over the filtered target, for correspondences
	costIndex      *NeighborIndex // over the full target, for the cost
	finder         CorrespondenceFinder
	initial        Transform
	initialWorking PointCloud
}

// Register estimates the rigid transform that maps source onto target,
// starting from initial. A zero Transform is treated as identity.
//
// Both clouds must carry normals. The returned transform is the snapshot
// with the lowest accepted cost. On cancellation that transform is still
// returned, together with an error wrapping ErrCancelled.
func Register(ctx context.Context, source, target PointCloud, initial Transform, opts RegistrationOptions) (RegistrationResult, error) {
	if err := source.Validate(); err != nil {
		return RegistrationResult{}, fmt.Errorf("source: %w", err)
	}
	if err := target.Validate(); err != nil {
		return RegistrationResult{}, fmt.Errorf("target: %w", err)
	}
	opts = opts.withFallbacks()
	if err := opts.Validate(); err != nil {
		return RegistrationResult{}, err
	}
	if initial == (Transform{}) {
		initial = Identity()
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	r := newRegistration(source, target, initial, opts)
	st := r.initialState()
	if st.Working.Len() == 0 {
		r.log.Warnf("[ICP] no source points inside target band [%.3f, %.3f], returning initial guess", r.band.Low, r.band.High)
		return RegistrationResult{
			Transform: initial,
			Cost:      NoOverlapCost,
			State:     StateExhausted,
		}, nil
	}
	r.log.Debugf("[ICP] start: %d source pts (%d in band), %d target pts (%d in band), initial cost %.4f",
		source.Len(), st.Working.Len(), target.Len(), r.target.Len(), st.AcceptedCosts[0])

	state := StateIterating
	for st.Iteration < opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			res := r.result(st, StateCancelled)
			r.log.Debugf("[ICP] cancelled after %d iterations, best cost %.4f", st.Iteration, res.Cost)
			return res, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		tr := r.step(st)
		st.Iteration++
		r.log.Debugf("[ICP] iter %d: %s (accepted=%d, best=%.4f)",
			st.Iteration, tr, len(st.AcceptedCosts), floats.Min(st.AcceptedCosts))
		if tr == transitionConverged {
			state = StateConverged
			break
		}
	}
	if state == StateIterating {
		state = StateExhausted
	}

	res := r.result(st, state)
	r.log.Debugf("[ICP] %s after %d iterations: cost %.4f, %d rollbacks, %d resets",
		res.State, res.Iterations, res.Cost, res.Rollbacks, res.Resets)
	return res, nil
}

func newRegistration(source, target PointCloud, initial Transform, opts RegistrationOptions) *registration {
	filteredTarget, band := CropBand(target, opts.UpAxis, opts.LowRatio, opts.UpRatio)
	r := &registration{
		opts:        opts,
		log:         opts.Logger,
		source:      source,
		target:      filteredTarget,
		band:        band,
		targetIndex: NewNeighborIndex(filteredTarget.Positions),
		costIndex:   NewNeighborIndex(target.Positions),
		finder: CorrespondenceFinder{
			Count:              opts.CorrespondenceCount,
			MaxDistance:        opts.MaxCorrespondenceDistance,
			NormalCosThreshold: opts.NormalCosThreshold,
			DiversityCos:       DefaultDiversityCos,
			RNG:                opts.RNG,
		},
		initial: initial,
	}
	r.initialWorking = CropBandThresholds(source.Transformed(initial), opts.UpAxis, band)
	return r
}

// cost is the mean k-nearest distance of cloud against the full target
func (r *registration) cost(cloud PointCloud) float64 {
	return r.costIndex.MeanDistance(cloud.Positions, r.opts.NumCheckPoints)
}

// initialState seeds the history with the initial guess and its cost
func (r *registration) initialState() *IterationState {
	st := &IterationState{
		Working:     r.initialWorking,
		Accumulated: r.initial,
	}
	if r.initialWorking.Len() > 0 {
		st.AcceptedCosts = []float64{r.cost(r.initialWorking)}
		st.Snapshots = []Transform{r.initial}
	}
	return st
}

// step runs one iteration: sample correspondences, solve, evaluate
func (r *registration) step(st *IterationState) transition {
	corr := r.finder.Find(st.Working, r.target, r.targetIndex)
	if len(corr) == 0 {
		st.Skipped++
		return transitionSkipped
	}

	src := make([]r3.Vector, len(corr))
	dst := make([]r3.Vector, len(corr))
	normals := make([]r3.Vector, len(corr))
	for i, c := range corr {
		src[i] = st.Working.Positions[c.Source]
		dst[i] = r.target.Positions[c.Target]
		normals[i] = r.target.Normals[c.Target].Mul(c.Sign)
	}
	return r.apply(st, SolvePointToPlane(src, dst, normals))
}

// apply evaluates an incremental transform against the state and performs
// the resulting transition.
func (r *registration) apply(st *IterationState, delta Transform) transition {
	tentative := st.Working.Transformed(delta)
	cost := r.cost(tentative)
	last := st.AcceptedCosts[len(st.AcceptedCosts)-1]

	if cost > divergenceFactor*stat.Mean(st.AcceptedCosts, nil) {
		r.rollback(st)
		return transitionRolledBack
	}

	if cost < last {
		st.Working = tentative
		st.Accumulated = delta.Mul(st.Accumulated)
		st.AcceptedCosts = append(st.AcceptedCosts, cost)
		st.Snapshots = append(st.Snapshots, st.Accumulated)
		return transitionAccepted
	}

	if math.Abs(cost-last) < r.opts.CostChangeThreshold && floats.Min(st.AcceptedCosts) < r.opts.CostChangeThreshold {
		return transitionConverged
	}

	st.FailedCosts = append(st.FailedCosts, cost)

	if st.stagnated(cost) && cost > stagnationFactor*r.opts.VoxelSize {
		r.reset(st)
		return transitionReset
	}
	return transitionFailed
}

// rollback restores the working cloud to the snapshot with the lowest cost.
// The cloud is re-filtered from the untransformed source at that pose.
func (r *registration) rollback(st *IterationState) {
	best := st.Snapshots[floats.MinIdx(st.AcceptedCosts)]
	working := CropBandThresholds(r.source.Transformed(best), r.opts.UpAxis, r.band)
	if working.Len() == 0 {
		// Carry the initially filtered points to the snapshot pose instead
		working = r.initialWorking.Transformed(best.Mul(r.initial.Inverse()))
	}
	st.Working = working
	st.Accumulated = best
	st.Rollbacks++
}

// reset returns to the initial guess and the filtered input source
func (r *registration) reset(st *IterationState) {
	st.Working = r.initialWorking
	st.Accumulated = r.initial
	st.Resets++
}

func (r *registration) result(st *IterationState, state State) RegistrationResult {
	i := floats.MinIdx(st.AcceptedCosts)
	return RegistrationResult{
		Transform:     st.Snapshots[i],
		Cost:          st.AcceptedCosts[i],
		Iterations:    st.Iteration,
		State:         state,
		AcceptedCosts: append([]float64(nil), st.AcceptedCosts...),
		Rollbacks:     st.Rollbacks,
		Resets:        st.Resets,
		Skipped:       st.Skipped,
	}
}
