package registration

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Map band defaults: keep everything above the lowest 18% of the frame's
// extent along the up axis, which drops the ceiling in camera coordinates.
const (
	DefaultMapLowRatio = 0.18
	DefaultMapUpRatio  = 1.0
)

// ReconstructorOptions configures sequential frame registration and map assembly
type ReconstructorOptions struct {
	Registration RegistrationOptions
	Preprocess   PreprocessOptions
	MapLowRatio  float64
	MapUpRatio   float64
	MapVoxelSize float64 // re-downsample the merged map; 0 disables
}

// DefaultReconstructorOptions returns defaults for millimeter depth frames
func DefaultReconstructorOptions() ReconstructorOptions {
	reg := DefaultRegistrationOptions()
	return ReconstructorOptions{
		Registration: reg,
		Preprocess:   PreprocessOptionsFor(reg),
		MapLowRatio:  DefaultMapLowRatio,
		MapUpRatio:   DefaultMapUpRatio,
	}
}

// FrameResult describes the outcome of adding one frame
type FrameResult struct {
	Frame        int                `json:"frame"`
	Pose         Pose               `json:"pose"`
	Registration RegistrationResult `json:"registration"`
	Points       int                `json:"points"`    // points after preprocessing
	MapPoints    int                `json:"mapPoints"` // map size after merging
	Duration     time.Duration      `json:"duration"`
}

// Reconstructor registers frames one after another and accumulates the
// trajectory and a merged map. Each frame is registered against the
// previous one, so frames must be added in capture order.
type Reconstructor struct {
	mu       sync.Mutex
	opts     ReconstructorOptions
	log      *zap.SugaredLogger
	previous PointCloud // preprocessed previous frame, in its own coordinates
	traj     *Trajectory
	mapCloud PointCloud
	frames   int
	resumed  bool // traj came from Resume and has no frame cloud behind it
}

// NewReconstructor creates an empty reconstructor
func NewReconstructor(opts ReconstructorOptions) *Reconstructor {
	log := opts.Registration.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
		opts.Registration.Logger = log
	}
	if opts.Registration.RNG == nil {
		opts.Registration.RNG = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Reconstructor{
		opts: opts,
		log:  log,
		traj: NewTrajectory(),
	}
}

// AddFrame preprocesses a frame, registers it against the previous one,
// extends the trajectory and merges the frame into the map.
func (r *Reconstructor) AddFrame(ctx context.Context, frame PointCloud) (FrameResult, error) {
	if frame.Len() == 0 {
		return FrameResult{}, fmt.Errorf("frame: %w", ErrEmptyCloud)
	}
	start := time.Now()

	down, err := Preprocess(frame, r.opts.Preprocess)
	if err != nil {
		return FrameResult{}, fmt.Errorf("preprocessing frame: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.previous.Len() == 0 {
		// first frame: the whole down-sampled cloud seeds the map
		pose := r.traj.Poses[r.traj.Len()-1]
		if r.resumed {
			// nothing to register against, assume the camera has not moved
			pose = r.traj.Append(Identity(), RegistrationResult{State: StateInit})
			r.resumed = false
		}
		r.previous = down
		r.frames++
		r.mapCloud = down.Transformed(pose.Transform)
		r.log.Infof("[RECON] frame %d seeded map with %d points", pose.Frame, r.mapCloud.Len())
		return FrameResult{
			Frame:     pose.Frame,
			Pose:      pose,
			Points:    down.Len(),
			MapPoints: r.mapCloud.Len(),
			Duration:  time.Since(start),
		}, nil
	}

	res, err := Register(ctx, down, r.previous, Identity(), r.opts.Registration)
	if err != nil {
		return FrameResult{}, fmt.Errorf("registering frame %d: %w", r.traj.Len(), err)
	}

	pose := r.traj.Append(res.Transform, res)
	r.previous = down
	r.frames++
	r.mergeLocked(down, pose.Transform)

	r.log.Infof("[RECON] frame %d: %s after %d iterations, cost %.3f, position (%.1f, %.1f, %.1f), map %d points",
		pose.Frame, res.State, res.Iterations, res.Cost,
		pose.Position.X, pose.Position.Y, pose.Position.Z, r.mapCloud.Len())

	return FrameResult{
		Frame:        pose.Frame,
		Pose:         pose,
		Registration: res,
		Points:       down.Len(),
		MapPoints:    r.mapCloud.Len(),
		Duration:     time.Since(start),
	}, nil
}

// Resume continues a trajectory from an earlier run. The next frame is placed
// at the last pose of traj without registration and seeds an empty map;
// frames after it chain from there. Resume must be called before AddFrame.
func (r *Reconstructor) Resume(traj *Trajectory) error {
	if traj == nil || traj.Len() == 0 {
		return fmt.Errorf("resume: %w", ErrTrajectoryMismatch)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames > 0 {
		return fmt.Errorf("resume after %d frames", r.frames)
	}
	r.traj = traj.Clone()
	r.resumed = true
	return nil
}

// mergeLocked crops the frame with the map band and appends it in world
// coordinates. Caller holds r.mu.
func (r *Reconstructor) mergeLocked(frame PointCloud, pose Transform) {
	cropped, _ := CropBand(frame, r.opts.Registration.UpAxis, r.opts.MapLowRatio, r.opts.MapUpRatio)
	r.mapCloud = r.mapCloud.Append(cropped.Transformed(pose))

	if r.opts.MapVoxelSize > 0 {
		down, err := Downsample(r.mapCloud, r.opts.MapVoxelSize)
		if err != nil {
			r.log.Warnf("[RECON] map downsample failed, keeping full map: %v", err)
			return
		}
		// normals do not survive down-sampling; map normals are informational only
		r.mapCloud = down
	}
}

// Trajectory returns a copy of the trajectory
func (r *Reconstructor) Trajectory() *Trajectory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.traj.Clone()
}

// Map returns a copy of the merged map
func (r *Reconstructor) Map() PointCloud {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mapCloud.Clone()
}

// Frames returns the number of frames added so far
func (r *Reconstructor) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}
