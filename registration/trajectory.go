package registration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/geo/r3"
)

// DefaultTrajectoryCachePath is the default path for the persisted trajectory
const DefaultTrajectoryCachePath = ".trajectory-cache.json"

// ErrTrajectoryMismatch is returned when estimated and ground truth
// trajectories cannot be compared
var ErrTrajectoryMismatch = errors.New("trajectory length mismatch")

// Pose is the camera pose of one frame in the coordinate system of frame 0
type Pose struct {
	Frame     int       `json:"frame"`
	Transform Transform `json:"transform"` // frame -> world
	Relative  Transform `json:"relative"`  // frame -> previous frame, as registered
	Position  r3.Vector `json:"position"`
	Cost      float64   `json:"cost"`
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Trajectory is the chain of poses built from consecutive registrations
type Trajectory struct {
	Poses       []Pose `json:"poses"`
	LastUpdated int64  `json:"lastUpdated"`
}

// NewTrajectory starts a trajectory with frame 0 at the origin
func NewTrajectory() *Trajectory {
	return &Trajectory{
		Poses: []Pose{{
			Frame:     0,
			Transform: Identity(),
			Relative:  Identity(),
			State:     StateConverged,
			Timestamp: time.Now(),
		}},
	}
}

// Len returns the number of poses
func (t *Trajectory) Len() int {
	return len(t.Poses)
}

// Current returns the pose transform of the latest frame
func (t *Trajectory) Current() Transform {
	if len(t.Poses) == 0 {
		return Identity()
	}
	return t.Poses[len(t.Poses)-1].Transform
}

// Append chains the transform registering the new frame onto the previous
// one: world pose = previous pose * relative.
func (t *Trajectory) Append(relative Transform, res RegistrationResult) Pose {
	pose := t.Current().Mul(relative)
	p := Pose{
		Frame:     len(t.Poses),
		Transform: pose,
		Relative:  relative,
		Position:  pose.TranslationVector(),
		Cost:      res.Cost,
		State:     res.State,
		Timestamp: time.Now(),
	}
	t.Poses = append(t.Poses, p)
	return p
}

// Positions returns the camera positions in frame order
func (t *Trajectory) Positions() []r3.Vector {
	out := make([]r3.Vector, len(t.Poses))
	for i, p := range t.Poses {
		out[i] = p.Position
	}
	return out
}

// PathLength returns the travelled distance along the positions
func (t *Trajectory) PathLength() float64 {
	var total float64
	for i := 1; i < len(t.Poses); i++ {
		total += t.Poses[i].Position.Sub(t.Poses[i-1].Position).Norm()
	}
	return total
}

// Clone returns a deep copy
func (t *Trajectory) Clone() *Trajectory {
	return &Trajectory{
		Poses:       append([]Pose(nil), t.Poses...),
		LastUpdated: t.LastUpdated,
	}
}

// MeanL2Error returns the mean Euclidean distance between estimated and
// ground truth camera positions, compared index by index.
func MeanL2Error(estimated, groundTruth []r3.Vector) (float64, error) {
	if len(estimated) != len(groundTruth) {
		return 0, fmt.Errorf("%w: %d estimated, %d ground truth", ErrTrajectoryMismatch, len(estimated), len(groundTruth))
	}
	if len(estimated) == 0 {
		return 0, fmt.Errorf("%w: empty", ErrTrajectoryMismatch)
	}
	var sum float64
	for i := range estimated {
		sum += estimated[i].Sub(groundTruth[i]).Norm()
	}
	return sum / float64(len(estimated)), nil
}

// LoadTrajectory loads a trajectory from a JSON cache file.
// A missing file yields nil and no error.
func LoadTrajectory(path string) (*Trajectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No trajectory yet
		}
		return nil, fmt.Errorf("reading trajectory file: %w", err)
	}

	var t Trajectory
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing trajectory file: %w", err)
	}
	return &t, nil
}

// SaveTrajectory saves the trajectory to a JSON cache file
func SaveTrajectory(path string, t *Trajectory) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating trajectory directory: %w", err)
	}

	t.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling trajectory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing trajectory file: %w", err)
	}
	return nil
}

// LoadGroundTruth reads camera positions from a JSON file holding either an
// array of [x, y, z] triples or an array of 4x4 pose matrices, whose
// translation columns are used.
func LoadGroundTruth(path string) ([]r3.Vector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ground truth file: %w", err)
	}

	var triples [][]float64
	if err := json.Unmarshal(data, &triples); err == nil {
		out := make([]r3.Vector, len(triples))
		for i, p := range triples {
			if len(p) < 3 {
				return nil, fmt.Errorf("ground truth entry %d: want 3 values, got %d", i, len(p))
			}
			out[i] = r3.Vector{X: p[0], Y: p[1], Z: p[2]}
		}
		return out, nil
	}

	var poses []Transform
	if err := json.Unmarshal(data, &poses); err != nil {
		return nil, fmt.Errorf("parsing ground truth file: %w", err)
	}
	out := make([]r3.Vector, len(poses))
	for i, p := range poses {
		out[i] = p.TranslationVector()
	}
	return out, nil
}

// NormalizeGroundTruth scales recorded positions, negates the listed axes and
// shifts the result so the first position is the origin, matching the frame 0
// convention of Trajectory.
func NormalizeGroundTruth(positions []r3.Vector, scale float64, flip ...Axis) []r3.Vector {
	if len(positions) == 0 {
		return nil
	}
	sign := r3.Vector{X: 1, Y: 1, Z: 1}
	for _, a := range flip {
		switch a {
		case AxisX:
			sign.X = -1
		case AxisY:
			sign.Y = -1
		case AxisZ:
			sign.Z = -1
		}
	}
	origin := positions[0]
	out := make([]r3.Vector, len(positions))
	for i, p := range positions {
		d := p.Sub(origin).Mul(scale)
		out[i] = r3.Vector{X: d.X * sign.X, Y: d.Y * sign.Y, Z: d.Z * sign.Z}
	}
	return out
}
