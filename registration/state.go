package registration

import (
	"sync"
)

// Snapshot is the latest reconstruction state exposed over HTTP and MQTT
type Snapshot struct {
	Frames     int          `json:"frames"`
	Pose       Pose         `json:"pose"`
	LastFrame  *FrameResult `json:"lastFrame,omitempty"`
	MapPoints  int          `json:"mapPoints"`
	PathLength float64      `json:"pathLength"`
}

// StateTracker holds the latest pose, trajectory and map for HTTP endpoints
type StateTracker struct {
	mu         sync.RWMutex
	trajectory *Trajectory
	mapCloud   PointCloud
	lastFrame  *FrameResult
	frames     int
	cachePath  string // path to the trajectory cache file; empty disables persistence
	onSaveErr  func(error)
	cached     *Trajectory // trajectory loaded from cachePath, nil if none
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{trajectory: NewTrajectory()}
}

// NewStateTrackerWithCache creates a state tracker that persists the
// trajectory to the given cache file after every frame. If the file exists,
// the cached trajectory is loaded on creation so it can be served before the
// first new frame arrives.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := &StateTracker{
		trajectory: NewTrajectory(),
		cachePath:  cachePath,
	}
	if cachePath != "" {
		if t, err := LoadTrajectory(cachePath); err == nil && t != nil && t.Len() > 0 {
			st.trajectory = t
			st.cached = t.Clone()
		}
	}
	return st
}

// OnSaveError registers a callback for cache write failures
func (st *StateTracker) OnSaveError(fn func(error)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onSaveErr = fn
}

// Update records the outcome of a frame together with the reconstructor's
// current trajectory and map, and persists the trajectory when a cache path
// is configured.
func (st *StateTracker) Update(res FrameResult, traj *Trajectory, mapCloud PointCloud) error {
	st.mu.Lock()
	st.trajectory = traj.Clone()
	st.mapCloud = mapCloud
	r := res
	st.lastFrame = &r
	st.frames++
	cachePath := st.cachePath
	onErr := st.onSaveErr
	persist := st.trajectory.Clone()
	st.mu.Unlock()

	if cachePath == "" {
		return nil
	}
	if err := SaveTrajectory(cachePath, persist); err != nil {
		if onErr != nil {
			onErr(err)
		}
		return err
	}
	return nil
}

// Snapshot returns a copy of the summary state
func (st *StateTracker) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s := Snapshot{
		Frames:     st.frames,
		MapPoints:  st.mapCloud.Len(),
		PathLength: st.trajectory.PathLength(),
	}
	if n := st.trajectory.Len(); n > 0 {
		s.Pose = st.trajectory.Poses[n-1]
	}
	if st.lastFrame != nil {
		r := *st.lastFrame
		s.LastFrame = &r
	}
	return s
}

// GetTrajectory returns a copy of the trajectory
func (st *StateTracker) GetTrajectory() *Trajectory {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.trajectory.Clone()
}

// CachedTrajectory returns the trajectory loaded from the cache file on
// creation, or nil when there was none
func (st *StateTracker) CachedTrajectory() *Trajectory {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.cached == nil {
		return nil
	}
	return st.cached.Clone()
}

// GetMap returns the latest map cloud. The returned cloud is shared and must
// not be modified.
func (st *StateTracker) GetMap() PointCloud {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.mapCloud
}

// HasMap returns true once at least one frame has been merged
func (st *StateTracker) HasMap() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.mapCloud.Len() > 0
}
