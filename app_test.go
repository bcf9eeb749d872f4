package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/pcreg/registration"
)

func TestNewApp(t *testing.T) {
	app := NewApp(nil)
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.StateTracker == nil {
		t.Error("StateTracker should be initialized")
	}
	if app.Log == nil {
		t.Error("Log should be initialized")
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp(nil)
	opts := AppOptions{
		ConfigFile: "test-config.yaml",
		LogLevel:   "debug",
		DataDir:    "/test/data",
		Format:     "raster",
	}
	app.ApplyOptions(opts)

	assert.Equal(t, opts.ConfigFile, app.opts.ConfigFile)
	assert.Equal(t, opts.DataDir, app.opts.DataDir)
	assert.Equal(t, opts.Format, app.opts.Format)
	require.NotNil(t, app.Log)
	assert.True(t, app.Log.Desugar().Core().Enabled(-1), "debug level should be enabled")
}

func TestNewLogger(t *testing.T) {
	assert.False(t, newLogger("warn", false).Desugar().Core().Enabled(0), "info disabled at warn")
	assert.True(t, newLogger("bogus", true).Desugar().Core().Enabled(0), "unknown level falls back to info")
}

// ---------------------------------------------------------------------------
// config
// ---------------------------------------------------------------------------

func TestLoadConfig(t *testing.T) {
	t.Run("missing default file uses defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())
		app := NewApp(nil)
		app.ApplyOptions(AppOptions{ConfigFile: defaultConfigFile})

		config, err := app.loadConfig()
		require.NoError(t, err)
		assert.Equal(t, registration.DefaultConfig().Registration, config.Registration)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		app := NewApp(nil)
		app.ApplyOptions(AppOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")})

		_, err := app.loadConfig()
		assert.Error(t, err)
	})

	t.Run("env overrides and caching", func(t *testing.T) {
		t.Setenv("MQTT_BROKER", "tcp://broker:1883")
		app := NewApp(nil)
		app.ApplyOptions(AppOptions{ConfigFile: writeTestConfig(t, t.TempDir(), "")})

		config, err := app.loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "tcp://broker:1883", config.MQTT.Broker)
		assert.Equal(t, 0.1, config.Registration.VoxelSize)

		again, err := app.loadConfig()
		require.NoError(t, err)
		assert.Same(t, config, again)
	})

	t.Run("invalid file", func(t *testing.T) {
		app := NewApp(nil)
		app.ApplyOptions(AppOptions{ConfigFile: writeTestConfig(t, t.TempDir(), "map:\n  lowRatio: 2\n")})

		_, err := app.loadConfig()
		assert.True(t, errors.Is(err, registration.ErrInvalidConfig))
	})
}

// ---------------------------------------------------------------------------
// frames
// ---------------------------------------------------------------------------

func TestListFrames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame-10.pcd", "frame-2.pcd", "depth_1.png", "notes.txt", "frame-0.PCD"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "frame-5.pcd"), 0755))

	frames, err := listFrames(dir)
	require.NoError(t, err)

	var names []string
	for _, f := range frames {
		names = append(names, filepath.Base(f))
	}
	assert.Equal(t, []string{"frame-0.PCD", "depth_1.png", "frame-2.pcd", "frame-10.pcd"}, names)

	_, err = listFrames(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// register
// ---------------------------------------------------------------------------

func TestRunRegister(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, 2)

	var out bytes.Buffer
	app := NewApp(&out)
	app.ApplyOptions(AppOptions{
		ConfigFile: writeTestConfig(t, dir, ""),
		Source:     filepath.Join(dir, "frame-1.pcd"),
		Target:     filepath.Join(dir, "frame-0.pcd"),
		OutputFile: filepath.Join(dir, "aligned", "frame-1.pcd"),
		JSONOutput: true,
	})

	require.NoError(t, app.RunRegister(context.Background()))

	var got registerOutput
	dec := json.NewDecoder(&out)
	require.NoError(t, dec.Decode(&got))
	assert.NotEqual(t, registration.StateCancelled, got.State)
	assert.Greater(t, got.Iterations, 0)

	// frame 1 was captured 0.1m further along X
	tr := got.Transform.TranslationVector()
	assert.InDelta(t, 0.1, tr.X, 0.05)
	assert.InDelta(t, 0.0, tr.Y, 0.05)
	assert.InDelta(t, 0.0, tr.Z, 0.05)

	aligned, err := registration.ReadPCDFile(filepath.Join(dir, "aligned", "frame-1.pcd"))
	require.NoError(t, err)
	assert.Greater(t, aligned.Len(), 0)
}

func TestRunRegisterMissingFile(t *testing.T) {
	dir := t.TempDir()
	app := NewApp(nil)
	app.ApplyOptions(AppOptions{
		ConfigFile: writeTestConfig(t, dir, ""),
		Source:     filepath.Join(dir, "missing.pcd"),
		Target:     filepath.Join(dir, "missing.pcd"),
	})
	assert.Error(t, app.RunRegister(context.Background()))
}

// ---------------------------------------------------------------------------
// reconstruct
// ---------------------------------------------------------------------------

func TestRunReconstruct(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, 3)
	// an unreadable frame is skipped
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame-3.pcd"), []byte("garbage"), 0644))

	gt := [][3]float64{{0, 0, 0}, {0.1, 0, 0}, {0.2, 0, 0}, {0.3, 0, 0}}
	gtData, err := json.Marshal(gt)
	require.NoError(t, err)
	gtPath := filepath.Join(dir, "gt.json")
	require.NoError(t, os.WriteFile(gtPath, gtData, 0644))

	outDir := filepath.Join(dir, "out")
	var out bytes.Buffer
	app := NewApp(&out)
	app.ApplyOptions(AppOptions{
		ConfigFile:       writeTestConfig(t, dir, ""),
		DataDir:          dir,
		OutputDir:        outDir,
		GroundTruth:      gtPath,
		GroundTruthScale: 1,
		Format:           "both",
	})

	require.NoError(t, app.RunReconstruct(context.Background()))

	for _, name := range []string{"map.pcd", "trajectory.json", "trajectory.geojson", "map.png", "map.svg", "map-vector.png"} {
		info, err := os.Stat(filepath.Join(outDir, name))
		if assert.NoError(t, err, name) {
			assert.Greater(t, info.Size(), int64(0), name)
		}
	}

	traj, err := registration.LoadTrajectory(filepath.Join(outDir, "trajectory.json"))
	require.NoError(t, err)
	assert.Equal(t, 3, traj.Len())
	assert.Equal(t, 3, app.StateTracker.Snapshot().Frames)

	assert.Contains(t, out.String(), "Reconstructing 4 frames")
	assert.Contains(t, out.String(), "Mean L2 error over 3 frames")
	assert.Contains(t, out.String(), "(ground truth units)")
}

func TestRunReconstructShortGroundTruth(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, 3)

	// recording stopped one frame early
	gtPath := filepath.Join(dir, "gt.json")
	require.NoError(t, os.WriteFile(gtPath, []byte(`[[0, 0, 0], [0.1, 0, 0]]`), 0644))

	var out bytes.Buffer
	app := NewApp(&out)
	app.ApplyOptions(AppOptions{
		ConfigFile:       writeTestConfig(t, dir, ""),
		DataDir:          dir,
		OutputDir:        filepath.Join(dir, "out"),
		GroundTruth:      gtPath,
		GroundTruthScale: 1,
		Format:           "raster",
	})

	require.NoError(t, app.RunReconstruct(context.Background()))
	assert.Contains(t, out.String(), "Mean L2 error over 2 frames")
}

func TestCommonPrefixL2Error(t *testing.T) {
	line := func(n int, step float64) []r3.Vector {
		out := make([]r3.Vector, n)
		for i := range out {
			out[i] = r3.Vector{X: step * float64(i)}
		}
		return out
	}

	tests := []struct {
		name      string
		estimated []r3.Vector
		gt        []r3.Vector
		wantN     int
		wantMean  float64
		wantErr   bool
	}{
		{"equal length", line(3, 1), line(3, 1), 3, 0, false},
		{"ground truth shorter", line(4, 2), line(3, 1), 3, 1, false},
		{"ground truth longer", line(2, 1), line(5, 0), 2, 0.5, false},
		{"no ground truth", line(2, 1), nil, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mean, n, err := commonPrefixL2Error(tt.estimated, tt.gt)
			if tt.wantErr {
				assert.ErrorIs(t, err, registration.ErrTrajectoryMismatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantN, n)
			assert.InDelta(t, tt.wantMean, mean, 1e-12)
		})
	}
}

func TestRunReconstructEmptyDir(t *testing.T) {
	dir := t.TempDir()
	app := NewApp(nil)
	app.ApplyOptions(AppOptions{ConfigFile: writeTestConfig(t, dir, ""), DataDir: dir})

	err := app.RunReconstruct(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no .pcd or .png frames")
}

// ---------------------------------------------------------------------------
// frame handling and service
// ---------------------------------------------------------------------------

// syncBuffer is a bytes.Buffer safe for one writer and one reader goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testApp(t *testing.T) *App {
	t.Helper()
	app := NewApp(nil)
	app.ApplyOptions(AppOptions{ConfigFile: writeTestConfig(t, t.TempDir(), "")})
	config, err := app.loadConfig()
	require.NoError(t, err)
	ropts, err := config.ReconstructorOptions(nil)
	require.NoError(t, err)
	app.Reconstructor = registration.NewReconstructor(ropts)
	return app
}

func TestHandleFramePublishes(t *testing.T) {
	app := testApp(t)
	mock := registration.NewMockClient()
	mock.SetConnected(true)
	app.Publisher = registration.NewPublisher(mock, "test", nil)

	res, err := app.handleFrame(context.Background(), testRoom(0.1))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Frame)

	snap := app.StateTracker.Snapshot()
	assert.Equal(t, 1, snap.Frames)
	assert.True(t, app.StateTracker.HasMap())

	var topics []string
	for _, m := range mock.GetPublishedMessages() {
		topics = append(topics, m.Topic)
	}
	assert.Equal(t, []string{"test/pose", "test/trajectory"}, topics)
}

func TestHandleFramePublishFailureIsNotFatal(t *testing.T) {
	app := testApp(t)
	mock := registration.NewMockClient() // never connected
	app.Publisher = registration.NewPublisher(mock, "test", nil)

	_, err := app.handleFrame(context.Background(), testRoom(0.1))
	assert.NoError(t, err)
	assert.Empty(t, mock.GetPublishedMessages())
}

func TestHandleFrameEmpty(t *testing.T) {
	app := testApp(t)
	_, err := app.handleFrame(context.Background(), registration.PointCloud{})
	assert.True(t, errors.Is(err, registration.ErrEmptyCloud))
	assert.Equal(t, 0, app.StateTracker.Snapshot().Frames)
}

func TestProcessFrames(t *testing.T) {
	app := testApp(t)
	frames := make(chan registration.PointCloud, 2)
	frames <- registration.PointCloud{} // dropped with a warning
	frames <- testRoom(0.1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.processFrames(ctx, frames) }()

	require.Eventually(t, func() bool {
		return app.StateTracker.Snapshot().Frames == 1
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processFrames did not stop after cancel")
	}
}

func TestRunServiceShutdown(t *testing.T) {
	dir := t.TempDir()
	out := &syncBuffer{}
	app := NewApp(out)
	app.ApplyOptions(AppOptions{
		ConfigFile: writeTestConfig(t, dir, "output:\n  trajectoryCache: "+filepath.Join(dir, "cache.json")+"\n"),
		HTTPAddr:   "127.0.0.1:0",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunService(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Press Ctrl+C to stop")
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("RunService did not stop after cancel")
	}
	assert.Nil(t, app.MQTTClient, "MQTT stays disabled without a broker")
}

func TestRunServiceResumesCachedTrajectory(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "cache.json")
	cached := registration.NewTrajectory()
	cached.Append(registration.Translation(1, 0, 0), registration.RegistrationResult{State: registration.StateConverged})
	require.NoError(t, registration.SaveTrajectory(cachePath, cached))

	out := &syncBuffer{}
	app := NewApp(out)
	app.ApplyOptions(AppOptions{
		ConfigFile: writeTestConfig(t, dir, "output:\n  trajectoryCache: "+cachePath+"\n"),
		HTTPAddr:   "127.0.0.1:0",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.RunService(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Press Ctrl+C to stop")
	}, 5*time.Second, 10*time.Millisecond)

	res, err := app.handleFrame(context.Background(), testRoom(0.1))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Frame, "frame numbering continues from the cache")
	assert.InDelta(t, 1.0, res.Pose.Position.X, 1e-9, "the first new frame starts at the cached pose")
	assert.Equal(t, 3, app.StateTracker.GetTrajectory().Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("RunService did not stop after cancel")
	}
}
