package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/pcreg/registration"
)

const (
	defaultConfigFile = "config.yaml"
	// frameQueueSize bounds frames waiting for the reconstructor in serve mode
	frameQueueSize  = 16
	shutdownTimeout = 5 * time.Second
)

// App encapsulates the application state and dependencies
type App struct {
	Config        *registration.Config
	Log           *zap.SugaredLogger
	StateTracker  *registration.StateTracker
	Reconstructor *registration.Reconstructor
	MQTTClient    *registration.MQTTClient
	Publisher     *registration.Publisher

	opts AppOptions
	out  io.Writer
}

// NewApp creates a new App writing user-facing output to out
func NewApp(out io.Writer) *App {
	if out == nil {
		out = io.Discard
	}
	return &App{
		Log:          zap.NewNop().Sugar(),
		StateTracker: registration.NewStateTracker(),
		out:          out,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
	a.Log = newLogger(opts.LogLevel, opts.LogJSON)
}

// newLogger builds a development logger, or a production JSON logger when
// jsonOutput is set. Unknown levels fall back to info.
func newLogger(level string, jsonOutput bool) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	if jsonOutput {
		cfg = zap.NewProductionConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

// loadConfig reads the config file, applies environment overrides and
// validates the result. A missing default config file is not an error.
func (a *App) loadConfig() (*registration.Config, error) {
	if a.Config != nil {
		return a.Config, nil
	}

	path := a.opts.ConfigFile
	if path == "" {
		path = defaultConfigFile
	}

	var config *registration.Config
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigFile {
		a.Log.Infof("No %s found, using defaults", path)
		config = registration.DefaultConfig()
	} else {
		config, err = registration.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w (looked at %s)", err, path)
		}
		a.Log.Infof("Loaded config from %s", path)
	}

	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	a.Config = config
	return config, nil
}

// loadFrameFile reads a PCD or depth PNG frame from disk
func (a *App) loadFrameFile(path string, config *registration.Config) (registration.PointCloud, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return registration.PointCloud{}, fmt.Errorf("reading frame file: %w", err)
	}
	cloud, err := registration.DecodeFrame(data, config)
	if err != nil {
		return registration.PointCloud{}, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return cloud, nil
}

// registerOutput is the JSON form printed by the register command
type registerOutput struct {
	Transform  registration.Transform `json:"transform"`
	State      registration.State     `json:"state"`
	Cost       float64                `json:"cost"`
	Iterations int                    `json:"iterations"`
	Rollbacks  int                    `json:"rollbacks"`
	Resets     int                    `json:"resets"`
}

// RunRegister registers the source cloud onto the target cloud and prints
// the resulting transform
func (a *App) RunRegister(ctx context.Context) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	ropts, err := config.ReconstructorOptions(a.Log)
	if err != nil {
		return err
	}

	rawSource, err := a.loadFrameFile(a.opts.Source, config)
	if err != nil {
		return err
	}
	rawTarget, err := a.loadFrameFile(a.opts.Target, config)
	if err != nil {
		return err
	}
	source, err := registration.Preprocess(rawSource, ropts.Preprocess)
	if err != nil {
		return fmt.Errorf("preprocessing source: %w", err)
	}
	target, err := registration.Preprocess(rawTarget, ropts.Preprocess)
	if err != nil {
		return fmt.Errorf("preprocessing target: %w", err)
	}
	a.Log.Infof("[ICP] source %d -> %d points, target %d -> %d points",
		rawSource.Len(), source.Len(), rawTarget.Len(), target.Len())

	res, err := registration.Register(ctx, source, target, registration.Identity(), ropts.Registration)
	if err != nil && !errors.Is(err, registration.ErrCancelled) {
		return err
	}
	if err != nil {
		a.Log.Warnf("[ICP] %v, reporting best transform so far", err)
	}

	if a.opts.JSONOutput {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(registerOutput{
			Transform:  res.Transform,
			State:      res.State,
			Cost:       res.Cost,
			Iterations: res.Iterations,
			Rollbacks:  res.Rollbacks,
			Resets:     res.Resets,
		}); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintf(a.out, "State:      %s\n", res.State)
		fmt.Fprintf(a.out, "Cost:       %.4f\n", res.Cost)
		fmt.Fprintf(a.out, "Iterations: %d (rollbacks %d, resets %d)\n", res.Iterations, res.Rollbacks, res.Resets)
		fmt.Fprintln(a.out, "Transform:")
		for _, row := range res.Transform {
			fmt.Fprintf(a.out, "  % .6f % .6f % .6f % .6f\n", row[0], row[1], row[2], row[3])
		}
	}

	if a.opts.OutputFile != "" {
		if werr := registration.WritePCDFile(a.opts.OutputFile, rawSource.Transformed(res.Transform)); werr != nil {
			return fmt.Errorf("writing aligned cloud: %w", werr)
		}
		fmt.Fprintf(a.out, "Aligned source written to %s\n", a.opts.OutputFile)
	}
	return err
}

var frameNumber = regexp.MustCompile(`(\d+)`)

// listFrames returns the .pcd and .png frames of dir ordered by the last
// number in their file name
func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading data dir: %w", err)
	}

	type numbered struct {
		path string
		n    int
	}
	var frames []numbered
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".pcd" && ext != ".png") {
			continue
		}
		n := -1
		if m := frameNumber.FindAllString(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())), -1); len(m) > 0 {
			n, _ = strconv.Atoi(m[len(m)-1])
		}
		frames = append(frames, numbered{filepath.Join(dir, e.Name()), n})
	}
	sort.SliceStable(frames, func(i, j int) bool {
		if frames[i].n != frames[j].n {
			return frames[i].n < frames[j].n
		}
		return frames[i].path < frames[j].path
	})

	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.path
	}
	return out, nil
}

// RunReconstruct registers every frame of the data directory in order and
// writes the map, trajectory and renders to the output directory
func (a *App) RunReconstruct(ctx context.Context) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	ropts, err := config.ReconstructorOptions(a.Log)
	if err != nil {
		return err
	}

	paths, err := listFrames(a.opts.DataDir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no .pcd or .png frames found in %s", a.opts.DataDir)
	}
	fmt.Fprintf(a.out, "Reconstructing %d frames from %s\n", len(paths), a.opts.DataDir)

	a.Reconstructor = registration.NewReconstructor(ropts)
	start := time.Now()
	var runErr error
	for _, path := range paths {
		frame, err := a.loadFrameFile(path, config)
		if err != nil {
			a.Log.Warnf("[RECON] skipping %s: %v", filepath.Base(path), err)
			continue
		}
		if _, err := a.handleFrame(ctx, frame); err != nil {
			if errors.Is(err, registration.ErrCancelled) {
				runErr = err
				break
			}
			a.Log.Warnf("[RECON] skipping %s: %v", filepath.Base(path), err)
		}
	}

	traj := a.Reconstructor.Trajectory()
	mapCloud := a.Reconstructor.Map()
	fmt.Fprintf(a.out, "Registered %d frames in %v: path length %.1f, map %d points\n",
		traj.Len(), time.Since(start).Round(time.Millisecond), traj.PathLength(), mapCloud.Len())

	outDir := a.opts.OutputDir
	if outDir == "" {
		outDir = config.Output.Dir
	}
	if err := a.writeOutputs(outDir, traj, mapCloud, config); err != nil {
		return err
	}

	if a.opts.GroundTruth != "" {
		if err := a.reportGroundTruth(traj); err != nil {
			return err
		}
	}
	return runErr
}

// reportGroundTruth prints the mean L2 distance between the estimated and
// the recorded camera positions
func (a *App) reportGroundTruth(traj *registration.Trajectory) error {
	gt, err := registration.LoadGroundTruth(a.opts.GroundTruth)
	if err != nil {
		return err
	}
	var flips []registration.Axis
	for _, s := range a.opts.GroundTruthFlip {
		axis, err := registration.ParseAxis(s)
		if err != nil {
			return fmt.Errorf("--gt-flip: %w", err)
		}
		flips = append(flips, axis)
	}
	scale := a.opts.GroundTruthScale
	if scale == 0 {
		scale = 1
	}
	gt = registration.NormalizeGroundTruth(gt, scale, flips...)

	mean, n, err := commonPrefixL2Error(traj.Positions(), gt)
	if err != nil {
		return err
	}
	if n < traj.Len() {
		a.Log.Warnf("[RECON] ground truth has %d positions for %d frames, comparing the first %d", len(gt), traj.Len(), n)
	}
	// ground truth was scaled into frame units; scale back for the report
	fmt.Fprintf(a.out, "Mean L2 error over %d frames: %.4f (ground truth units), %.2f (frame units)\n", n, mean/scale, mean)
	return nil
}

// commonPrefixL2Error compares the first min(len(estimated), len(gt))
// positions and returns the mean distance and the number compared
func commonPrefixL2Error(estimated, gt []r3.Vector) (float64, int, error) {
	n := min(len(estimated), len(gt))
	mean, err := registration.MeanL2Error(estimated[:n], gt[:n])
	if err != nil {
		return 0, 0, err
	}
	return mean, n, nil
}

// writeOutputs writes map.pcd, trajectory.json, trajectory.geojson and the
// renders selected by the format option
func (a *App) writeOutputs(dir string, traj *registration.Trajectory, mapCloud registration.PointCloud, config *registration.Config) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	up, err := registration.ParseAxis(config.Registration.UpAxis)
	if err != nil {
		return err
	}

	if mapCloud.Len() > 0 {
		if err := registration.WritePCDFile(filepath.Join(dir, "map.pcd"), mapCloud); err != nil {
			return fmt.Errorf("writing map: %w", err)
		}
	}
	if err := registration.SaveTrajectory(filepath.Join(dir, "trajectory.json"), traj); err != nil {
		return err
	}

	fc := registration.TrajectoryToFeatureCollection(traj, mapCloud, up, config.Output.SimplifyTolerance)
	geo, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding geojson: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "trajectory.geojson"), geo, 0644); err != nil {
		return fmt.Errorf("writing geojson: %w", err)
	}

	format := a.opts.Format
	if format == "" {
		format = "both"
	}
	if format == "raster" || format == "both" {
		renderer := registration.NewBEVRenderer(mapCloud, traj, up)
		if err := renderer.SavePNG(filepath.Join(dir, "map.png")); err != nil {
			return fmt.Errorf("writing raster render: %w", err)
		}
	}
	if format == "vector" || format == "both" {
		vr := newVectorRenderer(mapCloud, traj, up, config)
		if err := writeFile(filepath.Join(dir, "map.svg"), vr.RenderToSVG); err != nil {
			return fmt.Errorf("writing SVG render: %w", err)
		}
		if err := writeFile(filepath.Join(dir, "map-vector.png"), vr.RenderToPNG); err != nil {
			return fmt.Errorf("writing vector PNG render: %w", err)
		}
	}

	fmt.Fprintf(a.out, "Outputs written to %s\n", dir)
	return nil
}

func writeFile(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// handleFrame adds a frame to the reconstruction, records the new state
// and publishes the pose when MQTT is available
func (a *App) handleFrame(ctx context.Context, frame registration.PointCloud) (registration.FrameResult, error) {
	res, err := a.Reconstructor.AddFrame(ctx, frame)
	if err != nil {
		return res, err
	}

	traj := a.Reconstructor.Trajectory()
	if err := a.StateTracker.Update(res, traj, a.Reconstructor.Map()); err != nil {
		a.Log.Warnf("[RECON] persisting trajectory: %v", err)
	}

	if a.Publisher != nil {
		if err := a.Publisher.PublishFrame(res, traj); err != nil {
			a.Log.Warnf("[MQTT] publishing frame %d: %v", res.Frame, err)
		}
	}
	return res, nil
}

// RunService runs MQTT ingest, the reconstructor and the HTTP server until
// ctx is cancelled or one of them fails
func (a *App) RunService(ctx context.Context) error {
	fmt.Fprintf(a.out, "pcreg %s service starting...\n", Version)

	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	ropts, err := config.ReconstructorOptions(a.Log)
	if err != nil {
		return err
	}
	a.Reconstructor = registration.NewReconstructor(ropts)

	if config.Output.TrajectoryCache != "" {
		a.StateTracker = registration.NewStateTrackerWithCache(config.Output.TrajectoryCache)
		a.StateTracker.OnSaveError(func(err error) {
			a.Log.Warnf("[RECON] trajectory cache %s: %v", config.Output.TrajectoryCache, err)
		})
		if cached := a.StateTracker.CachedTrajectory(); cached != nil {
			if err := a.Reconstructor.Resume(cached); err != nil {
				return err
			}
			a.Log.Infof("[RECON] resuming trajectory from %s at frame %d", config.Output.TrajectoryCache, cached.Len())
		}
	}

	frames := make(chan registration.PointCloud, frameQueueSize)
	if !a.opts.NoMQTT {
		mqttClient, err := registration.InitMQTT(config, a.frameHandler(frames), a.Log)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if mqttClient != nil {
			a.MQTTClient = mqttClient
			a.Publisher = registration.NewPublisher(mqttClient.GetClient(), config.MQTT.PublishPrefix, a.Log)
		}
	}
	defer func() {
		if a.MQTTClient != nil {
			a.MQTTClient.Disconnect()
		}
	}()

	addr := a.opts.HTTPAddr
	if addr == "" {
		addr = config.HTTP.Addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newHTTPServer(a.StateTracker, config, a.Log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.processFrames(gctx, frames)
	})
	g.Go(func() error {
		a.Log.Infof("[HTTP] starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	a.printServiceInfo(config, addr)

	err = g.Wait()
	fmt.Fprintln(a.out, "Service stopped")
	return err
}

// frameHandler queues decoded MQTT frames for processFrames. Undecodable
// payloads are dropped (the MQTT client already logged them), as are frames
// arriving while the queue is full.
func (a *App) frameHandler(frames chan<- registration.PointCloud) registration.FrameHandler {
	return func(topic string, rawPayload []byte, frame registration.PointCloud, err error) {
		if err != nil {
			return
		}
		select {
		case frames <- frame:
		default:
			a.Log.Warnf("[MQTT] frame queue full, dropping frame from %s (%d bytes)", topic, len(rawPayload))
		}
	}
}

// processFrames feeds queued frames to the reconstructor one at a time so
// each frame registers against its predecessor
func (a *App) processFrames(ctx context.Context, frames <-chan registration.PointCloud) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-frames:
			if _, err := a.handleFrame(ctx, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.Log.Warnf("[RECON] dropping frame: %v", err)
			}
		}
	}
}

func (a *App) printServiceInfo(config *registration.Config, addr string) {
	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")

	if a.MQTTClient != nil {
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintf(a.out, "  Subscribed to: %s\n", config.MQTT.FrameTopic)
		fmt.Fprintf(a.out, "  Publishing to: %s/pose, %s/trajectory\n", config.MQTT.PublishPrefix, config.MQTT.PublishPrefix)
	}

	fmt.Fprintf(a.out, "\nHTTP endpoints (%s):\n", addr)
	fmt.Fprintln(a.out, "  GET /health             - Health check")
	fmt.Fprintln(a.out, "  GET /pose               - Latest pose")
	fmt.Fprintln(a.out, "  GET /trajectory         - Trajectory JSON")
	fmt.Fprintln(a.out, "  GET /trajectory.geojson - Trajectory and map footprint")
	fmt.Fprintln(a.out, "  GET /map.png            - Top-down raster render")
	fmt.Fprintln(a.out, "  GET /map.svg            - Top-down vector render")
	fmt.Fprintln(a.out, "  GET /map.pcd            - Merged map cloud")

	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")
}
