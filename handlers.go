package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tdewolff/canvas"
	"go.uber.org/zap"

	"github.com/kwv/pcreg/registration"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(stateTracker *registration.StateTracker, config *registration.Config, log *zap.SugaredLogger) http.Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if config == nil {
		config = registration.DefaultConfig()
	}
	up, err := registration.ParseAxis(config.Registration.UpAxis)
	if err != nil {
		up = registration.AxisY
	}

	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Warnf("[HTTP] encoding response: %v", err)
		}
	}

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("[HTTP] /health request from %s", r.RemoteAddr)
		snap := stateTracker.Snapshot()
		writeJSON(w, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Frames    int       `json:"frames"`
			HasMap    bool      `json:"hasMap"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Frames:    snap.Frames,
			HasMap:    stateTracker.HasMap(),
		})
	})

	// Latest pose with the diagnostics of the last registration
	mux.HandleFunc("/pose", func(w http.ResponseWriter, r *http.Request) {
		snap := stateTracker.Snapshot()
		if snap.LastFrame == nil {
			http.Error(w, "No frames registered", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, snap)
	})

	mux.HandleFunc("/trajectory", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, stateTracker.GetTrajectory())
	})

	mux.HandleFunc("/trajectory.geojson", func(w http.ResponseWriter, r *http.Request) {
		fc := registration.TrajectoryToFeatureCollection(stateTracker.GetTrajectory(), stateTracker.GetMap(), up, config.Output.SimplifyTolerance)
		data, err := fc.MarshalJSON()
		if err != nil {
			log.Warnf("[HTTP] encoding geojson: %v", err)
			http.Error(w, "Failed to encode GeoJSON", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})

	// Top-down raster render
	mux.HandleFunc("/map.png", func(w http.ResponseWriter, r *http.Request) {
		if !stateTracker.HasMap() {
			http.Error(w, "No map available", http.StatusServiceUnavailable)
			return
		}
		renderer := registration.NewBEVRenderer(stateTracker.GetMap(), stateTracker.GetTrajectory(), up)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.EncodePNG(w); err != nil {
			log.Warnf("[HTTP] encoding map PNG: %v", err)
		}
	})

	// Top-down vector render
	mux.HandleFunc("/map.svg", func(w http.ResponseWriter, r *http.Request) {
		if !stateTracker.HasMap() {
			http.Error(w, "No map available", http.StatusServiceUnavailable)
			return
		}
		vr := newVectorRenderer(stateTracker.GetMap(), stateTracker.GetTrajectory(), up, config)
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := vr.RenderToSVG(w); err != nil {
			log.Warnf("[HTTP] rendering map SVG: %v", err)
		}
	})

	// Merged map as a binary PCD document
	mux.HandleFunc("/map.pcd", func(w http.ResponseWriter, r *http.Request) {
		if !stateTracker.HasMap() {
			http.Error(w, "No map available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="map.pcd"`)
		if err := registration.WritePCD(w, stateTracker.GetMap()); err != nil {
			log.Warnf("[HTTP] writing map PCD: %v", err)
		}
	})

	return mux
}

// newVectorRenderer applies the output settings of config to a vector renderer
func newVectorRenderer(m registration.PointCloud, traj *registration.Trajectory, up registration.Axis, config *registration.Config) *registration.VectorRenderer {
	vr := registration.NewVectorRenderer(m, traj, up)
	if config.Output.GridSpacing > 0 {
		vr.GridSpacing = config.Output.GridSpacing
	}
	if config.Output.VectorResolution > 0 {
		vr.Resolution = canvas.DPMM(config.Output.VectorResolution)
	}
	if config.Output.SimplifyTolerance > 0 {
		vr.Tolerance = config.Output.SimplifyTolerance
	}
	return vr
}
