package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunRegister(context.Context) error {
	m.called["RunRegister"] = true
	return nil
}
func (m *mockApp) RunReconstruct(context.Context) error {
	m.called["RunReconstruct"] = true
	return nil
}
func (m *mockApp) RunService(context.Context) error {
	m.called["RunService"] = true
	return nil
}

func TestRun_Commands(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Register",
			args:           []string{"register", "a.pcd", "b.pcd", "--json", "-o", "aligned.pcd"},
			expectedCalled: "RunRegister",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Source != "a.pcd" || opts.Target != "b.pcd" {
					t.Errorf("expected a.pcd -> b.pcd, got %s -> %s", opts.Source, opts.Target)
				}
				if !opts.JSONOutput {
					t.Error("expected JSONOutput true")
				}
				if opts.OutputFile != "aligned.pcd" {
					t.Errorf("expected OutputFile aligned.pcd, got %s", opts.OutputFile)
				}
			},
		},
		{
			name:           "Reconstruct",
			args:           []string{"reconstruct", "--data-dir", "/tmp/frames", "--ground-truth", "gt.json", "--gt-scale", "1", "--gt-flip", "x,z"},
			expectedCalled: "RunReconstruct",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.DataDir != "/tmp/frames" {
					t.Errorf("expected DataDir /tmp/frames, got %s", opts.DataDir)
				}
				if opts.GroundTruth != "gt.json" {
					t.Errorf("expected GroundTruth gt.json, got %s", opts.GroundTruth)
				}
				if opts.GroundTruthScale != 1 {
					t.Errorf("expected GroundTruthScale 1, got %f", opts.GroundTruthScale)
				}
				if strings.Join(opts.GroundTruthFlip, ",") != "x,z" {
					t.Errorf("expected GroundTruthFlip [x z], got %v", opts.GroundTruthFlip)
				}
				if opts.Format != "both" {
					t.Errorf("expected default Format both, got %s", opts.Format)
				}
			},
		},
		{
			name:           "ReconstructVector",
			args:           []string{"reconstruct", "--format", "vector", "--output-dir", "out"},
			expectedCalled: "RunReconstruct",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Format != "vector" {
					t.Errorf("expected Format vector, got %s", opts.Format)
				}
				if opts.OutputDir != "out" {
					t.Errorf("expected OutputDir out, got %s", opts.OutputDir)
				}
				if opts.GroundTruthScale != 1000 {
					t.Errorf("expected default GroundTruthScale 1000, got %f", opts.GroundTruthScale)
				}
				if strings.Join(opts.GroundTruthFlip, ",") != "y,z" {
					t.Errorf("expected default GroundTruthFlip [y z], got %v", opts.GroundTruthFlip)
				}
			},
		},
		{
			name:           "Serve",
			args:           []string{"serve", "--http-addr", ":9090", "--no-mqtt", "--config", "svc.yaml", "--log-level", "debug", "--log-json"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.HTTPAddr != ":9090" {
					t.Errorf("expected HTTPAddr :9090, got %s", opts.HTTPAddr)
				}
				if !opts.NoMQTT {
					t.Error("expected NoMQTT true")
				}
				if opts.ConfigFile != "svc.yaml" {
					t.Errorf("expected ConfigFile svc.yaml, got %s", opts.ConfigFile)
				}
				if opts.LogLevel != "debug" || !opts.LogJSON {
					t.Errorf("expected debug JSON logging, got %s json=%v", opts.LogLevel, opts.LogJSON)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			if err := run(context.Background(), tt.args, &out, app); err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}
			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_DefaultConfigFile(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(context.Background(), []string{"serve"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if app.opts.ConfigFile != "config.yaml" {
		t.Errorf("expected default config.yaml, got %s", app.opts.ConfigFile)
	}
	if app.opts.LogLevel != "info" {
		t.Errorf("expected default log level info, got %s", app.opts.LogLevel)
	}
}

func TestRun_Version(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(context.Background(), []string{"version"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "pcreg version: "+Version) {
		t.Errorf("expected version in output, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("version should not run the app, called %v", app.called)
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--help"}, &out, app); err != nil {
		t.Fatalf("--help failed: %v", err)
	}
	if !strings.Contains(out.String(), "Usage:") || !strings.Contains(out.String(), "reconstruct") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"register missing target", []string{"register", "a.pcd"}},
		{"unknown command", []string{"calibrate"}},
		{"unknown flag", []string{"serve", "--mqtt-port", "1"}},
		{"reconstruct extra arg", []string{"reconstruct", "dir"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			if err := run(context.Background(), tt.args, &out, app); err == nil {
				t.Error("expected error")
			}
			if len(app.called) != 0 {
				t.Errorf("app should not run, called %v", app.called)
			}
		})
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
