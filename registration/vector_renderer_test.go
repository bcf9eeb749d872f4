package registration

import (
	"bytes"
	"errors"
	"image/png"
	"testing"

	"github.com/tdewolff/canvas"
)

// millimeterRoom returns roomCloud scaled to millimeters
func millimeterRoom(spacing float64) PointCloud {
	c := roomCloud(spacing)
	for i := range c.Positions {
		c.Positions[i] = c.Positions[i].Mul(1000)
	}
	return c
}

func millimeterTrajectory() *Trajectory {
	traj := NewTrajectory()
	traj.Append(Translation(500, 0, 0), RegistrationResult{State: StateConverged})
	traj.Append(Translation(0, 0, 500), RegistrationResult{State: StateConverged})
	return traj
}

func TestVectorRenderer_RenderToSVG(t *testing.T) {
	r := NewVectorRenderer(millimeterRoom(0.2), millimeterTrajectory(), AxisY)

	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err != nil {
		t.Fatalf("Failed to render to SVG: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("SVG output is empty")
	}
	if !bytes.Contains(buf.Bytes(), []byte("<svg")) {
		t.Errorf("Output does not contain <svg tag")
	}
	if !bytes.Contains(buf.Bytes(), []byte("path")) {
		t.Errorf("Output does not contain path elements")
	}
}

func TestVectorRenderer_RenderToPNG(t *testing.T) {
	r := NewVectorRenderer(millimeterRoom(0.2), millimeterTrajectory(), AxisY)
	r.Resolution = canvas.DPMM(0.05)

	var buf bytes.Buffer
	if err := r.RenderToPNG(&buf); err != nil {
		t.Fatalf("Failed to render to PNG: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}

	// 4000mm + 2*500mm padding at 0.05 px/mm
	if w := img.Bounds().Dx(); w < 245 || w > 255 {
		t.Errorf("width = %d, want ~250", w)
	}
}

func TestVectorRenderer_PNGSizeLimit(t *testing.T) {
	r := NewVectorRenderer(millimeterRoom(0.5), nil, AxisY)
	r.Resolution = canvas.DPMM(100)

	var buf bytes.Buffer
	if err := r.RenderToPNG(&buf); err != nil {
		t.Fatalf("Failed to render to PNG: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}
	b := img.Bounds()
	if b.Dx() > maxRenderSize+1 || b.Dy() > maxRenderSize+1 {
		t.Errorf("image %dx%d exceeds limit", b.Dx(), b.Dy())
	}
}

func TestVectorRenderer_TrajectoryOnly(t *testing.T) {
	r := NewVectorRenderer(PointCloud{}, millimeterTrajectory(), AxisY)

	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err != nil {
		t.Fatalf("Failed to render trajectory only: %v", err)
	}
}

func TestVectorRenderer_Empty(t *testing.T) {
	r := NewVectorRenderer(PointCloud{}, nil, AxisY)

	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); !errors.Is(err, ErrNothingToRender) {
		t.Errorf("RenderToSVG error = %v, want ErrNothingToRender", err)
	}
	if err := r.RenderToPNG(&buf); !errors.Is(err, ErrNothingToRender) {
		t.Errorf("RenderToPNG error = %v, want ErrNothingToRender", err)
	}
}

func TestSnapCoord(t *testing.T) {
	tests := []struct {
		coord, inc, want float64
	}{
		{123, 50, 100},
		{126, 50, 150},
		{-74, 50, -50},
		{123.4, 0, 123.4},
	}
	for _, tt := range tests {
		if got := snapCoord(tt.coord, tt.inc); got != tt.want {
			t.Errorf("snapCoord(%v, %v) = %v, want %v", tt.coord, tt.inc, got, tt.want)
		}
	}
}
