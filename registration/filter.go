package registration

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/r3"
)

// Axis selects a coordinate of a position
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// String returns the lowercase axis name
func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// ParseAxis converts "x", "y" or "z" (any case) into an Axis
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x":
		return AxisX, nil
	case "y", "":
		return AxisY, nil
	case "z":
		return AxisZ, nil
	}
	return AxisY, fmt.Errorf("unknown axis %q", s)
}

func (a Axis) valid() bool {
	return a >= AxisX && a <= AxisZ
}

// component returns the coordinate of p along a
func (a Axis) component(p r3.Vector) float64 {
	switch a {
	case AxisX:
		return p.X
	case AxisZ:
		return p.Z
	default:
		return p.Y
	}
}

// Band is a closed interval [Low, High] along the up axis
type Band struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Contains reports whether v lies inside the band, bounds included
func (b Band) Contains(v float64) bool {
	return v >= b.Low && v <= b.High
}

// BandFromRatios computes the crop band from the cloud's own extent along
// axis: low = lowRatio*max + (1-lowRatio)*min, likewise for high.
func BandFromRatios(cloud PointCloud, axis Axis, lowRatio, upRatio float64) Band {
	if cloud.Len() == 0 {
		return Band{}
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range cloud.Positions {
		v := axis.component(p)
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return Band{
		Low:  lowRatio*hi + (1-lowRatio)*lo,
		High: upRatio*hi + (1-upRatio)*lo,
	}
}

// CropBand removes the floor and ceiling portions of a cloud. It returns the
// retained points together with the band used, so that a second cloud can be
// cropped with the same absolute thresholds.
func CropBand(cloud PointCloud, axis Axis, lowRatio, upRatio float64) (PointCloud, Band) {
	band := BandFromRatios(cloud, axis, lowRatio, upRatio)
	return CropBandThresholds(cloud, axis, band), band
}

// CropBandThresholds keeps the points whose axis coordinate lies in band
func CropBandThresholds(cloud PointCloud, axis Axis, band Band) PointCloud {
	return cloud.Select(bandIndices(cloud, axis, band))
}

func bandIndices(cloud PointCloud, axis Axis, band Band) []int {
	var idx []int
	for i, p := range cloud.Positions {
		if band.Contains(axis.component(p)) {
			idx = append(idx, i)
		}
	}
	return idx
}
