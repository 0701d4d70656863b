// Package markers turns raw fiducial detections into object-pose candidates.
package markers

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Source identifies the pose backend that produced an observation.
type Source string

const (
	SourcePOSIT     Source = "posit"
	SourceOpenCVPnP Source = "opencv-pnp"
	SourceMixed     Source = "mixed"
)

// ParseSource validates a detector source name.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourcePOSIT, SourceOpenCVPnP, SourceMixed:
		return Source(s), nil
	case "":
		return SourcePOSIT, nil
	}
	return "", fmt.Errorf("unknown marker source %q", s)
}

// Point is a pixel coordinate.
type Point struct {
	X, Y float64
}

// CameraPose is a raw camera-space pose: a Rodrigues rotation vector and a
// translation in metres.
type CameraPose struct {
	Rvec r3.Vector
	Tvec r3.Vector
}

// Observation is one marker detected in one frame. Observations are immutable
// once built and live for a single fusion pass.
type Observation struct {
	ID             int
	Corners        [4]Point
	Pose           *CameraPose // nil when pose estimation failed
	PoseError      float64
	Confidence     float64
	CameraAngleDeg float64
	Source         Source
}

// Perimeter returns the closed corner polygon perimeter in pixels.
func (o Observation) Perimeter() float64 {
	var p float64
	for i := range o.Corners {
		a := o.Corners[i]
		b := o.Corners[(i+1)%len(o.Corners)]
		p += math.Hypot(b.X-a.X, b.Y-a.Y)
	}
	return p
}

// SquareCorners returns corners of an axis-aligned square of the given side
// length centred on (cx, cy), in clockwise image order.
func SquareCorners(cx, cy, side float64) [4]Point {
	h := side / 2
	return [4]Point{
		{X: cx - h, Y: cy - h},
		{X: cx + h, Y: cy - h},
		{X: cx + h, Y: cy + h},
		{X: cx - h, Y: cy + h},
	}
}
