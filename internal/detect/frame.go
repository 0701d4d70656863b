// Package detect receives marker detection frames from an external detector
// and decodes them into tracking frames.
package detect

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/posefusion/internal/pose/markers"
	"github.com/banshee-data/posefusion/internal/pose/tracking"
)

// Frame is one decoded detection frame, ready for the tracking runner.
type Frame = tracking.Frame

// ErrMalformedFrame is wrapped by every ParseFrame validation failure.
var ErrMalformedFrame = errors.New("malformed detection frame")

// wireFrame is one JSON detection frame as emitted by the detector.
type wireFrame struct {
	TimestampMs int64        `json:"ts_ms"`
	Markers     []wireMarker `json:"markers"`
}

type wireMarker struct {
	ID             int          `json:"id"`
	Corners        [][2]float64 `json:"corners"`
	Rvec           []float64    `json:"rvec,omitempty"`
	Tvec           []float64    `json:"tvec,omitempty"`
	PoseError      float64      `json:"pose_error"`
	Confidence     float64      `json:"confidence"`
	CameraAngleDeg float64      `json:"camera_angle_deg"`
	Source         string       `json:"source,omitempty"`
}

// ParseFrame decodes one JSON detection frame. A zero ts_ms leaves Frame.At
// zero so the runner stamps it on arrival.
func ParseFrame(data []byte) (Frame, error) {
	var wf wireFrame
	if err := json.Unmarshal(data, &wf); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	frame := Frame{Observations: make([]markers.Observation, 0, len(wf.Markers))}
	if wf.TimestampMs > 0 {
		frame.At = time.UnixMilli(wf.TimestampMs)
	}
	for i, m := range wf.Markers {
		obs, err := m.observation()
		if err != nil {
			return Frame{}, fmt.Errorf("%w: marker %d: %v", ErrMalformedFrame, i, err)
		}
		frame.Observations = append(frame.Observations, obs)
	}
	return frame, nil
}

func (m wireMarker) observation() (markers.Observation, error) {
	if m.ID < 0 {
		return markers.Observation{}, fmt.Errorf("negative id %d", m.ID)
	}
	if len(m.Corners) != 4 {
		return markers.Observation{}, fmt.Errorf("id %d: expected 4 corners, got %d", m.ID, len(m.Corners))
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return markers.Observation{}, fmt.Errorf("id %d: confidence %.3f outside [0,1]", m.ID, m.Confidence)
	}
	if m.PoseError < 0 {
		return markers.Observation{}, fmt.Errorf("id %d: negative pose error", m.ID)
	}
	src, err := markers.ParseSource(m.Source)
	if err != nil {
		return markers.Observation{}, fmt.Errorf("id %d: %v", m.ID, err)
	}

	obs := markers.Observation{
		ID:             m.ID,
		PoseError:      m.PoseError,
		Confidence:     m.Confidence,
		CameraAngleDeg: m.CameraAngleDeg,
		Source:         src,
	}
	for i, c := range m.Corners {
		obs.Corners[i] = markers.Point{X: c[0], Y: c[1]}
	}

	switch {
	case len(m.Rvec) == 0 && len(m.Tvec) == 0:
		// pose estimation failed upstream
	case len(m.Rvec) == 3 && len(m.Tvec) == 3:
		obs.Pose = &markers.CameraPose{
			Rvec: r3.Vector{X: m.Rvec[0], Y: m.Rvec[1], Z: m.Rvec[2]},
			Tvec: r3.Vector{X: m.Tvec[0], Y: m.Tvec[1], Z: m.Tvec[2]},
		}
	default:
		return markers.Observation{}, fmt.Errorf("id %d: rvec and tvec must both have 3 elements", m.ID)
	}
	return obs, nil
}

// EncodeFrame is the inverse of ParseFrame. It is used by the replay tooling
// to write captures.
func EncodeFrame(f Frame) ([]byte, error) {
	wf := wireFrame{Markers: make([]wireMarker, 0, len(f.Observations))}
	if !f.At.IsZero() {
		wf.TimestampMs = f.At.UnixMilli()
	}
	for _, o := range f.Observations {
		m := wireMarker{
			ID:             o.ID,
			Corners:        make([][2]float64, len(o.Corners)),
			PoseError:      o.PoseError,
			Confidence:     o.Confidence,
			CameraAngleDeg: o.CameraAngleDeg,
			Source:         string(o.Source),
		}
		for i, c := range o.Corners {
			m.Corners[i] = [2]float64{c.X, c.Y}
		}
		if o.Pose != nil {
			m.Rvec = []float64{o.Pose.Rvec.X, o.Pose.Rvec.Y, o.Pose.Rvec.Z}
			m.Tvec = []float64{o.Pose.Tvec.X, o.Pose.Tvec.Y, o.Pose.Tvec.Z}
		}
		wf.Markers = append(wf.Markers, m)
	}
	return json.Marshal(wf)
}
