package filters

import (
	"math"

	"github.com/banshee-data/posefusion/internal/pose/geom"
)

// DefaultQuaternionTimeConstant is the smoothing time constant (seconds).
const DefaultQuaternionTimeConstant = 0.08

// QuaternionFilter smooths orientation by slerping toward each measurement
// with a confidence-scaled exponential blend factor.
type QuaternionFilter struct {
	// TimeConstant (tau, seconds). Larger values smooth more.
	TimeConstant float64

	current     geom.Quat
	initialized bool
}

// NewQuaternionFilter returns a filter with the given time constant.
func NewQuaternionFilter(tau float64) *QuaternionFilter {
	if tau <= 0 {
		tau = DefaultQuaternionTimeConstant
	}
	return &QuaternionFilter{TimeConstant: tau, current: geom.Identity()}
}

// Reset sets the current orientation.
func (f *QuaternionFilter) Reset(q geom.Quat) {
	f.current = geom.Normalize(q)
	f.initialized = true
}

// Current returns the filtered orientation.
func (f *QuaternionFilter) Current() geom.Quat { return f.current }

// Alpha returns the blend factor used for a step of dt seconds at the given
// confidence.
func (f *QuaternionFilter) Alpha(dt, confidence float64) float64 {
	if dt <= 0 || confidence <= 0 {
		return 0
	}
	alpha := (1 - math.Exp(-dt/f.TimeConstant)) * confidence
	return math.Min(1, alpha)
}

// Update blends toward measured and returns the new orientation, always unit
// length. The first call on an uninitialised filter adopts measured.
func (f *QuaternionFilter) Update(measured geom.Quat, dt, confidence float64) geom.Quat {
	measured = geom.Normalize(measured)
	if !f.initialized {
		f.Reset(measured)
		return f.current
	}

	if geom.Dot(f.current, measured) < 0 {
		measured = geom.Negate(measured)
	}
	f.current = geom.Normalize(geom.Slerp(f.current, measured, f.Alpha(dt, confidence)))
	return f.current
}
