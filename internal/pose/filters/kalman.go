// Package filters provides the standalone temporal filters used by the pose
// engine: independent-axis Kalman smoothers, an exponential slerp orientation
// filter, a velocity-extrapolating position filter and a minimal
// multiplicative orientation EKF.
//
// None of the filters are safe for concurrent use. Each engine owns its own
// instances.
package filters

import "github.com/golang/geo/r3"

// Default Kalman noise values, tuned for marker positions in metres.
const (
	DefaultKalmanProcessNoise     = 1e-4
	DefaultKalmanMeasurementNoise = 4e-3
	DefaultKalmanInitialVariance  = 1.0
)

// KalmanFilter1D is a constant-position scalar Kalman filter.
type KalmanFilter1D struct {
	Q float64 // process noise variance per update
	R float64 // measurement noise variance

	x           float64
	p           float64
	initialized bool
}

// NewKalmanFilter1D creates a scalar filter with the given noise variances.
// Non-positive values fall back to the package defaults.
func NewKalmanFilter1D(q, r float64) *KalmanFilter1D {
	if q <= 0 {
		q = DefaultKalmanProcessNoise
	}
	if r <= 0 {
		r = DefaultKalmanMeasurementNoise
	}
	return &KalmanFilter1D{Q: q, R: r, p: DefaultKalmanInitialVariance}
}

// Reset sets the estimate to x with the initial variance.
func (k *KalmanFilter1D) Reset(x float64) {
	k.x = x
	k.p = DefaultKalmanInitialVariance
	k.initialized = true
}

// Update folds measurement z into the estimate and returns the new estimate.
// The first update after construction adopts z directly.
func (k *KalmanFilter1D) Update(z float64) float64 {
	if !k.initialized {
		k.Reset(z)
		return k.x
	}
	k.p += k.Q
	gain := k.p / (k.p + k.R)
	k.x += gain * (z - k.x)
	k.p *= 1 - gain
	return k.x
}

// Value returns the current estimate.
func (k *KalmanFilter1D) Value() float64 { return k.x }

// Variance returns the current estimate variance.
func (k *KalmanFilter1D) Variance() float64 { return k.p }

// KalmanFilter3D runs three independent KalmanFilter1D instances, one per axis.
type KalmanFilter3D struct {
	x, y, z *KalmanFilter1D
}

// NewKalmanFilter3D creates a per-axis filter sharing the same noise values.
func NewKalmanFilter3D(q, r float64) *KalmanFilter3D {
	return &KalmanFilter3D{
		x: NewKalmanFilter1D(q, r),
		y: NewKalmanFilter1D(q, r),
		z: NewKalmanFilter1D(q, r),
	}
}

// Reset sets every axis to the matching component of v.
func (k *KalmanFilter3D) Reset(v r3.Vector) {
	k.x.Reset(v.X)
	k.y.Reset(v.Y)
	k.z.Reset(v.Z)
}

// Update filters a measured position.
func (k *KalmanFilter3D) Update(v r3.Vector) r3.Vector {
	return r3.Vector{X: k.x.Update(v.X), Y: k.y.Update(v.Y), Z: k.z.Update(v.Z)}
}

// Value returns the current estimate.
func (k *KalmanFilter3D) Value() r3.Vector {
	return r3.Vector{X: k.x.Value(), Y: k.y.Value(), Z: k.z.Value()}
}
