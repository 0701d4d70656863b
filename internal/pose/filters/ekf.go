package filters

import (
	"github.com/golang/geo/r3"

	"github.com/banshee-data/posefusion/internal/pose/geom"
)

// EKFConfig holds the noise parameters for QuaternionEKF.
type EKFConfig struct {
	ProcessNoiseOri  float64 // orientation variance growth per second (rad²/s)
	ProcessNoiseBias float64 // bias variance growth per second
	MeasurementNoise float64 // orientation measurement variance (rad²)
	InitialOri       float64
	InitialBias      float64
}

// DefaultEKFConfig returns noise values suited to marker-derived orientation
// at 20-60 Hz.
func DefaultEKFConfig() EKFConfig {
	return EKFConfig{
		ProcessNoiseOri:  0.05,
		ProcessNoiseBias: 1e-4,
		MeasurementNoise: 0.01,
		InitialOri:       1.0,
		InitialBias:      0.01,
	}
}

// EKFCovariance is the scalar-diagonal covariance approximation.
type EKFCovariance struct {
	Ori  float64
	Bias float64
}

// QuaternionEKF is a minimal multiplicative EKF over orientation and gyro
// bias. The bias is carried in the state and subtracted during prediction but
// is not corrected by measurements; it stays at whatever SetBias assigned.
type QuaternionEKF struct {
	cfg EKFConfig

	q    geom.Quat
	bias r3.Vector
	p    EKFCovariance
}

// NewQuaternionEKF creates a filter at identity orientation.
func NewQuaternionEKF(cfg EKFConfig) *QuaternionEKF {
	e := &QuaternionEKF{cfg: cfg}
	e.Reset(geom.Identity())
	return e
}

// Reset sets the orientation and restores the initial covariance.
func (e *QuaternionEKF) Reset(q geom.Quat) {
	e.q = geom.Normalize(q)
	e.bias = r3.Vector{}
	e.p = EKFCovariance{Ori: e.cfg.InitialOri, Bias: e.cfg.InitialBias}
}

// Orientation returns the current estimate.
func (e *QuaternionEKF) Orientation() geom.Quat { return e.q }

// Covariance returns the current covariance.
func (e *QuaternionEKF) Covariance() EKFCovariance { return e.p }

// Bias returns the gyro bias estimate.
func (e *QuaternionEKF) Bias() r3.Vector { return e.bias }

// SetBias assigns a known gyro bias.
func (e *QuaternionEKF) SetBias(b r3.Vector) { e.bias = b }

// Predict integrates the angular rate omega (rad/s, body frame) over dt.
func (e *QuaternionEKF) Predict(omega r3.Vector, dt float64) geom.Quat {
	if dt <= 0 {
		return e.q
	}
	delta := geom.FromRotationVector(omega.Sub(e.bias).Mul(dt))
	e.q = geom.Normalize(geom.Mul(e.q, delta))
	e.p.Ori += e.cfg.ProcessNoiseOri * dt
	e.p.Bias += e.cfg.ProcessNoiseBias * dt
	return e.q
}

// Update corrects the orientation toward a measured orientation.
func (e *QuaternionEKF) Update(measured geom.Quat) geom.Quat {
	measured = geom.Normalize(measured)
	qe := geom.Mul(measured, geom.Conj(e.q))
	if qe.Real < 0 {
		qe = geom.Negate(qe)
	}

	gain := e.p.Ori / (e.p.Ori + e.cfg.MeasurementNoise)
	corr := geom.Normalize(geom.NewQuat(qe.Imag*gain, qe.Jmag*gain, qe.Kmag*gain, 1))
	e.q = geom.Normalize(geom.Mul(corr, e.q))
	e.p.Ori *= 1 - gain
	return e.q
}
