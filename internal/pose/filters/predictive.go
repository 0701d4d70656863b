package filters

import (
	"math"

	"github.com/golang/geo/r3"
)

// minVelocityDt is the smallest measurement interval (seconds) used for a
// velocity sample. Shorter intervals amplify detector jitter.
const minVelocityDt = 0.001

// PredictiveConfig holds the tuning parameters for PredictivePositionFilter.
type PredictiveConfig struct {
	Responsiveness    float64 // position blend factor at confidence 1 [0,1]
	VelocitySmoothing float64 // EMA factor for new velocity samples [0,1]
	MaxVelocity       float64 // m/s clamp on instantaneous velocity
	PositionDeadband  float64 // metres; smaller deltas are treated as rest
	VelocityDamping   float64 // velocity multiplier applied at rest and after each predict
	MaxPredictionDt   float64 // seconds; longest extrapolation interval
	PredictionFactor  float64 // fraction of velocity used when extrapolating
	MaxPredictionStep float64 // metres; longest single extrapolation step
}

// DefaultPredictiveConfig returns the desktop tuning.
func DefaultPredictiveConfig() PredictiveConfig {
	return PredictiveConfig{
		Responsiveness:    0.35,
		VelocitySmoothing: 0.3,
		MaxVelocity:       3.0,
		PositionDeadband:  0.0005,
		VelocityDamping:   0.85,
		MaxPredictionDt:   0.05,
		PredictionFactor:  0.8,
		MaxPredictionStep: 0.02,
	}
}

// PredictivePositionFilter follows measured positions with an EMA and keeps a
// smoothed velocity estimate so render frames between detections can
// extrapolate.
type PredictivePositionFilter struct {
	cfg PredictiveConfig

	current     r3.Vector
	velocity    r3.Vector
	lastMeas    r3.Vector
	hasLastMeas bool
	initialized bool
}

// NewPredictivePositionFilter creates a filter using cfg.
func NewPredictivePositionFilter(cfg PredictiveConfig) *PredictivePositionFilter {
	return &PredictivePositionFilter{cfg: cfg}
}

// Config returns the filter configuration.
func (f *PredictivePositionFilter) Config() PredictiveConfig { return f.cfg }

// SetConfig replaces the tuning parameters without touching state.
func (f *PredictivePositionFilter) SetConfig(cfg PredictiveConfig) { f.cfg = cfg }

// Reset sets the position to v and clears velocity history.
func (f *PredictivePositionFilter) Reset(v r3.Vector) {
	f.current = v
	f.velocity = r3.Vector{}
	f.lastMeas = v
	f.hasLastMeas = true
	f.initialized = true
}

// Current returns the filtered position.
func (f *PredictivePositionFilter) Current() r3.Vector { return f.current }

// Velocity returns the smoothed velocity estimate (m/s).
func (f *PredictivePositionFilter) Velocity() r3.Vector { return f.velocity }

// Update folds a measurement taken dt seconds after the previous one.
func (f *PredictivePositionFilter) Update(measured r3.Vector, dt, confidence float64) r3.Vector {
	if !f.initialized {
		f.Reset(measured)
		return f.current
	}

	if f.hasLastMeas && dt > minVelocityDt {
		inst := measured.Sub(f.lastMeas).Mul(1 / dt)
		if speed := inst.Norm(); f.cfg.MaxVelocity > 0 && speed > f.cfg.MaxVelocity {
			inst = inst.Mul(f.cfg.MaxVelocity / speed)
		}
		s := f.cfg.VelocitySmoothing
		f.velocity = f.velocity.Mul(1 - s).Add(inst.Mul(s))
	}
	f.lastMeas = measured
	f.hasLastMeas = true

	if measured.Sub(f.current).Norm() < f.cfg.PositionDeadband {
		f.velocity = f.velocity.Mul(f.cfg.VelocityDamping)
		return f.current
	}

	alpha := math.Min(1, f.cfg.Responsiveness*confidence)
	if alpha < 0 {
		alpha = 0
	}
	f.current = f.current.Add(measured.Sub(f.current).Mul(alpha))
	return f.current
}

// Predict extrapolates the position by dt seconds along the smoothed velocity.
// It reports false when the filter has never seen a measurement.
func (f *PredictivePositionFilter) Predict(dt float64) (r3.Vector, bool) {
	if !f.initialized {
		return r3.Vector{}, false
	}
	if dt <= 0 {
		return f.current, true
	}

	step := f.velocity.Mul(math.Min(dt, f.cfg.MaxPredictionDt) * f.cfg.PredictionFactor)
	if n := step.Norm(); f.cfg.MaxPredictionStep > 0 && n > f.cfg.MaxPredictionStep {
		step = step.Mul(f.cfg.MaxPredictionStep / n)
	}
	f.current = f.current.Add(step)
	f.velocity = f.velocity.Mul(f.cfg.VelocityDamping)
	return f.current, true
}
