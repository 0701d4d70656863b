package tracking

import (
	"math"

	"github.com/banshee-data/posefusion/internal/pose/fusion"
	"github.com/banshee-data/posefusion/internal/pose/geom"
)

// SmoothingConfig tunes the adaptive display blend.
type SmoothingConfig struct {
	BaseAlpha      float64
	PerMarkerAlpha float64 // added per marker beyond the first
	MaxBaseAlpha   float64

	MotionBoost      float64 // extra alpha at full motion
	MotionBoostDist  float64 // metres of movement for full boost
	MotionBoostAngle float64 // radians of rotation for full boost

	NoiseDamping float64 // alpha *= 1 - NoiseDamping*min(noise,1)
	MinAlpha     float64
	MaxAlpha     float64

	PosDeadband float64 // metres
	RotDeadband float64 // radians

	// Low-trust step limits.
	MaxTrustedLinearRate  float64 // m/s
	MaxTrustedAngularRate float64 // rad/s
	LowTrustConfidence    float64 // confidence EMA below this is low trust
	LowTrustSpread        float64 // spread EMA above this is low trust (metres)
	LowTrustViewDeg       float64 // view-angle EMA above this is low trust

	// Applied while the world anchor is locked.
	LockedAlphaScale  float64
	LockedPosDeadband float64
	LockedRotDeadband float64

	MinMeasurementDt float64 // seconds
	MaxMeasurementDt float64
}

// BlendInput is one smoothing step.
type BlendInput struct {
	PrevPos  geom.Vec
	PrevRot  geom.Quat
	FusedPos geom.Vec
	FusedRot geom.Quat

	MarkerCount int
	Noise       float64
	Stats       fusion.Stats
	Dt          float64 // seconds since the previous measurement

	Locked        bool
	Repositioning bool
}

// BlendResult is the smoothed pose and the alphas that produced it.
type BlendResult struct {
	Position geom.Vec
	Rotation geom.Quat
	PosAlpha float64
	RotAlpha float64
	LowTrust bool
}

// Smoother blends the previous displayed pose toward each fused pose.
type Smoother struct {
	Config SmoothingConfig
}

// ClampDt limits a measurement interval to the configured range.
func (s Smoother) ClampDt(dt float64) float64 {
	return geom.Clamp(dt, s.Config.MinMeasurementDt, s.Config.MaxMeasurementDt)
}

// LowTrust reports whether the current view is too weak to allow fast steps.
func (s Smoother) LowTrust(markerCount int, st fusion.Stats) bool {
	c := s.Config
	return markerCount <= 1 ||
		st.Confidence < c.LowTrustConfidence ||
		st.Spread > c.LowTrustSpread ||
		st.ViewAngle > c.LowTrustViewDeg
}

// Blend computes the next displayed pose.
func (s Smoother) Blend(in BlendInput) BlendResult {
	c := s.Config
	dt := s.ClampDt(in.Dt)

	posDelta := in.FusedPos.Distance(in.PrevPos)
	rotDelta := geom.Angle(in.PrevRot, in.FusedRot)

	posDeadband, rotDeadband := c.PosDeadband, c.RotDeadband
	if in.Locked && !in.Repositioning {
		posDeadband, rotDeadband = c.LockedPosDeadband, c.LockedRotDeadband
	}

	alpha := c.BaseAlpha
	if in.MarkerCount > 1 {
		alpha += c.PerMarkerAlpha * float64(in.MarkerCount-1)
	}
	alpha = math.Min(alpha, c.MaxBaseAlpha)

	var motion float64
	if c.MotionBoostDist > 0 {
		motion = math.Max(motion, posDelta/c.MotionBoostDist)
	}
	if c.MotionBoostAngle > 0 {
		motion = math.Max(motion, rotDelta/c.MotionBoostAngle)
	}
	alpha += c.MotionBoost * math.Min(motion, 1)

	alpha *= 1 - c.NoiseDamping*math.Min(in.Noise, 1)
	if in.Locked && !in.Repositioning {
		alpha *= c.LockedAlphaScale
	}
	alpha = geom.Clamp(alpha, c.MinAlpha, c.MaxAlpha)

	res := BlendResult{PosAlpha: alpha, RotAlpha: alpha}
	if posDelta < posDeadband {
		res.PosAlpha = 0
	}
	if rotDelta < rotDeadband {
		res.RotAlpha = 0
	}

	res.LowTrust = s.LowTrust(in.MarkerCount, in.Stats)
	if res.LowTrust && !in.Repositioning {
		if maxStep := c.MaxTrustedLinearRate * dt; posDelta*res.PosAlpha > maxStep && posDelta > 0 {
			res.PosAlpha = maxStep / posDelta
		}
		if maxTurn := c.MaxTrustedAngularRate * dt; rotDelta*res.RotAlpha > maxTurn && rotDelta > 0 {
			res.RotAlpha = maxTurn / rotDelta
		}
	}

	res.Position = in.PrevPos
	if res.PosAlpha > 0 {
		res.Position = geom.Lerp(in.PrevPos, in.FusedPos, res.PosAlpha)
	}
	res.Rotation = geom.Normalize(in.PrevRot)
	if res.RotAlpha > 0 {
		res.Rotation = geom.Slerp(in.PrevRot, in.FusedRot, res.RotAlpha)
	}
	return res
}
