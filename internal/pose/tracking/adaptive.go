package tracking

import (
	"math"

	"github.com/banshee-data/posefusion/internal/pose/fusion"
	"github.com/banshee-data/posefusion/internal/pose/geom"
)

// Noise score weights and normalisers.
const (
	noiseConfidenceWeight = 0.60
	noiseSpreadWeight     = 0.30
	noiseViewWeight       = 0.10
	noiseSpreadScale      = 0.055 // metres
	noiseViewScale        = 80.0  // degrees
	maxNoiseScore         = 1.35
)

// Threshold scaling with noise.
const (
	trackWindowNoiseGain     = 0.8
	outlierNoiseShrink       = 0.35
	outlierAgreeFloorFactor  = 1.5
	confidenceNoiseGain      = 0.12
	confidenceViewGain       = 0.08
	confidenceViewOnsetDeg   = 45.0
	confidenceViewSpanDeg    = 35.0
	maxConfidenceThreshold   = 0.9
	obliqueSoftNoiseShrink   = 12.0 // degrees at noise 1
	obliqueRejectNoiseShrink = 10.0
	obliqueMinGapDeg         = 5.0
)

// AdaptiveConfig holds the base (low-noise) thresholds.
type AdaptiveConfig struct {
	Enabled             bool
	TrackWindow         float64 // metres
	OutlierDistance     float64 // metres
	AgreeDist           float64 // metres
	ConfidenceThreshold float64
	ObliqueSoftDeg      float64
	ObliqueRejectDeg    float64
}

// Thresholds are the per-frame values derived from the fusion EMAs.
type Thresholds struct {
	Noise               float64 `json:"noise"`
	TrackWindow         float64 `json:"track_window"`
	OutlierDistance     float64 `json:"outlier_distance"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	ObliqueSoftDeg      float64 `json:"oblique_soft_deg"`
	ObliqueRejectDeg    float64 `json:"oblique_reject_deg"`
}

// NoiseScore aggregates the fusion EMAs into a single degradation score in
// [0, 1.35].
func NoiseScore(s fusion.Stats) float64 {
	score := noiseConfidenceWeight*(1-s.Confidence) +
		noiseSpreadWeight*geom.Clamp(s.Spread/noiseSpreadScale, 0, 1.2) +
		noiseViewWeight*geom.Clamp(s.ViewAngle/noiseViewScale, 0, 1.1)
	return geom.Clamp(score, 0, maxNoiseScore)
}

// AdaptiveController scales base thresholds by the current noise score.
type AdaptiveController struct {
	Config AdaptiveConfig
}

// Fixed returns the base thresholds with no noise scaling.
func (c AdaptiveController) Fixed() Thresholds {
	return Thresholds{
		TrackWindow:         c.Config.TrackWindow,
		OutlierDistance:     c.Config.OutlierDistance,
		ConfidenceThreshold: c.Config.ConfidenceThreshold,
		ObliqueSoftDeg:      c.Config.ObliqueSoftDeg,
		ObliqueRejectDeg:    c.Config.ObliqueRejectDeg,
	}
}

// Thresholds derives this frame's thresholds from the fusion statistics.
// When adaptive tuning is disabled the base values are returned unchanged.
func (c AdaptiveController) Thresholds(s fusion.Stats) Thresholds {
	base := c.Fixed()
	if !c.Config.Enabled {
		return base
	}

	n := NoiseScore(s)
	out := Thresholds{Noise: n}

	out.TrackWindow = base.TrackWindow * (1 + trackWindowNoiseGain*n)

	out.OutlierDistance = base.OutlierDistance * (1 - outlierNoiseShrink*n)
	out.OutlierDistance = math.Max(out.OutlierDistance, outlierAgreeFloorFactor*c.Config.AgreeDist)

	view := geom.Clamp((s.ViewAngle-confidenceViewOnsetDeg)/confidenceViewSpanDeg, 0, 1)
	out.ConfidenceThreshold = base.ConfidenceThreshold + confidenceNoiseGain*n + confidenceViewGain*view
	out.ConfidenceThreshold = math.Min(out.ConfidenceThreshold, maxConfidenceThreshold)

	out.ObliqueSoftDeg = base.ObliqueSoftDeg - obliqueSoftNoiseShrink*n
	out.ObliqueRejectDeg = base.ObliqueRejectDeg - obliqueRejectNoiseShrink*n
	if out.ObliqueRejectDeg < out.ObliqueSoftDeg+obliqueMinGapDeg {
		out.ObliqueRejectDeg = out.ObliqueSoftDeg + obliqueMinGapDeg
	}
	return out
}
