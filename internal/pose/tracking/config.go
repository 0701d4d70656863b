package tracking

import (
	"fmt"
	"time"

	"github.com/banshee-data/posefusion/internal/config"
	"github.com/banshee-data/posefusion/internal/pose/filters"
	"github.com/banshee-data/posefusion/internal/pose/geom"
)

// FilterMode selects the temporal filter applied after fusion.
type FilterMode string

const (
	FilterAdaptive   FilterMode = "adaptive"
	FilterKalman     FilterMode = "kalman"
	FilterPredictive FilterMode = "predictive"
	FilterEKF        FilterMode = "ekf"
)

// ParseFilterMode validates a filter mode name.
func ParseFilterMode(s string) (FilterMode, error) {
	switch FilterMode(s) {
	case FilterAdaptive, FilterKalman, FilterPredictive, FilterEKF:
		return FilterMode(s), nil
	case "":
		return FilterAdaptive, nil
	}
	return "", fmt.Errorf("unknown filter mode %q", s)
}

// EngineConfig holds everything the engine needs. Build it from a tuning
// file with EngineConfigFromTuning.
type EngineConfig struct {
	FilterMode    FilterMode
	FusionEnabled bool // false: only the best candidate is used
	PositionOnly  bool // true: orientation is held at identity
	Debug         bool

	MinMarkerPerimeter    float64 // pixels
	MaxPoseErrorForFusion float64
	AnchorIDs             map[int]bool
	AnchorBoost           float64
	ObliqueWeightFloor    float64
	MaxPositionJump       float64 // metres; larger fused jumps snap instead of blending

	Adaptive AdaptiveConfig

	FusionMaxPasses   int
	FusionSigmaFactor float64
	MedianWindow      int
	StatsAlpha        float64

	Smoothing SmoothingConfig
	Anchor    AnchorConfig

	LostHysteresis time.Duration
	RenderInterval time.Duration

	Predictive             filters.PredictiveConfig
	QuaternionTimeConstant float64
	KalmanProcessNoise     float64
	KalmanMeasurementNoise float64
	EKF                    filters.EKFConfig
}

// DefaultEngineConfig returns the configuration for the built-in desktop
// preset.
func DefaultEngineConfig() EngineConfig {
	return EngineConfigFromTuning(config.MustLoadPreset(config.PresetDesktop))
}

// EngineConfigFromTuning builds an EngineConfig from a loaded TuningConfig.
func EngineConfigFromTuning(cfg *config.TuningConfig) EngineConfig {
	mode, err := ParseFilterMode(cfg.GetFilterMode())
	if err != nil {
		mode = FilterAdaptive
	}
	anchorIDs := make(map[int]bool, len(cfg.AnchorIDs))
	for _, id := range cfg.AnchorIDs {
		anchorIDs[id] = true
	}

	return EngineConfig{
		FilterMode:    mode,
		FusionEnabled: cfg.GetFusionEnabled(),
		PositionOnly:  cfg.GetPositionOnly(),
		Debug:         cfg.GetDebug(),

		MinMarkerPerimeter:    cfg.GetMinMarkerPerimeter(),
		MaxPoseErrorForFusion: cfg.GetMaxPoseErrorForFusion(),
		AnchorIDs:             anchorIDs,
		AnchorBoost:           cfg.GetAnchorBoost(),
		ObliqueWeightFloor:    cfg.GetObliqueWeightFloor(),
		MaxPositionJump:       cfg.GetMaxPositionJump(),

		Adaptive: AdaptiveConfig{
			Enabled:             cfg.GetAdaptiveTuningEnabled(),
			TrackWindow:         cfg.GetFusionTrackWindow(),
			OutlierDistance:     cfg.GetMarkerOutlierDistance(),
			AgreeDist:           cfg.GetFusionAgreeDist(),
			ConfidenceThreshold: cfg.GetMarkerConfidenceThreshold(),
			ObliqueSoftDeg:      cfg.GetObliqueSoftDeg(),
			ObliqueRejectDeg:    cfg.GetObliqueRejectDeg(),
		},

		FusionMaxPasses:   cfg.GetFusionMaxPasses(),
		FusionSigmaFactor: cfg.GetFusionSigmaFactor(),
		MedianWindow:      cfg.GetMedianWindow(),
		StatsAlpha:        cfg.GetStatsAlpha(),

		Smoothing: SmoothingConfig{
			BaseAlpha:             cfg.GetSmoothingBaseAlpha(),
			PerMarkerAlpha:        cfg.GetSmoothingPerMarkerAlpha(),
			MaxBaseAlpha:          cfg.GetSmoothingMaxBaseAlpha(),
			MotionBoost:           cfg.GetMotionBoost(),
			MotionBoostDist:       cfg.GetMotionBoostDist(),
			MotionBoostAngle:      geom.Radians(cfg.GetMotionBoostAngleDeg()),
			NoiseDamping:          cfg.GetNoiseDamping(),
			MinAlpha:              0.05,
			MaxAlpha:              1,
			PosDeadband:           cfg.GetPositionDeadband(),
			RotDeadband:           geom.Radians(cfg.GetRotationDeadbandDeg()),
			MaxTrustedLinearRate:  cfg.GetMaxTrustedLinearRate(),
			MaxTrustedAngularRate: cfg.GetMaxTrustedAngularRate(),
			LowTrustConfidence:    cfg.GetLowTrustConfidence(),
			LowTrustSpread:        cfg.GetLowTrustSpread(),
			LowTrustViewDeg:       cfg.GetLowTrustViewDeg(),
			LockedAlphaScale:      cfg.GetLockedAlphaScale(),
			LockedPosDeadband:     cfg.GetLockedPositionDeadband(),
			LockedRotDeadband:     geom.Radians(cfg.GetLockedRotationDeadbandDeg()),
			MinMeasurementDt:      1.0 / 120,
			MaxMeasurementDt:      0.25,
		},

		Anchor: AnchorConfig{
			Enabled:              cfg.GetWorldAnchorEnabled(),
			BuildupTarget:        cfg.GetWorldAnchorBuildupTarget(),
			MaxAgreeDist:         cfg.GetWorldAnchorMaxAgreeDist(),
			BreakDistance:        cfg.GetWorldAnchorBreakDistance(),
			BreakAngle:           cfg.GetWorldAnchorBreakAngle(),
			CorrectionAlpha:      cfg.GetWorldAnchorCorrectionAlpha(),
			RotCorrectionAlpha:   cfg.GetWorldAnchorRotCorrectionAlpha(),
			MaxMarkerBoost:       2,
			FastRepositionDist:   cfg.GetFastRepositionDist(),
			FastRepositionAngle:  geom.Radians(cfg.GetFastRepositionAngleDeg()),
			FastRepositionFrames: cfg.GetFastRepositionFrames(),
		},

		LostHysteresis: cfg.GetLostHysteresis(),
		RenderInterval: cfg.GetRenderInterval(),

		Predictive: filters.PredictiveConfig{
			Responsiveness:    cfg.GetResponsiveness(),
			VelocitySmoothing: cfg.GetVelocitySmoothing(),
			MaxVelocity:       cfg.GetMaxVelocity(),
			PositionDeadband:  cfg.GetPredictiveDeadband(),
			VelocityDamping:   cfg.GetVelocityDamping(),
			MaxPredictionDt:   cfg.GetMaxPredictionDt(),
			PredictionFactor:  cfg.GetPredictionFactor(),
			MaxPredictionStep: cfg.GetMaxPredictionStep(),
		},
		QuaternionTimeConstant: cfg.GetTimeConstant(),
		KalmanProcessNoise:     cfg.GetKalmanProcessNoise(),
		KalmanMeasurementNoise: cfg.GetKalmanMeasurementNoise(),
		EKF: filters.EKFConfig{
			ProcessNoiseOri:  cfg.GetEKFProcessNoiseOri(),
			ProcessNoiseBias: cfg.GetEKFProcessNoiseBias(),
			MeasurementNoise: cfg.GetEKFMeasurementNoise(),
			InitialOri:       1,
			InitialBias:      0.01,
		},
	}
}
