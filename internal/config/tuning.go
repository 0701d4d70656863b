package config

import (
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Built-in preset names.
const (
	PresetMinimal = "minimal"
	PresetMobile  = "mobile"
	PresetDesktop = "desktop"
)

//go:embed presets/*.json
var presetFS embed.FS

// maxConfigFileSize caps tuning files read from disk.
const maxConfigFileSize = 1 * 1024 * 1024 // 1MB

// TuningConfig is the flat, JSON-serialisable set of pose tracking
// parameters. Every field is optional: nil fields fall back to the defaults
// returned by the Get* accessors, so partial files and presets compose.
type TuningConfig struct {
	// Engine variant
	FilterMode    *string `json:"filter_mode,omitempty"` // adaptive | kalman | predictive | ekf
	FusionEnabled *bool   `json:"fusion_enabled,omitempty"`
	PositionOnly  *bool   `json:"position_only,omitempty"`
	Debug         *bool   `json:"debug,omitempty"`
	MarkerLayout  *string `json:"marker_layout,omitempty"` // single | cube | ring8

	// Candidate construction
	MinMarkerPerimeter    *float64 `json:"min_marker_perimeter,omitempty"` // pixels
	MaxPoseErrorForFusion *float64 `json:"max_pose_error_for_fusion,omitempty"`
	AnchorIDs             []int    `json:"anchor_ids,omitempty"`
	AnchorBoost           *float64 `json:"anchor_boost,omitempty"`
	ObliqueWeightFloor    *float64 `json:"oblique_weight_floor,omitempty"`
	MaxPositionJump       *float64 `json:"max_position_jump,omitempty"` // metres

	// Adaptive base thresholds
	AdaptiveTuningEnabled     *bool    `json:"adaptive_tuning_enabled,omitempty"`
	FusionTrackWindow         *float64 `json:"fusion_track_window,omitempty"`
	MarkerOutlierDistance     *float64 `json:"marker_outlier_distance_meters,omitempty"`
	FusionAgreeDist           *float64 `json:"fusion_agree_dist,omitempty"`
	MarkerConfidenceThreshold *float64 `json:"marker_confidence_threshold,omitempty"`
	ObliqueSoftDeg            *float64 `json:"oblique_soft_deg,omitempty"`
	ObliqueRejectDeg          *float64 `json:"oblique_reject_deg,omitempty"`

	// Fusion
	FusionMaxPasses   *int     `json:"fusion_max_passes,omitempty"`
	FusionSigmaFactor *float64 `json:"fusion_sigma_factor,omitempty"`
	MedianWindow      *int     `json:"median_window,omitempty"`
	StatsAlpha        *float64 `json:"stats_alpha,omitempty"`

	// Display smoothing
	SmoothingBaseAlpha        *float64 `json:"smoothing_base_alpha,omitempty"`
	SmoothingPerMarkerAlpha   *float64 `json:"smoothing_per_marker_alpha,omitempty"`
	SmoothingMaxBaseAlpha     *float64 `json:"smoothing_max_base_alpha,omitempty"`
	MotionBoost               *float64 `json:"motion_boost,omitempty"`
	MotionBoostDist           *float64 `json:"motion_boost_dist,omitempty"`
	MotionBoostAngleDeg       *float64 `json:"motion_boost_angle_deg,omitempty"`
	NoiseDamping              *float64 `json:"noise_damping,omitempty"`
	PositionDeadband          *float64 `json:"position_deadband,omitempty"`
	RotationDeadbandDeg       *float64 `json:"rotation_deadband_deg,omitempty"`
	MaxTrustedLinearRate      *float64 `json:"max_trusted_linear_rate,omitempty"`
	MaxTrustedAngularRate     *float64 `json:"max_trusted_angular_rate,omitempty"`
	LowTrustConfidence        *float64 `json:"low_trust_confidence,omitempty"`
	LowTrustSpread            *float64 `json:"low_trust_spread,omitempty"`
	LowTrustViewDeg           *float64 `json:"low_trust_view_deg,omitempty"`
	LockedAlphaScale          *float64 `json:"locked_alpha_scale,omitempty"`
	LockedPositionDeadband    *float64 `json:"locked_position_deadband,omitempty"`
	LockedRotationDeadbandDeg *float64 `json:"locked_rotation_deadband_deg,omitempty"`

	// World anchor
	WorldAnchorEnabled            *bool    `json:"world_anchor_enabled,omitempty"`
	WorldAnchorBuildupTarget      *int     `json:"world_anchor_buildup_target,omitempty"`
	WorldAnchorMaxAgreeDist       *float64 `json:"world_anchor_max_agree_dist,omitempty"`
	WorldAnchorBreakDistance      *float64 `json:"world_anchor_break_distance,omitempty"`
	WorldAnchorBreakAngle         *float64 `json:"world_anchor_break_angle,omitempty"` // radians
	WorldAnchorCorrectionAlpha    *float64 `json:"world_anchor_correction_alpha,omitempty"`
	WorldAnchorRotCorrectionAlpha *float64 `json:"world_anchor_rot_correction_alpha,omitempty"`
	FastRepositionDist            *float64 `json:"fast_reposition_dist,omitempty"`
	FastRepositionAngleDeg        *float64 `json:"fast_reposition_angle_deg,omitempty"`
	FastRepositionFrames          *int     `json:"fast_reposition_frames,omitempty"`

	// Timing
	LostHysteresis *string `json:"lost_hysteresis,omitempty"` // duration string like "400ms"
	RenderInterval *string `json:"render_interval,omitempty"`

	// Standalone filters
	Responsiveness         *float64 `json:"responsiveness,omitempty"`
	VelocitySmoothing      *float64 `json:"velocity_smoothing,omitempty"`
	MaxVelocity            *float64 `json:"max_velocity,omitempty"`
	PredictiveDeadband     *float64 `json:"predictive_deadband,omitempty"`
	VelocityDamping        *float64 `json:"velocity_damping,omitempty"`
	MaxPredictionDt        *float64 `json:"max_prediction_dt,omitempty"`
	PredictionFactor       *float64 `json:"prediction_factor,omitempty"`
	MaxPredictionStep      *float64 `json:"max_prediction_step,omitempty"`
	TimeConstant           *float64 `json:"time_constant,omitempty"`
	KalmanProcessNoise     *float64 `json:"kalman_process_noise,omitempty"`
	KalmanMeasurementNoise *float64 `json:"kalman_measurement_noise,omitempty"`
	EKFProcessNoiseOri     *float64 `json:"ekf_process_noise_ori,omitempty"`
	EKFProcessNoiseBias    *float64 `json:"ekf_process_noise_bias,omitempty"`
	EKFMeasurementNoise    *float64 `json:"ekf_measurement_noise,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

func getOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// EmptyTuningConfig returns a TuningConfig with every field unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The path must have
// a .json extension and the file must be under 1MB. Omitted fields keep their
// defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseTuning(data)
}

func parseTuning(data []byte) (*TuningConfig, error) {
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// PresetNames lists the embedded presets.
func PresetNames() []string {
	entries, err := presetFS.ReadDir("presets")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names
}

// LoadPreset returns the named embedded preset.
func LoadPreset(name string) (*TuningConfig, error) {
	data, err := presetFS.ReadFile("presets/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("unknown preset %q (available: %s)", name, strings.Join(PresetNames(), ", "))
	}
	cfg, err := parseTuning(data)
	if err != nil {
		return nil, fmt.Errorf("preset %s: %w", name, err)
	}
	return cfg, nil
}

// MustLoadPreset is LoadPreset for built-in names; it panics on failure.
func MustLoadPreset(name string) *TuningConfig {
	cfg, err := LoadPreset(name)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Merge returns a new config holding base with every field set in overlay
// applied on top. Neither input is modified.
func Merge(base, overlay *TuningConfig) (*TuningConfig, error) {
	out := EmptyTuningConfig()
	for _, src := range []*TuningConfig{base, overlay} {
		if src == nil {
			continue
		}
		data, err := json.Marshal(src)
		if err != nil {
			return nil, fmt.Errorf("failed to encode config: %w", err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid merged configuration: %w", err)
	}
	return out, nil
}

// Validate checks that set values are within their allowed ranges.
func (c *TuningConfig) Validate() error {
	if c.FilterMode != nil {
		switch *c.FilterMode {
		case "adaptive", "kalman", "predictive", "ekf":
		default:
			return fmt.Errorf("filter_mode must be adaptive, kalman, predictive or ekf, got %q", *c.FilterMode)
		}
	}
	if c.MarkerLayout != nil {
		switch *c.MarkerLayout {
		case "single", "cube", "ring8":
		default:
			return fmt.Errorf("marker_layout must be single, cube or ring8, got %q", *c.MarkerLayout)
		}
	}

	unit := []struct {
		name string
		v    *float64
	}{
		{"marker_confidence_threshold", c.MarkerConfidenceThreshold},
		{"oblique_weight_floor", c.ObliqueWeightFloor},
		{"stats_alpha", c.StatsAlpha},
		{"smoothing_base_alpha", c.SmoothingBaseAlpha},
		{"smoothing_max_base_alpha", c.SmoothingMaxBaseAlpha},
		{"noise_damping", c.NoiseDamping},
		{"low_trust_confidence", c.LowTrustConfidence},
		{"locked_alpha_scale", c.LockedAlphaScale},
		{"world_anchor_correction_alpha", c.WorldAnchorCorrectionAlpha},
		{"world_anchor_rot_correction_alpha", c.WorldAnchorRotCorrectionAlpha},
		{"responsiveness", c.Responsiveness},
		{"velocity_smoothing", c.VelocitySmoothing},
		{"velocity_damping", c.VelocityDamping},
		{"prediction_factor", c.PredictionFactor},
	}
	for _, f := range unit {
		if f.v != nil && (*f.v < 0 || *f.v > 1 || math.IsNaN(*f.v)) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", f.name, *f.v)
		}
	}

	positive := []struct {
		name string
		v    *float64
	}{
		{"fusion_track_window", c.FusionTrackWindow},
		{"marker_outlier_distance_meters", c.MarkerOutlierDistance},
		{"fusion_agree_dist", c.FusionAgreeDist},
		{"fusion_sigma_factor", c.FusionSigmaFactor},
		{"world_anchor_max_agree_dist", c.WorldAnchorMaxAgreeDist},
		{"world_anchor_break_distance", c.WorldAnchorBreakDistance},
		{"world_anchor_break_angle", c.WorldAnchorBreakAngle},
		{"time_constant", c.TimeConstant},
		{"kalman_process_noise", c.KalmanProcessNoise},
		{"kalman_measurement_noise", c.KalmanMeasurementNoise},
		{"ekf_measurement_noise", c.EKFMeasurementNoise},
	}
	for _, f := range positive {
		if f.v != nil && !(*f.v > 0) {
			return fmt.Errorf("%s must be positive, got %f", f.name, *f.v)
		}
	}

	if c.MinMarkerPerimeter != nil && *c.MinMarkerPerimeter < 0 {
		return fmt.Errorf("min_marker_perimeter must be non-negative, got %f", *c.MinMarkerPerimeter)
	}
	if c.AnchorBoost != nil && *c.AnchorBoost < 1 {
		return fmt.Errorf("anchor_boost must be at least 1, got %f", *c.AnchorBoost)
	}
	if c.MedianWindow != nil && (*c.MedianWindow < 1 || *c.MedianWindow > 15) {
		return fmt.Errorf("median_window must be between 1 and 15, got %d", *c.MedianWindow)
	}
	if c.FusionMaxPasses != nil && (*c.FusionMaxPasses < 1 || *c.FusionMaxPasses > 5) {
		return fmt.Errorf("fusion_max_passes must be between 1 and 5, got %d", *c.FusionMaxPasses)
	}
	if c.WorldAnchorBuildupTarget != nil && *c.WorldAnchorBuildupTarget < 1 {
		return fmt.Errorf("world_anchor_buildup_target must be at least 1, got %d", *c.WorldAnchorBuildupTarget)
	}
	if c.ObliqueSoftDeg != nil && c.ObliqueRejectDeg != nil && *c.ObliqueRejectDeg <= *c.ObliqueSoftDeg {
		return fmt.Errorf("oblique_reject_deg (%f) must exceed oblique_soft_deg (%f)", *c.ObliqueRejectDeg, *c.ObliqueSoftDeg)
	}
	for _, id := range c.AnchorIDs {
		if id < 0 {
			return fmt.Errorf("anchor_ids must be non-negative, got %d", id)
		}
	}

	for name, v := range map[string]*string{
		"lost_hysteresis": c.LostHysteresis,
		"render_interval": c.RenderInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	return nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetLostHysteresis returns how long detections may be missing before
// tracking is declared lost.
func (c *TuningConfig) GetLostHysteresis() time.Duration {
	return parseDurationOr(c.LostHysteresis, 400*time.Millisecond)
}

// GetRenderInterval returns the render tick period.
func (c *TuningConfig) GetRenderInterval() time.Duration {
	return parseDurationOr(c.RenderInterval, 16*time.Millisecond)
}

func (c *TuningConfig) GetFilterMode() string    { return getOr(c.FilterMode, "adaptive") }
func (c *TuningConfig) GetFusionEnabled() bool   { return getOr(c.FusionEnabled, true) }
func (c *TuningConfig) GetPositionOnly() bool    { return getOr(c.PositionOnly, false) }
func (c *TuningConfig) GetDebug() bool           { return getOr(c.Debug, false) }
func (c *TuningConfig) GetMarkerLayout() string  { return getOr(c.MarkerLayout, "single") }
func (c *TuningConfig) GetAnchorBoost() float64  { return getOr(c.AnchorBoost, 3.0) }
func (c *TuningConfig) GetMedianWindow() int     { return getOr(c.MedianWindow, 5) }
func (c *TuningConfig) GetFusionMaxPasses() int  { return getOr(c.FusionMaxPasses, 2) }
func (c *TuningConfig) GetStatsAlpha() float64   { return getOr(c.StatsAlpha, 0.15) }
func (c *TuningConfig) GetMotionBoost() float64  { return getOr(c.MotionBoost, 0.35) }
func (c *TuningConfig) GetNoiseDamping() float64 { return getOr(c.NoiseDamping, 0.45) }

func (c *TuningConfig) GetMinMarkerPerimeter() float64 { return getOr(c.MinMarkerPerimeter, 40.0) }
func (c *TuningConfig) GetMaxPoseErrorForFusion() float64 {
	return getOr(c.MaxPoseErrorForFusion, 0.5)
}
func (c *TuningConfig) GetObliqueWeightFloor() float64 { return getOr(c.ObliqueWeightFloor, 0.15) }
func (c *TuningConfig) GetMaxPositionJump() float64    { return getOr(c.MaxPositionJump, 0.35) }

func (c *TuningConfig) GetAdaptiveTuningEnabled() bool { return getOr(c.AdaptiveTuningEnabled, true) }
func (c *TuningConfig) GetFusionTrackWindow() float64  { return getOr(c.FusionTrackWindow, 0.08) }
func (c *TuningConfig) GetMarkerOutlierDistance() float64 {
	return getOr(c.MarkerOutlierDistance, 0.12)
}
func (c *TuningConfig) GetFusionAgreeDist() float64 { return getOr(c.FusionAgreeDist, 0.03) }
func (c *TuningConfig) GetMarkerConfidenceThreshold() float64 {
	return getOr(c.MarkerConfidenceThreshold, 0.35)
}
func (c *TuningConfig) GetObliqueSoftDeg() float64    { return getOr(c.ObliqueSoftDeg, 55.0) }
func (c *TuningConfig) GetObliqueRejectDeg() float64  { return getOr(c.ObliqueRejectDeg, 75.0) }
func (c *TuningConfig) GetFusionSigmaFactor() float64 { return getOr(c.FusionSigmaFactor, 2.2) }

func (c *TuningConfig) GetSmoothingBaseAlpha() float64 { return getOr(c.SmoothingBaseAlpha, 0.35) }
func (c *TuningConfig) GetSmoothingPerMarkerAlpha() float64 {
	return getOr(c.SmoothingPerMarkerAlpha, 0.08)
}
func (c *TuningConfig) GetSmoothingMaxBaseAlpha() float64 {
	return getOr(c.SmoothingMaxBaseAlpha, 0.65)
}
func (c *TuningConfig) GetMotionBoostDist() float64     { return getOr(c.MotionBoostDist, 0.05) }
func (c *TuningConfig) GetMotionBoostAngleDeg() float64 { return getOr(c.MotionBoostAngleDeg, 10.0) }
func (c *TuningConfig) GetPositionDeadband() float64    { return getOr(c.PositionDeadband, 0.0008) }
func (c *TuningConfig) GetRotationDeadbandDeg() float64 { return getOr(c.RotationDeadbandDeg, 0.15) }
func (c *TuningConfig) GetMaxTrustedLinearRate() float64 {
	return getOr(c.MaxTrustedLinearRate, 0.6)
}
func (c *TuningConfig) GetMaxTrustedAngularRate() float64 {
	return getOr(c.MaxTrustedAngularRate, 2.5)
}
func (c *TuningConfig) GetLowTrustConfidence() float64 { return getOr(c.LowTrustConfidence, 0.55) }
func (c *TuningConfig) GetLowTrustSpread() float64     { return getOr(c.LowTrustSpread, 0.03) }
func (c *TuningConfig) GetLowTrustViewDeg() float64    { return getOr(c.LowTrustViewDeg, 60.0) }
func (c *TuningConfig) GetLockedAlphaScale() float64   { return getOr(c.LockedAlphaScale, 0.46) }
func (c *TuningConfig) GetLockedPositionDeadband() float64 {
	return getOr(c.LockedPositionDeadband, 0.006)
}
func (c *TuningConfig) GetLockedRotationDeadbandDeg() float64 {
	return getOr(c.LockedRotationDeadbandDeg, 1.7)
}

func (c *TuningConfig) GetWorldAnchorEnabled() bool { return getOr(c.WorldAnchorEnabled, true) }
func (c *TuningConfig) GetWorldAnchorBuildupTarget() int {
	return getOr(c.WorldAnchorBuildupTarget, 6)
}
func (c *TuningConfig) GetWorldAnchorMaxAgreeDist() float64 {
	return getOr(c.WorldAnchorMaxAgreeDist, 0.025)
}
func (c *TuningConfig) GetWorldAnchorBreakDistance() float64 {
	return getOr(c.WorldAnchorBreakDistance, 0.18)
}
func (c *TuningConfig) GetWorldAnchorBreakAngle() float64 {
	return getOr(c.WorldAnchorBreakAngle, math.Pi/5)
}
func (c *TuningConfig) GetWorldAnchorCorrectionAlpha() float64 {
	return getOr(c.WorldAnchorCorrectionAlpha, 0.018)
}
func (c *TuningConfig) GetWorldAnchorRotCorrectionAlpha() float64 {
	return getOr(c.WorldAnchorRotCorrectionAlpha, 0.015)
}
func (c *TuningConfig) GetFastRepositionDist() float64 { return getOr(c.FastRepositionDist, 0.04) }
func (c *TuningConfig) GetFastRepositionAngleDeg() float64 {
	return getOr(c.FastRepositionAngleDeg, 8.0)
}
func (c *TuningConfig) GetFastRepositionFrames() int { return getOr(c.FastRepositionFrames, 2) }

func (c *TuningConfig) GetResponsiveness() float64     { return getOr(c.Responsiveness, 0.35) }
func (c *TuningConfig) GetVelocitySmoothing() float64  { return getOr(c.VelocitySmoothing, 0.3) }
func (c *TuningConfig) GetMaxVelocity() float64        { return getOr(c.MaxVelocity, 3.0) }
func (c *TuningConfig) GetPredictiveDeadband() float64 { return getOr(c.PredictiveDeadband, 0.0005) }
func (c *TuningConfig) GetVelocityDamping() float64    { return getOr(c.VelocityDamping, 0.85) }
func (c *TuningConfig) GetMaxPredictionDt() float64    { return getOr(c.MaxPredictionDt, 0.05) }
func (c *TuningConfig) GetPredictionFactor() float64   { return getOr(c.PredictionFactor, 0.8) }
func (c *TuningConfig) GetMaxPredictionStep() float64  { return getOr(c.MaxPredictionStep, 0.02) }
func (c *TuningConfig) GetTimeConstant() float64       { return getOr(c.TimeConstant, 0.08) }
func (c *TuningConfig) GetKalmanProcessNoise() float64 { return getOr(c.KalmanProcessNoise, 1e-4) }
func (c *TuningConfig) GetKalmanMeasurementNoise() float64 {
	return getOr(c.KalmanMeasurementNoise, 4e-3)
}
func (c *TuningConfig) GetEKFProcessNoiseOri() float64  { return getOr(c.EKFProcessNoiseOri, 0.05) }
func (c *TuningConfig) GetEKFProcessNoiseBias() float64 { return getOr(c.EKFProcessNoiseBias, 1e-4) }
func (c *TuningConfig) GetEKFMeasurementNoise() float64 { return getOr(c.EKFMeasurementNoise, 0.01) }

// Resolve loads the named preset and layers the optional file at path over it.
// An empty preset starts from the built-in defaults.
func Resolve(preset, path string) (*TuningConfig, error) {
	base := EmptyTuningConfig()
	if preset != "" {
		var err error
		if base, err = LoadPreset(preset); err != nil {
			return nil, err
		}
	}
	if path == "" {
		return base, nil
	}
	overlay, err := LoadTuningConfig(path)
	if err != nil {
		return nil, err
	}
	return Merge(base, overlay)
}
