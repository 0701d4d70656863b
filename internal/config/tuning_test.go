package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := EmptyTuningConfig()
	assert.Equal(t, "adaptive", cfg.GetFilterMode())
	assert.True(t, cfg.GetFusionEnabled())
	assert.False(t, cfg.GetPositionOnly())
	assert.Equal(t, 400*time.Millisecond, cfg.GetLostHysteresis())
	assert.Equal(t, 16*time.Millisecond, cfg.GetRenderInterval())
	assert.Equal(t, 6, cfg.GetWorldAnchorBuildupTarget())
	assert.InDelta(t, math.Pi/5, cfg.GetWorldAnchorBreakAngle(), 1e-12)
	assert.Equal(t, 0.0005, cfg.GetPredictiveDeadband())
	assert.Equal(t, 3.0, cfg.GetAnchorBoost())
}

func TestDesktopPresetMatchesDefaults(t *testing.T) {
	t.Parallel()

	// The desktop preset spells out every default explicitly; the accessors
	// must agree whether or not a field is set.
	preset := MustLoadPreset(PresetDesktop)
	empty := EmptyTuningConfig()

	getters := map[string]func(*TuningConfig) interface{}{
		"filter_mode":        func(c *TuningConfig) interface{} { return c.GetFilterMode() },
		"min_perimeter":      func(c *TuningConfig) interface{} { return c.GetMinMarkerPerimeter() },
		"outlier":            func(c *TuningConfig) interface{} { return c.GetMarkerOutlierDistance() },
		"track_window":       func(c *TuningConfig) interface{} { return c.GetFusionTrackWindow() },
		"median":             func(c *TuningConfig) interface{} { return c.GetMedianWindow() },
		"base_alpha":         func(c *TuningConfig) interface{} { return c.GetSmoothingBaseAlpha() },
		"locked_scale":       func(c *TuningConfig) interface{} { return c.GetLockedAlphaScale() },
		"anchor_target":      func(c *TuningConfig) interface{} { return c.GetWorldAnchorBuildupTarget() },
		"anchor_break":       func(c *TuningConfig) interface{} { return c.GetWorldAnchorBreakDistance() },
		"anchor_break_angle": func(c *TuningConfig) interface{} { return c.GetWorldAnchorBreakAngle() },
		"hysteresis":         func(c *TuningConfig) interface{} { return c.GetLostHysteresis() },
		"render":             func(c *TuningConfig) interface{} { return c.GetRenderInterval() },
		"deadband":           func(c *TuningConfig) interface{} { return c.GetPredictiveDeadband() },
		"ekf_r":              func(c *TuningConfig) interface{} { return c.GetEKFMeasurementNoise() },
	}
	for name, get := range getters {
		assert.Equal(t, get(empty), get(preset), name)
	}
}

func TestLoadPreset(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{PresetDesktop, PresetMinimal, PresetMobile}, PresetNames())

	for _, name := range PresetNames() {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg, err := LoadPreset(name)
			require.NoError(t, err)
			assert.NoError(t, cfg.Validate())
		})
	}

	minimal := MustLoadPreset(PresetMinimal)
	assert.Equal(t, "predictive", minimal.GetFilterMode())
	assert.False(t, minimal.GetWorldAnchorEnabled())
	assert.False(t, minimal.GetAdaptiveTuningEnabled())

	mobile := MustLoadPreset(PresetMobile)
	assert.Equal(t, 500*time.Millisecond, mobile.GetLostHysteresis())

	_, err := LoadPreset("tablet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "desktop")
}

func TestLoadTuningConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "filter_mode": "ekf",
  "anchor_ids": [2, 5],
  "lost_hysteresis": "250ms",
  "median_window": 9
}`), 0o644))

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ekf", cfg.GetFilterMode())
	assert.Equal(t, []int{2, 5}, cfg.AnchorIDs)
	assert.Equal(t, 250*time.Millisecond, cfg.GetLostHysteresis())
	assert.Equal(t, 9, cfg.GetMedianWindow())
	// Unset fields fall back to defaults.
	assert.Equal(t, 0.03, cfg.GetFusionAgreeDist())
}

func TestLoadTuningConfigErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := LoadTuningConfig(filepath.Join(dir, "tuning.yaml"))
	assert.ErrorContains(t, err, ".json extension")

	_, err = LoadTuningConfig(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "stat")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"median_window": `), 0o644))
	_, err = LoadTuningConfig(bad)
	assert.ErrorContains(t, err, "parse")

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"median_window": 40}`), 0o644))
	_, err = LoadTuningConfig(invalid)
	assert.ErrorContains(t, err, "median_window")

	big := filepath.Join(dir, "big.json")
	require.NoError(t, os.WriteFile(big, []byte(strings.Repeat(" ", maxConfigFileSize+1)), 0o644))
	_, err = LoadTuningConfig(big)
	assert.ErrorContains(t, err, "too large")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     TuningConfig
		wantErr string
	}{
		{name: "empty is valid", cfg: TuningConfig{}},
		{name: "bad filter mode", cfg: TuningConfig{FilterMode: ptrString("particle")}, wantErr: "filter_mode"},
		{name: "bad layout", cfg: TuningConfig{MarkerLayout: ptrString("sphere")}, wantErr: "marker_layout"},
		{name: "confidence above one", cfg: TuningConfig{MarkerConfidenceThreshold: ptrFloat64(1.2)}, wantErr: "marker_confidence_threshold"},
		{name: "zero outlier distance", cfg: TuningConfig{MarkerOutlierDistance: ptrFloat64(0)}, wantErr: "marker_outlier_distance_meters"},
		{name: "negative perimeter", cfg: TuningConfig{MinMarkerPerimeter: ptrFloat64(-1)}, wantErr: "min_marker_perimeter"},
		{name: "anchor boost below one", cfg: TuningConfig{AnchorBoost: ptrFloat64(0.5)}, wantErr: "anchor_boost"},
		{name: "median too long", cfg: TuningConfig{MedianWindow: ptrInt(16)}, wantErr: "median_window"},
		{name: "passes out of range", cfg: TuningConfig{FusionMaxPasses: ptrInt(0)}, wantErr: "fusion_max_passes"},
		{name: "buildup target zero", cfg: TuningConfig{WorldAnchorBuildupTarget: ptrInt(0)}, wantErr: "world_anchor_buildup_target"},
		{name: "oblique inverted", cfg: TuningConfig{ObliqueSoftDeg: ptrFloat64(70), ObliqueRejectDeg: ptrFloat64(60)}, wantErr: "oblique_reject_deg"},
		{name: "negative anchor id", cfg: TuningConfig{AnchorIDs: []int{-1}}, wantErr: "anchor_ids"},
		{name: "bad duration", cfg: TuningConfig{LostHysteresis: ptrString("soon")}, wantErr: "lost_hysteresis"},
		{name: "negative duration", cfg: TuningConfig{RenderInterval: ptrString("-1s")}, wantErr: "render_interval"},
		{name: "bools are free", cfg: TuningConfig{Debug: ptrBool(true)}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestMerge(t *testing.T) {
	t.Parallel()

	base := MustLoadPreset(PresetMobile)
	overlay := &TuningConfig{
		FilterMode:     ptrString("kalman"),
		AnchorIDs:      []int{1},
		LostHysteresis: ptrString("1s"),
	}

	merged, err := Merge(base, overlay)
	require.NoError(t, err)
	assert.Equal(t, "kalman", merged.GetFilterMode())
	assert.Equal(t, []int{1}, merged.AnchorIDs)
	assert.Equal(t, time.Second, merged.GetLostHysteresis())
	assert.Equal(t, 30.0, merged.GetMinMarkerPerimeter())

	// Inputs are untouched.
	assert.Equal(t, "adaptive", base.GetFilterMode())
	if diff := cmp.Diff([]int{1}, overlay.AnchorIDs); diff != "" {
		t.Errorf("overlay modified (-want +got):\n%s", diff)
	}

	_, err = Merge(base, &TuningConfig{MedianWindow: ptrInt(99)})
	assert.Error(t, err)

	onlyBase, err := Merge(base, nil)
	require.NoError(t, err)
	assert.Equal(t, base.GetMedianWindow(), onlyBase.GetMedianWindow())
}

func TestResolve(t *testing.T) {
	t.Parallel()

	cfg, err := Resolve("", "")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.GetMedianWindow())

	cfg, err = Resolve(PresetMobile, "")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.GetMedianWindow())

	path := filepath.Join(t.TempDir(), "override.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"median_window": 9, "filter_mode": "ekf"}`), 0644))
	cfg, err = Resolve(PresetMobile, path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.GetMedianWindow())
	assert.Equal(t, "ekf", cfg.GetFilterMode())
	assert.Equal(t, 500*time.Millisecond, cfg.GetLostHysteresis(), "preset values survive the overlay")

	_, err = Resolve("nonexistent", "")
	assert.Error(t, err)
	_, err = Resolve(PresetMobile, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
