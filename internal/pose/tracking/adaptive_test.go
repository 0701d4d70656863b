package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/posefusion/internal/pose/fusion"
)

func baseAdaptive() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:             true,
		TrackWindow:         0.08,
		OutlierDistance:     0.12,
		AgreeDist:           0.03,
		ConfidenceThreshold: 0.35,
		ObliqueSoftDeg:      55,
		ObliqueRejectDeg:    75,
	}
}

func TestNoiseScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		stats fusion.Stats
		want  float64
	}{
		{name: "clean view", stats: fusion.Stats{Confidence: 1}, want: 0},
		{name: "worst inputs", stats: fusion.Stats{Confidence: 0, Spread: 1, ViewAngle: 90}, want: 0.6 + 0.36 + 0.11},
		{name: "mixed", stats: fusion.Stats{Confidence: 0.5, Spread: 0.055, ViewAngle: 40}, want: 0.3 + 0.3 + 0.05},
		{name: "over-confident clamps at zero", stats: fusion.Stats{Confidence: 2}, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, NoiseScore(tt.stats), 1e-12)
		})
	}
}

func TestAdaptiveController_Disabled(t *testing.T) {
	t.Parallel()

	cfg := baseAdaptive()
	cfg.Enabled = false
	c := AdaptiveController{Config: cfg}

	got := c.Thresholds(fusion.Stats{Confidence: 0.1, Spread: 0.2, ViewAngle: 80})
	assert.Equal(t, c.Fixed(), got)
	assert.Equal(t, 0.12, got.OutlierDistance)
}

func TestAdaptiveController_ScalesWithNoise(t *testing.T) {
	t.Parallel()

	c := AdaptiveController{Config: baseAdaptive()}
	got := c.Thresholds(fusion.Stats{Confidence: 0.5, Spread: 0.055, ViewAngle: 40})

	n := 0.65
	assert.InDelta(t, n, got.Noise, 1e-12)
	assert.InDelta(t, 0.08*(1+0.8*n), got.TrackWindow, 1e-12)
	assert.InDelta(t, 0.12*(1-0.35*n), got.OutlierDistance, 1e-12)
	assert.InDelta(t, 0.35+0.12*n, got.ConfidenceThreshold, 1e-12)
	assert.InDelta(t, 55-12*n, got.ObliqueSoftDeg, 1e-12)
	assert.InDelta(t, 75-10*n, got.ObliqueRejectDeg, 1e-12)

	clean := c.Thresholds(fusion.Stats{Confidence: 1})
	assert.Greater(t, got.TrackWindow, clean.TrackWindow)
	assert.Less(t, got.OutlierDistance, clean.OutlierDistance)
	assert.Greater(t, got.ConfidenceThreshold, clean.ConfidenceThreshold)
}

func TestAdaptiveController_Limits(t *testing.T) {
	t.Parallel()

	t.Run("outlier distance floor", func(t *testing.T) {
		t.Parallel()
		cfg := baseAdaptive()
		cfg.OutlierDistance = 0.05
		cfg.AgreeDist = 0.04
		got := AdaptiveController{Config: cfg}.Thresholds(fusion.Stats{Confidence: 0.5, Spread: 0.055, ViewAngle: 40})
		assert.InDelta(t, 0.06, got.OutlierDistance, 1e-12)
	})

	t.Run("confidence threshold cap", func(t *testing.T) {
		t.Parallel()
		cfg := baseAdaptive()
		cfg.ConfidenceThreshold = 0.85
		got := AdaptiveController{Config: cfg}.Thresholds(fusion.Stats{Confidence: 0, Spread: 1, ViewAngle: 85})
		assert.Equal(t, 0.9, got.ConfidenceThreshold)
	})

	t.Run("high view angle raises confidence threshold", func(t *testing.T) {
		t.Parallel()
		c := AdaptiveController{Config: baseAdaptive()}
		frontal := c.Thresholds(fusion.Stats{Confidence: 0.9, ViewAngle: 10})
		grazing := c.Thresholds(fusion.Stats{Confidence: 0.9, ViewAngle: 80})
		assert.Greater(t, grazing.ConfidenceThreshold-frontal.ConfidenceThreshold, 0.08-1e-9)
	})

	t.Run("reject stays above soft", func(t *testing.T) {
		t.Parallel()
		cfg := baseAdaptive()
		cfg.ObliqueSoftDeg = 60
		cfg.ObliqueRejectDeg = 62
		got := AdaptiveController{Config: cfg}.Thresholds(fusion.Stats{Confidence: 0.2})
		assert.InDelta(t, got.ObliqueSoftDeg+5, got.ObliqueRejectDeg, 1e-12)
	})
}
