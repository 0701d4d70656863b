package fusion

import (
	"sort"

	"github.com/banshee-data/posefusion/internal/pose/geom"
)

// History size limits for MedianFilter.
const (
	MinMedianWindow     = 1
	MaxMedianWindow     = 15
	DefaultMedianWindow = 5
)

// MedianFilter keeps a bounded FIFO of positions and reports their
// per-axis median.
type MedianFilter struct {
	size    int
	history []geom.Vec
}

// NewMedianFilter creates a filter; size is clamped to [1, 15].
func NewMedianFilter(size int) *MedianFilter {
	if size < MinMedianWindow {
		size = MinMedianWindow
	}
	if size > MaxMedianWindow {
		size = MaxMedianWindow
	}
	return &MedianFilter{size: size, history: make([]geom.Vec, 0, size)}
}

// Size returns the window length.
func (m *MedianFilter) Size() int { return m.size }

// Len returns the number of buffered positions.
func (m *MedianFilter) Len() int { return len(m.history) }

// Reset clears the history.
func (m *MedianFilter) Reset() { m.history = m.history[:0] }

// Push appends v, evicting the oldest entry when full, and returns the median.
func (m *MedianFilter) Push(v geom.Vec) geom.Vec {
	if len(m.history) == m.size {
		copy(m.history, m.history[1:])
		m.history = m.history[:m.size-1]
	}
	m.history = append(m.history, v)
	return m.Median()
}

// Median returns the per-axis median of the buffered positions. Even-length
// windows average the two middle values.
func (m *MedianFilter) Median() geom.Vec {
	n := len(m.history)
	if n == 0 {
		return geom.Vec{}
	}
	xs := make([]float64, n)
	ys := make([]float64, n)
	zs := make([]float64, n)
	for i, v := range m.history {
		xs[i], ys[i], zs[i] = v.X, v.Y, v.Z
	}
	return geom.Vec{X: median(xs), Y: median(ys), Z: median(zs)}
}

func median(xs []float64) float64 {
	sort.Float64s(xs)
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}

// DefaultStatsAlpha is the EMA factor for fusion quality statistics.
const DefaultStatsAlpha = 0.15

// Stats is a snapshot of the fusion quality EMAs.
type Stats struct {
	Confidence float64 `json:"confidence_ema"`
	Spread     float64 `json:"spread_ema"`
	ViewAngle  float64 `json:"view_angle_ema"`
}

// StatsTracker maintains EMAs of survivor confidence, spread and view angle.
// The first observation seeds the averages directly.
type StatsTracker struct {
	Alpha float64

	stats       Stats
	initialized bool
}

// NewStatsTracker creates a tracker with the given EMA factor.
func NewStatsTracker(alpha float64) *StatsTracker {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultStatsAlpha
	}
	return &StatsTracker{Alpha: alpha}
}

// Observe folds one fusion result into the averages.
func (s *StatsTracker) Observe(r Result) Stats {
	sample := Stats{Confidence: r.MeanConfidence, Spread: r.Spread, ViewAngle: r.MeanViewAngle}
	if !s.initialized {
		s.stats = sample
		s.initialized = true
		return s.stats
	}
	a := s.Alpha
	s.stats.Confidence += a * (sample.Confidence - s.stats.Confidence)
	s.stats.Spread += a * (sample.Spread - s.stats.Spread)
	s.stats.ViewAngle += a * (sample.ViewAngle - s.stats.ViewAngle)
	return s.stats
}

// Stats returns the current averages. Before any observation it reports a
// clean view (full confidence, no spread, frontal).
func (s *StatsTracker) Stats() Stats {
	if !s.initialized {
		return Stats{Confidence: 1}
	}
	return s.stats
}

// Initialized reports whether any sample has been observed.
func (s *StatsTracker) Initialized() bool { return s.initialized }

// Reset forgets all samples.
func (s *StatsTracker) Reset() {
	s.stats = Stats{}
	s.initialized = false
}
