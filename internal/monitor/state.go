// Package monitor exposes the live tracker state over HTTP and gRPC health.
package monitor

import (
	"sync"
	"time"

	"github.com/banshee-data/posefusion/internal/pose/tracking"
)

// DefaultHistorySize is the number of telemetry points kept for the HUD,
// about ten seconds of detections at 60 fps.
const DefaultHistorySize = 600

// TelemetryPoint is one HUD sample.
type TelemetryPoint struct {
	At            time.Time `json:"at"`
	Confidence    float64   `json:"confidence"`
	Spread        float64   `json:"spread"`
	ViewAngle     float64   `json:"view_angle"`
	Noise         float64   `json:"noise"`
	PoolSize      int       `json:"pool_size"`
	AnchorBuildup int       `json:"anchor_buildup"`
	Tracking      bool      `json:"tracking"`
}

// State keeps the most recent output and a bounded telemetry history. It
// implements tracking.OutputSink.
type State struct {
	mu      sync.RWMutex
	latest  tracking.Output
	hasAny  bool
	history []TelemetryPoint
	next    int
	full    bool
}

// NewState creates a State holding up to size history points.
func NewState(size int) *State {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &State{history: make([]TelemetryPoint, size)}
}

// Publish records out. Only detection outputs enter the telemetry history.
func (s *State) Publish(out tracking.Output) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = out
	s.hasAny = true
	if !out.HasFused {
		return
	}
	tel := out.Telemetry
	s.history[s.next] = TelemetryPoint{
		At:            out.At,
		Confidence:    tel.Stats.Confidence,
		Spread:        tel.Stats.Spread,
		ViewAngle:     tel.Stats.ViewAngle,
		Noise:         tel.Thresholds.Noise,
		PoolSize:      tel.PoolSize,
		AnchorBuildup: tel.AnchorBuildup,
		Tracking:      out.Tracking,
	}
	s.next = (s.next + 1) % len(s.history)
	if s.next == 0 {
		s.full = true
	}
}

// Latest returns the most recent output.
func (s *State) Latest() (tracking.Output, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasAny
}

// History returns the telemetry points oldest first.
func (s *State) History() []TelemetryPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.full {
		return append([]TelemetryPoint(nil), s.history[:s.next]...)
	}
	out := make([]TelemetryPoint, 0, len(s.history))
	out = append(out, s.history[s.next:]...)
	return append(out, s.history[:s.next]...)
}
