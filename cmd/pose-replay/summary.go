package main

import (
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/posefusion/internal/pose/geom"
	"github.com/banshee-data/posefusion/internal/pose/tracking"
)

// Summary aggregates replay quality figures.
type Summary struct {
	Frames    int
	Outputs   int
	Tracking  int
	Detected  int
	Anchored  int
	Snaps     int
	Rejects   int
	Duration  time.Duration
	jitterSum float64
	jitterN   int
	start     time.Time
	last      geom.Vec
	hasLast   bool
}

// Publish folds one output into the summary. It implements
// tracking.OutputSink.
func (s *Summary) Publish(out tracking.Output) {
	if s.start.IsZero() {
		s.start = out.At
	}
	s.Duration = out.At.Sub(s.start)
	s.Outputs++
	if out.Tracking {
		s.Tracking++
	}
	if out.Snapped {
		s.Snaps++
	}
	if !out.HasFused {
		return
	}
	s.Detected++
	if out.Telemetry.AnchorActive {
		s.Anchored++
	}
	// Jitter is the frame-to-frame displacement of the output between
	// consecutive detections; snaps restart the measurement.
	if s.hasLast && !out.Snapped {
		s.jitterSum += out.Position.Sub(s.last).Norm()
		s.jitterN++
	}
	s.last = out.Position
	s.hasLast = true
}

// TrackingRatio is the share of outputs that were tracking.
func (s *Summary) TrackingRatio() float64 { return ratio(s.Tracking, s.Outputs) }

// LockRatio is the share of detections made with the world anchor locked.
func (s *Summary) LockRatio() float64 { return ratio(s.Anchored, s.Detected) }

// MeanJitter is the mean output step between consecutive detections, in metres.
func (s *Summary) MeanJitter() float64 {
	if s.jitterN == 0 {
		return 0
	}
	return s.jitterSum / float64(s.jitterN)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Write prints a human-readable report.
func (s *Summary) Write(w io.Writer) {
	fmt.Fprintf(w, "frames:          %d\n", s.Frames)
	fmt.Fprintf(w, "outputs:         %d (%d detections, %d snaps)\n", s.Outputs, s.Detected, s.Snaps)
	fmt.Fprintf(w, "duration:        %s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "tracking ratio:  %.3f\n", s.TrackingRatio())
	fmt.Fprintf(w, "lock ratio:      %.3f\n", s.LockRatio())
	fmt.Fprintf(w, "mean jitter:     %.2f mm\n", s.MeanJitter()*1000)
	fmt.Fprintf(w, "rejected obs:    %d\n", s.Rejects)
}
