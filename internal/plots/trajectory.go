// Package plots renders offline trajectory plots of a replayed session.
package plots

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/posefusion/internal/pose/tracking"
)

var (
	fusedColor    = color.RGBA{R: 200, G: 80, B: 60, A: 255}
	smoothedColor = color.RGBA{R: 40, G: 90, B: 200, A: 255}
	noiseColor    = color.RGBA{R: 220, G: 140, B: 0, A: 255}
	confColor     = color.RGBA{R: 30, G: 150, B: 70, A: 255}
	trackColor    = color.RGBA{R: 90, G: 90, B: 90, A: 255}
)

// TrajectorySample is one engine output reduced to what the plots need.
type TrajectorySample struct {
	T          float64 // seconds since the first sample
	Fused      [3]float64
	HasFused   bool
	Smoothed   [3]float64
	Noise      float64
	Confidence float64
	Tracking   bool
	Anchored   bool
}

// TrajectoryPlotter accumulates engine outputs for plotting after a run.
type TrajectoryPlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	start     time.Time
	samples   []TrajectorySample
}

// NewTrajectoryPlotter creates a disabled plotter.
func NewTrajectoryPlotter() *TrajectoryPlotter {
	return &TrajectoryPlotter{}
}

// Start enables sampling into outputDir, creating it if needed.
func (tp *TrajectoryPlotter) Start(outputDir string) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	tp.outputDir = outputDir
	tp.enabled = true
	tp.start = time.Time{}
	tp.samples = nil
	return nil
}

// Stop disables sampling. Call GeneratePlots to produce output files.
func (tp *TrajectoryPlotter) Stop() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.enabled = false
}

// IsEnabled reports whether the plotter is recording.
func (tp *TrajectoryPlotter) IsEnabled() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.enabled
}

// Publish records out. It implements tracking.OutputSink.
func (tp *TrajectoryPlotter) Publish(out tracking.Output) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if !tp.enabled {
		return
	}
	if tp.start.IsZero() {
		tp.start = out.At
	}
	tp.samples = append(tp.samples, TrajectorySample{
		T:          out.At.Sub(tp.start).Seconds(),
		Fused:      [3]float64{out.Fused.X, out.Fused.Y, out.Fused.Z},
		HasFused:   out.HasFused,
		Smoothed:   [3]float64{out.Position.X, out.Position.Y, out.Position.Z},
		Noise:      out.Telemetry.Thresholds.Noise,
		Confidence: out.Telemetry.Stats.Confidence,
		Tracking:   out.Tracking,
		Anchored:   out.Telemetry.AnchorActive,
	})
}

// Samples returns a copy of the recorded samples.
func (tp *TrajectoryPlotter) Samples() []TrajectorySample {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return append([]TrajectorySample(nil), tp.samples...)
}

// GeneratePlots writes position_{x,y,z}.png and tracking.png and returns the
// number of files written.
func (tp *TrajectoryPlotter) GeneratePlots() (int, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}
	if len(tp.samples) == 0 {
		return 0, nil
	}

	count := 0
	for axis, name := range []string{"x", "y", "z"} {
		if err := tp.axisPlot(axis, name); err != nil {
			return count, fmt.Errorf("axis %s: %w", name, err)
		}
		count++
	}
	if err := tp.trackingPlot(); err != nil {
		return count, fmt.Errorf("tracking: %w", err)
	}
	return count + 1, nil
}

func (tp *TrajectoryPlotter) axisPlot(axis int, name string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Position %s", name)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Position (m)"

	fused := make(plotter.XYs, 0, len(tp.samples))
	smoothed := make(plotter.XYs, 0, len(tp.samples))
	for _, s := range tp.samples {
		if s.HasFused {
			fused = append(fused, plotter.XY{X: s.T, Y: s.Fused[axis]})
		}
		smoothed = append(smoothed, plotter.XY{X: s.T, Y: s.Smoothed[axis]})
	}

	if len(fused) > 0 {
		sc, err := plotter.NewScatter(fused)
		if err != nil {
			return err
		}
		sc.Color = fusedColor
		sc.Radius = vg.Points(1.5)
		p.Add(sc)
		p.Legend.Add("fused", sc)
	}
	line, err := plotter.NewLine(smoothed)
	if err != nil {
		return err
	}
	line.Color = smoothedColor
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("smoothed", line)
	placeLegend(p)

	file := filepath.Join(tp.outputDir, fmt.Sprintf("position_%s.png", name))
	return p.Save(14*vg.Inch, 5*vg.Inch, file)
}

func (tp *TrajectoryPlotter) trackingPlot() error {
	p := plot.New()
	p.Title.Text = "Tracking quality"
	p.X.Label.Text = "Time (s)"

	noise := make(plotter.XYs, len(tp.samples))
	conf := make(plotter.XYs, len(tp.samples))
	track := make(plotter.XYs, len(tp.samples))
	for i, s := range tp.samples {
		noise[i] = plotter.XY{X: s.T, Y: s.Noise}
		conf[i] = plotter.XY{X: s.T, Y: s.Confidence}
		// Offset the state steps so they don't overlap the 0..1 series.
		y := -0.2
		if s.Tracking {
			y = -0.1
		}
		if s.Anchored {
			y = 0
		}
		track[i] = plotter.XY{X: s.T, Y: y}
	}

	for _, series := range []struct {
		label string
		pts   plotter.XYs
		c     color.Color
	}{
		{"noise", noise, noiseColor},
		{"confidence", conf, confColor},
		{"state (lost/tracking/anchored)", track, trackColor},
	} {
		line, err := plotter.NewLine(series.pts)
		if err != nil {
			return err
		}
		line.Color = series.c
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(series.label, line)
	}
	placeLegend(p)

	return p.Save(14*vg.Inch, 5*vg.Inch, filepath.Join(tp.outputDir, "tracking.png"))
}

func placeLegend(p *plot.Plot) {
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
}

// MakePlotOutputDir returns a timestamped directory for one run:
// <base>/<input basename>/<timestamp>, or <base>/live_<timestamp>.
func MakePlotOutputDir(baseDir, inputFile string, now time.Time) string {
	ts := now.Format("20060102_150405")
	if inputFile != "" && inputFile != "-" {
		base := filepath.Base(inputFile)
		name := sanitizeName(base[:len(base)-len(filepath.Ext(base))])
		return filepath.Join(baseDir, name, ts)
	}
	return filepath.Join(baseDir, "live_"+ts)
}

// sanitizeName keeps ASCII letters, digits, dot, underscore and dash, folding
// every other run of characters into one underscore.
func sanitizeName(s string) string {
	const maxLen = 96
	var b strings.Builder
	pending := false
	for _, r := range s {
		ok := r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			pending = b.Len() > 0
			continue
		}
		if pending {
			b.WriteByte('_')
			pending = false
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "capture"
	}
	return out
}
