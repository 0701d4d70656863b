package tracking

import (
	"context"
	"time"

	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/pose/markers"
	"github.com/banshee-data/posefusion/internal/timeutil"
)

// Frame is one detection result delivered by the detector.
type Frame struct {
	At           time.Time // capture time on the detector clock; zero means unknown
	Observations []markers.Observation
}

// OutputSink receives every Output the runner produces.
type OutputSink interface {
	Publish(Output)
}

// SinkFunc adapts a function to OutputSink.
type SinkFunc func(Output)

// Publish calls f(out).
func (f SinkFunc) Publish(out Output) { f(out) }

// MultiSink fans one output out to several sinks in order.
type MultiSink []OutputSink

// Publish forwards out to every sink.
func (m MultiSink) Publish(out Output) {
	for _, s := range m {
		s.Publish(out)
	}
}

// Runner owns the engine's single logical thread: detection frames and render
// ticks are handled one at a time, in arrival order.
//
// Render ticks come from the runner clock, so frame capture times are rebased
// onto it before they reach the engine. The spacing between captures is kept;
// the absolute detector clock is not.
type Runner struct {
	engine   *Engine
	clock    timeutil.Clock
	sink     OutputSink
	interval time.Duration
	frames   chan Frame

	maxLag    time.Duration
	offset    time.Duration
	hasOffset bool
}

// NewRunner creates a runner ticking every interval. A zero interval uses the
// engine's configured render interval; a nil clock uses the wall clock.
func NewRunner(engine *Engine, clock timeutil.Clock, sink OutputSink, interval time.Duration) *Runner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = engine.Config().RenderInterval
	}
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	return &Runner{
		engine:   engine,
		clock:    clock,
		sink:     sink,
		interval: interval,
		frames:   make(chan Frame, 8),
		maxLag:   engine.Config().LostHysteresis / 2,
	}
}

// Submit queues a detection frame. It blocks while the queue is full and
// returns ctx.Err() if ctx is cancelled first.
func (r *Runner) Submit(ctx context.Context, f Frame) error {
	select {
	case r.frames <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes frames and render ticks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	monitoring.Logf("[Runner] started (render every %s)", r.interval)
	defer monitoring.Logf("[Runner] stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-r.frames:
			r.publish(r.engine.Update(f.Observations, r.stamp(f)))
		case at := <-ticker.C():
			r.publish(r.engine.Predict(at))
		}
	}
}

// stamp maps a frame's capture time onto the runner clock. The offset between
// the two clocks is taken at the first timed frame and taken again whenever a
// rebased time runs ahead of the runner clock or lags it by more than maxLag.
func (r *Runner) stamp(f Frame) time.Time {
	now := r.clock.Now()
	if f.At.IsZero() {
		return now
	}
	at := f.At.Add(r.offset)
	if !r.hasOffset || at.After(now) || now.Sub(at) > r.maxLag {
		if r.hasOffset {
			monitoring.Debugf("[Runner] detector clock resync (%s off)", now.Sub(at))
		}
		r.offset = now.Sub(f.At)
		r.hasOffset = true
		at = now
	}
	return at
}

func (r *Runner) publish(out Output) {
	if r.sink != nil {
		r.sink.Publish(out)
	}
}
