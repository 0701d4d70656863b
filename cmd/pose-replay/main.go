// Command pose-replay runs a recorded detection capture through the fusion
// engine offline and reports tracking quality.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/banshee-data/posefusion/internal/config"
	"github.com/banshee-data/posefusion/internal/detect"
	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/plots"
	"github.com/banshee-data/posefusion/internal/pose/markers"
	"github.com/banshee-data/posefusion/internal/pose/tracking"
)

var (
	preset     = flag.String("preset", config.PresetDesktop, "Tuning preset (minimal, mobile, desktop)")
	configPath = flag.String("config", "", "JSON tuning file layered over the preset")
	filterMode = flag.String("filter", "", "Override the filter mode (adaptive, kalman, predictive, ekf)")
	pcapFile   = flag.String("pcap", "", "pcap capture of detection datagrams")
	pcapPort   = flag.Int("pcap-port", detect.DefaultUDPPort, "UDP destination port to replay from the capture")
	inputFile  = flag.String("input", "", "JSON-lines detection file (- for stdin)")
	outDir     = flag.String("out", "", "Directory for trajectory plots (empty disables plotting)")
	ticks      = flag.Bool("ticks", true, "Interleave render-tick predictions between detections")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

// defaultFrameStep spaces frames that carry no timestamp.
const defaultFrameStep = time.Second / 30

func main() {
	flag.Parse()
	monitoring.SetDebug(*debug)

	tuning, err := config.Resolve(*preset, *configPath)
	if err != nil {
		log.Fatalf("failed to load tuning: %v", err)
	}
	engineCfg := tracking.EngineConfigFromTuning(tuning)
	engineCfg.Debug = *debug || tuning.GetDebug()
	if *filterMode != "" {
		if engineCfg.FilterMode, err = tracking.ParseFilterMode(*filterMode); err != nil {
			log.Fatal(err)
		}
	}
	offsets, err := markers.DefaultOffsetTable(tuning.GetMarkerLayout())
	if err != nil {
		log.Fatalf("failed to build marker layout: %v", err)
	}

	src, err := detect.NewSource(detect.SourceOptions{
		PCAPPath: *pcapFile,
		PCAPPort: *pcapPort,
		File:     *inputFile,
		Reader:   os.Stdin,
	})
	if err != nil {
		log.Fatalf("failed to configure input: %v", err)
	}

	var plotter *plots.TrajectoryPlotter
	if *outDir != "" {
		name := *inputFile
		if name == "" {
			name = *pcapFile
		}
		dir := plots.MakePlotOutputDir(*outDir, name, time.Now())
		plotter = plots.NewTrajectoryPlotter()
		if err := plotter.Start(dir); err != nil {
			log.Fatalf("failed to prepare plot directory: %v", err)
		}
	}

	engine := tracking.NewEngine(engineCfg, offsets)
	summary, err := replay(context.Background(), src, engine, plotter, replayOptions{
		RenderInterval: tuning.GetRenderInterval(),
		Ticks:          *ticks,
	})
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}

	if plotter != nil {
		plotter.Stop()
		n, err := plotter.GeneratePlots()
		if err != nil {
			log.Fatalf("failed to generate plots: %v", err)
		}
		log.Printf("wrote %d plots", n)
	}
	summary.Write(os.Stdout)
}

type replayOptions struct {
	RenderInterval time.Duration
	Ticks          bool
}

// replay feeds every frame from src through engine in capture order, and
// optionally the render ticks a live runner would have produced in between.
func replay(ctx context.Context, src detect.Source, engine *tracking.Engine, plotter *plots.TrajectoryPlotter, opts replayOptions) (*Summary, error) {
	summary := &Summary{}
	sink := tracking.MultiSink{summary}
	if plotter != nil {
		sink = append(sink, plotter)
	}

	var last time.Time
	err := src.Run(ctx, func(f detect.Frame) {
		at := f.At
		if at.IsZero() || (!last.IsZero() && !at.After(last)) {
			// Untimed or out-of-order frames advance a synthetic clock.
			if last.IsZero() {
				at = time.Unix(0, 0).UTC()
			} else {
				at = last.Add(defaultFrameStep)
			}
		}
		if opts.Ticks && opts.RenderInterval > 0 && !last.IsZero() {
			for tick := last.Add(opts.RenderInterval); tick.Before(at); tick = tick.Add(opts.RenderInterval) {
				sink.Publish(engine.Predict(tick))
			}
		}
		summary.Frames++
		sink.Publish(engine.Update(f.Observations, at))
		last = at
	})
	if err != nil {
		return nil, fmt.Errorf("reading detections: %w", err)
	}
	summary.Rejects = engine.TotalRejects().Total()
	return summary, nil
}
