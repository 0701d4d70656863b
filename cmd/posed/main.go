// Command posed runs the pose fusion service: it reads marker detections from
// a detector link, fuses them into a stable object pose and serves the result
// over HTTP with a gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/posefusion/internal/config"
	"github.com/banshee-data/posefusion/internal/db"
	"github.com/banshee-data/posefusion/internal/detect"
	"github.com/banshee-data/posefusion/internal/monitor"
	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/pose/markers"
	"github.com/banshee-data/posefusion/internal/pose/tracking"
	"github.com/banshee-data/posefusion/internal/timeutil"
	"github.com/banshee-data/posefusion/internal/version"
)

var (
	preset     = flag.String("preset", config.PresetDesktop, "Tuning preset (minimal, mobile, desktop)")
	configPath = flag.String("config", "", "JSON tuning file layered over the preset")
	dbPath     = flag.String("db", "posefusion.db", "SQLite database for settings and recordings (empty disables)")
	record     = flag.Bool("record", true, "Record a session to the database")
	listen     = flag.String("listen", ":8080", "HTTP listen address")
	grpcAddr   = flag.String("grpc", "localhost:50051", "gRPC health listen address (empty disables)")
	serialPort = flag.String("serial", "", "Serial device of the detector")
	baud       = flag.Int("baud", 115200, "Serial baud rate")
	udpAddr    = flag.String("udp", "", "UDP address to receive detection datagrams on")
	pcapFile   = flag.String("pcap", "", "Replay detections from a pcap capture")
	pcapPort   = flag.Int("pcap-port", detect.DefaultUDPPort, "UDP destination port to replay from the capture")
	inputFile  = flag.String("input", "", "Read JSON-lines detections from a file (- for stdin)")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	showVer    = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.Get())
		return
	}
	log.Printf("posed %s", version.Get())

	tuning, err := config.Resolve(*preset, *configPath)
	if err != nil {
		log.Fatalf("failed to load tuning: %v", err)
	}
	monitoring.SetDebug(*debug || tuning.GetDebug())

	offsets, err := markers.DefaultOffsetTable(tuning.GetMarkerLayout())
	if err != nil {
		log.Fatalf("failed to build marker layout: %v", err)
	}
	engineCfg := tracking.EngineConfigFromTuning(tuning)
	engineCfg.Debug = *debug || tuning.GetDebug()

	var database *db.DB
	if *dbPath != "" {
		database, err = db.Open(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer database.Close()
		applyOverrides(db.NewSettingsStore(database), offsets, &engineCfg)
	}

	src, err := detect.NewSource(detect.SourceOptions{
		SerialPath: *serialPort,
		Serial:     detect.PortOptions{BaudRate: *baud},
		UDPAddress: *udpAddr,
		PCAPPath:   *pcapFile,
		PCAPPort:   *pcapPort,
		Realtime:   true,
		File:       *inputFile,
		Reader:     os.Stdin,
	})
	if err != nil {
		log.Fatalf("failed to configure detection source: %v", err)
	}

	engine := tracking.NewEngine(engineCfg, offsets)
	state := monitor.NewState(monitor.DefaultHistorySize)
	sinks := tracking.MultiSink{state}

	var recorder *db.Recorder
	if database != nil && *record {
		recorder, err = db.StartSession(database, *preset, engineCfg.FilterMode, time.Now())
		if err != nil {
			log.Fatalf("failed to start recording: %v", err)
		}
		log.Printf("recording session %s", recorder.SessionID())
		sinks = append(sinks, recorder)
	}

	var health *monitor.HealthPublisher
	if *grpcAddr != "" {
		health = monitor.NewHealthPublisher(*grpcAddr)
		if err := health.Start(); err != nil {
			log.Fatalf("failed to start gRPC health server: %v", err)
		}
		defer health.Stop()
		sinks = append(sinks, health)
	}

	runner := tracking.NewRunner(engine, timeutil.RealClock{}, sinks, tuning.GetRenderInterval())

	webCfg := monitor.WebServerConfig{Address: *listen, State: state, Engine: engine}
	if database != nil {
		webCfg.Admin = database
	}
	web := monitor.NewWebServer(webCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("runner stopped: %v", err)
		}
		log.Print("runner routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := src.Run(ctx, func(f detect.Frame) {
			if err := runner.Submit(ctx, f); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to submit frame: %v", err)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("detection source stopped: %v", err)
			stop()
		}
		log.Print("detection routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := web.Start(ctx); err != nil {
			log.Printf("HTTP server failed: %v", err)
			stop()
		}
	}()

	wg.Wait()

	if recorder != nil {
		if err := recorder.End(time.Now()); err != nil {
			log.Printf("failed to close recording: %v", err)
		}
	}
	log.Printf("Graceful shutdown complete")
}

// applyOverrides layers persisted marker offsets and anchor ids over the
// tuning defaults.
func applyOverrides(store markers.SettingsStore, offsets markers.OffsetTable, cfg *tracking.EngineConfig) {
	n, err := markers.LoadOffsets(store, offsets)
	if err != nil {
		log.Fatalf("failed to load marker offsets: %v", err)
	}
	if n > 0 {
		log.Printf("applied %d stored marker offsets", n)
	}
	ids, err := markers.LoadAnchorIDs(store)
	if err != nil {
		log.Fatalf("failed to load anchor ids: %v", err)
	}
	if len(ids) > 0 {
		cfg.AnchorIDs = ids
		log.Printf("using %d stored anchor markers", len(ids))
	}
}
