package monitor

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/pose/tracking"
)

// TrackerService is the gRPC health service name reported by HealthPublisher.
const TrackerService = "posefusion.Tracker"

// HealthPublisher serves the standard gRPC health protocol. TrackerService
// reports SERVING while the engine is tracking and NOT_SERVING otherwise.
// It implements tracking.OutputSink.
type HealthPublisher struct {
	addr     string
	health   *health.Server
	server   *grpc.Server
	listener net.Listener

	tracking atomic.Bool
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewHealthPublisher creates a publisher that will listen on addr.
func NewHealthPublisher(addr string) *HealthPublisher {
	hs := health.NewServer()
	hs.SetServingStatus(TrackerService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthPublisher{addr: addr, health: hs}
}

// Start listens on the configured address and serves in the background.
func (p *HealthPublisher) Start() error {
	lis, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves on an existing listener in the background.
func (p *HealthPublisher) Serve(lis net.Listener) error {
	if p.running.Load() {
		return fmt.Errorf("health publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	healthpb.RegisterHealthServer(p.server, p.health)
	p.running.Store(true)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[Health] gRPC health server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("[Health] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully stops the server.
func (p *HealthPublisher) Stop() {
	if !p.running.Load() {
		return
	}
	p.running.Store(false)
	p.health.Shutdown()
	p.server.GracefulStop()
	p.listener.Close()
	p.wg.Wait()
	monitoring.Logf("[Health] gRPC health server stopped")
}

// Publish updates the serving status when the tracking state changes.
func (p *HealthPublisher) Publish(out tracking.Output) {
	if p.tracking.Swap(out.Tracking) == out.Tracking {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if out.Tracking {
		status = healthpb.HealthCheckResponse_SERVING
	}
	p.health.SetServingStatus(TrackerService, status)
	monitoring.Debugf("[Health] %s -> %s", TrackerService, status)
}
