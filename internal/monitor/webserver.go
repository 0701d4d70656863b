package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/posefusion/internal/httputil"
	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/pose/geom"
	"github.com/banshee-data/posefusion/internal/pose/tracking"
	"github.com/banshee-data/posefusion/internal/version"
)

// AdminRoutes mounts extra debug routes, such as the database console.
type AdminRoutes interface {
	AttachAdminRoutes(mux *http.ServeMux) error
}

// WebServerConfig configures the HTTP monitor.
type WebServerConfig struct {
	Address string
	State   *State
	Engine  *tracking.Engine // optional; enables /api/rejects
	Admin   AdminRoutes      // optional
}

// WebServer serves the pose API and the debug HUD.
type WebServer struct {
	address string
	state   *State
	engine  *tracking.Engine
	admin   AdminRoutes
	server  *http.Server
}

// NewWebServer creates a server; call Start to serve.
func NewWebServer(cfg WebServerConfig) *WebServer {
	ws := &WebServer{
		address: cfg.Address,
		state:   cfg.State,
		engine:  cfg.Engine,
		admin:   cfg.Admin,
	}
	if ws.state == nil {
		ws.state = NewState(DefaultHistorySize)
	}
	return ws
}

// Handler builds the route table.
func (ws *WebServer) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pose", ws.handlePose)
	mux.HandleFunc("/api/telemetry", ws.handleTelemetry)
	mux.HandleFunc("/api/rejects", ws.handleRejects)
	mux.HandleFunc("/api/version", handleVersion)

	debug := tsweb.Debugger(mux)
	debug.Handle("hud", "Fusion quality HUD", http.HandlerFunc(ws.handleHUD))
	if ws.admin != nil {
		if err := ws.admin.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// Start serves until ctx is cancelled, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	handler, err := ws.Handler()
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", ws.address)
	if err != nil {
		return err
	}
	ws.server = &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[Monitor] HTTP server listening on %s", lis.Addr())
		if err := ws.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[Monitor] HTTP shutdown error: %v", err)
		ws.server.Close()
	}
	monitoring.Logf("[Monitor] HTTP server stopped")
	return nil
}

// poseResponse is the /api/pose body.
type poseResponse struct {
	At        time.Time          `json:"at"`
	Position  [3]float64         `json:"position"`
	Rotation  [4]float64         `json:"rotation"` // x, y, z, w
	Tracking  bool               `json:"tracking"`
	Visible   bool               `json:"visible"`
	Snapped   bool               `json:"snapped"`
	Telemetry tracking.Telemetry `json:"telemetry"`
}

func toPoseResponse(out tracking.Output) poseResponse {
	return poseResponse{
		At:        out.At,
		Position:  vecArray(out.Position),
		Rotation:  [4]float64{out.Rotation.Imag, out.Rotation.Jmag, out.Rotation.Kmag, out.Rotation.Real},
		Tracking:  out.Tracking,
		Visible:   out.Visible,
		Snapped:   out.Snapped,
		Telemetry: out.Telemetry,
	}
}

func vecArray(v geom.Vec) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func (ws *WebServer) handlePose(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	out, ok := ws.state.Latest()
	if !ok {
		httputil.NotFound(w, "no pose yet")
		return
	}
	httputil.WriteJSONOK(w, toPoseResponse(out))
}

func (ws *WebServer) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	httputil.WriteJSONOK(w, ws.state.History())
}

func (ws *WebServer) handleRejects(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if ws.engine == nil {
		httputil.NotFound(w, "engine not attached")
		return
	}
	rejects := ws.engine.TotalRejects()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"total":   rejects.Total(),
		"reasons": rejects,
	})
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}
