// Package tracking turns per-frame marker observations into a stable,
// temporally coherent object pose. Engine owns all tracking state; Runner
// serialises detection frames and render ticks onto one goroutine.
package tracking

import (
	"sync"
	"time"

	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/pose/filters"
	"github.com/banshee-data/posefusion/internal/pose/fusion"
	"github.com/banshee-data/posefusion/internal/pose/geom"
	"github.com/banshee-data/posefusion/internal/pose/markers"
)

// defaultMeasurementDt is assumed for the first measurement interval.
const defaultMeasurementDt = 1.0 / 30

// Telemetry is the debug snapshot attached to every Output.
type Telemetry struct {
	PoolSize               int                 `json:"pool_size"`
	CandidateCount         int                 `json:"candidate_count"`
	ObservationCount       int                 `json:"observation_count"`
	Stats                  fusion.Stats        `json:"stats"`
	Thresholds             Thresholds          `json:"thresholds"`
	AnchorActive           bool                `json:"anchor_active"`
	AnchorState            AnchorState         `json:"anchor_state"`
	AnchorBuildup          int                 `json:"anchor_buildup"`
	AnchorDrift            float64             `json:"anchor_drift"`
	FramesWithoutDetection int                 `json:"frames_without_detection"`
	Rejects                markers.RejectStats `json:"rejects"`
	FilterMode             FilterMode          `json:"filter_mode"`
	Consensus              bool                `json:"consensus"`
	LowTrust               bool                `json:"low_trust"`
}

// Output is the pose handed to the renderer on every update or render tick.
type Output struct {
	At       time.Time
	Position geom.Vec
	Rotation geom.Quat
	// Fused is the robust fused position before smoothing; zero when the
	// output came from a prediction or a missed frame.
	Fused    geom.Vec
	HasFused bool
	// Tracking is false once the lost-tracking hysteresis has expired.
	Tracking bool
	// Visible is false when the renderer should hide the model. It can be
	// false while Tracking is still true (lock broken by a detection gap).
	Visible bool
	// Snapped is true when the output jumped straight to the measurement.
	Snapped   bool
	Telemetry Telemetry
}

// Engine is the fusion session. All exported methods are safe for concurrent
// use, but callers should still funnel updates through one Runner so frame
// order is preserved.
type Engine struct {
	mu  sync.Mutex
	cfg EngineConfig

	offsets markers.OffsetTable
	adapt   AdaptiveController
	smooth  Smoother
	anchor  *WorldAnchor
	median  *fusion.MedianFilter
	stats   *fusion.StatsTracker

	kalman     *filters.KalmanFilter3D
	quatFilter *filters.QuaternionFilter
	predictive *filters.PredictivePositionFilter
	ekf        *filters.QuaternionEKF

	// TrackingState
	position      geom.Vec
	rotation      geom.Quat
	hasFirstPose  bool
	tracking      bool
	hidden        bool
	framesWithout int
	lastDetection time.Time
	lastTick      time.Time
	lastFusedPos  geom.Vec
	lastFusedRot  geom.Quat
	angularRate   geom.Vec
	lastTelemetry Telemetry
	totalRejects  markers.RejectStats
}

// NewEngine creates an engine over the given marker offset table. The table
// is copied.
func NewEngine(cfg EngineConfig, offsets markers.OffsetTable) *Engine {
	e := &Engine{offsets: offsets.Clone()}
	e.applyConfig(cfg)
	e.resetLocked()
	return e
}

func (e *Engine) applyConfig(cfg EngineConfig) {
	e.cfg = cfg
	e.adapt = AdaptiveController{Config: cfg.Adaptive}
	e.smooth = Smoother{Config: cfg.Smoothing}
	if e.anchor == nil {
		e.anchor = NewWorldAnchor(cfg.Anchor)
	} else {
		e.anchor.SetConfig(cfg.Anchor)
	}
	if e.median == nil || e.median.Size() != cfg.MedianWindow {
		e.median = fusion.NewMedianFilter(cfg.MedianWindow)
	}
	if e.stats == nil {
		e.stats = fusion.NewStatsTracker(cfg.StatsAlpha)
	} else {
		e.stats.Alpha = cfg.StatsAlpha
	}
	if e.predictive == nil {
		e.predictive = filters.NewPredictivePositionFilter(cfg.Predictive)
	} else {
		e.predictive.SetConfig(cfg.Predictive)
	}
	e.kalman = filters.NewKalmanFilter3D(cfg.KalmanProcessNoise, cfg.KalmanMeasurementNoise)
	e.quatFilter = filters.NewQuaternionFilter(cfg.QuaternionTimeConstant)
	e.ekf = filters.NewQuaternionEKF(cfg.EKF)
	if e.hasFirstPose {
		e.resetFilters(e.position, e.rotation)
	}
	// Debug only ever switches hot-path logging on; the flag is process-wide.
	if cfg.Debug {
		monitoring.SetDebug(true)
	}
}

// Config returns a copy of the current configuration.
func (e *Engine) Config() EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// UpdateConfig applies fn to a copy of the configuration under the engine
// lock. Tracking state survives; filters are re-seeded at the current pose.
func (e *Engine) UpdateConfig(fn func(*EngineConfig)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg
	fn(&cfg)
	e.applyConfig(cfg)
}

// SetOffset installs or replaces one marker's offset.
func (e *Engine) SetOffset(id int, off markers.MarkerOffset) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offsets.Set(id, off)
}

// Offsets returns a copy of the current offset table.
func (e *Engine) Offsets() markers.OffsetTable {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offsets.Clone()
}

// Reset drops all tracking state, as if the engine had just been created.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Engine) resetLocked() {
	e.position = geom.Vec{}
	e.rotation = geom.Identity()
	e.hasFirstPose = false
	e.tracking = false
	e.hidden = false
	e.framesWithout = 0
	e.lastDetection = time.Time{}
	e.lastTick = time.Time{}
	e.angularRate = geom.Vec{}
	e.median.Reset()
	e.stats.Reset()
	e.anchor.Reset()
	e.lastTelemetry = Telemetry{FilterMode: e.cfg.FilterMode}
	e.totalRejects = markers.RejectStats{}
}

// Tracking reports whether the engine currently holds a pose.
func (e *Engine) Tracking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracking
}

// TotalRejects returns the cumulative reject counters since the last Reset.
func (e *Engine) TotalRejects() markers.RejectStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalRejects
}

// Update runs one full fusion pass over a detection frame captured at at.
func (e *Engine) Update(obs []markers.Observation, at time.Time) Output {
	e.mu.Lock()
	defer e.mu.Unlock()

	th := e.thresholds()
	cands, rejects := markers.BuildCandidates(obs, e.candidateParams(th), e.reference())
	e.totalRejects.Add(rejects)

	tel := Telemetry{
		CandidateCount:   len(cands),
		ObservationCount: len(obs),
		Thresholds:       th,
		Rejects:          rejects,
		FilterMode:       e.cfg.FilterMode,
	}

	if !e.cfg.FusionEnabled && len(cands) > 1 {
		best, _ := markers.Best(cands)
		cands = []markers.Candidate{best}
	}

	var refRot *geom.Quat
	if e.hasFirstPose {
		r := e.rotation
		refRot = &r
	}
	res, ok := fusion.Fuse(cands, e.fusionParams(th), refRot)
	if !ok {
		return e.miss(at, tel)
	}
	if e.cfg.PositionOnly {
		res.Rotation = geom.Identity()
		for i := range res.Survivors {
			res.Survivors[i].Rotation = geom.Identity()
		}
	}
	return e.hit(res, at, tel)
}

func (e *Engine) thresholds() Thresholds {
	return e.adapt.Thresholds(e.stats.Stats())
}

func (e *Engine) reference() *geom.Vec {
	if !e.hasFirstPose {
		return nil
	}
	ref := e.lastFusedPos
	return &ref
}

func (e *Engine) candidateParams(th Thresholds) markers.CandidateParams {
	return markers.CandidateParams{
		Offsets:             e.offsets,
		MinPerimeter:        e.cfg.MinMarkerPerimeter,
		MaxPoseError:        e.cfg.MaxPoseErrorForFusion,
		ConfidenceThreshold: th.ConfidenceThreshold,
		ObliqueSoftDeg:      th.ObliqueSoftDeg,
		ObliqueRejectDeg:    th.ObliqueRejectDeg,
		OutlierDistance:     th.OutlierDistance,
		TrackWindow:         th.TrackWindow,
		ObliqueFloor:        e.cfg.ObliqueWeightFloor,
		AnchorIDs:           e.cfg.AnchorIDs,
		AnchorBoost:         e.cfg.AnchorBoost,
	}
}

func (e *Engine) fusionParams(th Thresholds) fusion.Params {
	return fusion.Params{
		AgreeDist:       e.cfg.Adaptive.AgreeDist,
		OutlierDistance: th.OutlierDistance,
		MaxPasses:       e.cfg.FusionMaxPasses,
		SigmaFactor:     e.cfg.FusionSigmaFactor,
	}
}

func (e *Engine) measurementDt(at time.Time) float64 {
	if e.lastDetection.IsZero() {
		return defaultMeasurementDt
	}
	return e.smooth.ClampDt(at.Sub(e.lastDetection).Seconds())
}

// hit folds a successful fusion result into the tracking state.
func (e *Engine) hit(res fusion.Result, at time.Time, tel Telemetry) Output {
	dt := e.measurementDt(at)
	stats := e.stats.Observe(res)
	noise := NoiseScore(stats)

	anchorRes := e.anchor.Observe(AnchorObservation{
		Survivors:   len(res.Survivors),
		MaxPairwise: res.MaxPairwise,
		Position:    res.Position,
		Rotation:    res.Rotation,
	})
	switch anchorRes.Event {
	case AnchorAcquired:
		monitoring.Logf("[Tracking] world anchor locked after %d agreeing frames", e.cfg.Anchor.BuildupTarget)
	case AnchorBrokenDrift:
		monitoring.Logf("[Tracking] world anchor released: drift %.3fm / %.1f°", anchorRes.Drift, geom.Degrees(anchorRes.DriftAngle))
	case AnchorBrokenReposition:
		monitoring.Logf("[Tracking] world anchor released: fast reposition")
	}

	snapped := false
	jump := e.hasFirstPose && e.cfg.MaxPositionJump > 0 &&
		res.Position.Distance(e.position) > e.cfg.MaxPositionJump && !e.anchor.Active()
	if jump {
		e.median.Reset()
	}
	target := e.median.Push(res.Position)

	var blend BlendResult
	if !e.hasFirstPose || jump {
		e.position = target
		e.rotation = geom.Normalize(res.Rotation)
		e.resetFilters(e.position, e.rotation)
		e.angularRate = geom.Vec{}
		snapped = true
		if !e.tracking {
			monitoring.Logf("[Tracking] acquired with %d marker(s)", len(res.Survivors))
		}
	} else {
		blend = e.filterStep(target, res, dt, e.rotationDt(at, dt), noise, stats, anchorRes)
	}

	e.angularRate = angularRate(e.lastFusedRot, res.Rotation, dt, e.hasFirstPose && !snapped)
	e.lastFusedPos = res.Position
	e.lastFusedRot = res.Rotation
	e.hasFirstPose = true
	e.tracking = true
	e.hidden = false
	e.framesWithout = 0
	e.lastDetection = at
	e.lastTick = at

	tel.PoolSize = len(res.Survivors)
	tel.Stats = stats
	tel.Thresholds.Noise = noise
	tel.Consensus = res.Consensus
	tel.LowTrust = blend.LowTrust
	tel.AnchorDrift = anchorRes.Drift
	e.fillAnchorTelemetry(&tel)
	e.lastTelemetry = tel

	monitoring.Debugf("[Fusion] pool=%d/%d spread=%.4f noise=%.2f anchor=%s",
		tel.PoolSize, tel.CandidateCount, res.Spread, noise, tel.AnchorState)

	return Output{
		At:        at,
		Position:  e.position,
		Rotation:  e.rotation,
		Fused:     res.Position,
		HasFused:  true,
		Tracking:  true,
		Visible:   true,
		Snapped:   snapped,
		Telemetry: tel,
	}
}

// filterStep advances the configured temporal filter toward the fused pose.
func (e *Engine) filterStep(target geom.Vec, res fusion.Result, dt, rotDt, noise float64, stats fusion.Stats, anchorRes AnchorResult) BlendResult {
	conf := res.MeanConfidence
	switch e.cfg.FilterMode {
	case FilterKalman:
		e.position = e.kalman.Update(target)
		e.rotation = e.quatFilter.Update(res.Rotation, dt, conf)
	case FilterPredictive:
		e.position = e.predictive.Update(target, dt, conf)
		e.rotation = e.quatFilter.Update(res.Rotation, dt, conf)
	case FilterEKF:
		e.position = e.predictive.Update(target, dt, conf)
		e.ekf.Predict(e.angularRate, rotDt)
		e.rotation = e.ekf.Update(res.Rotation)
	default:
		b := e.smooth.Blend(BlendInput{
			PrevPos:       e.position,
			PrevRot:       e.rotation,
			FusedPos:      target,
			FusedRot:      res.Rotation,
			MarkerCount:   len(res.Survivors),
			Noise:         noise,
			Stats:         stats,
			Dt:            dt,
			Locked:        e.anchor.Active(),
			Repositioning: anchorRes.Repositioning,
		})
		e.position = b.Position
		e.rotation = b.Rotation
		return b
	}
	return BlendResult{Position: e.position, Rotation: e.rotation}
}

// rotationDt is the time the EKF orientation has not yet been propagated over.
// Render ticks integrate up to lastTick.
func (e *Engine) rotationDt(at time.Time, dt float64) float64 {
	if e.lastTick.IsZero() {
		return dt
	}
	return geom.Clamp(at.Sub(e.lastTick).Seconds(), 0, e.smooth.Config.MaxMeasurementDt)
}

func (e *Engine) resetFilters(pos geom.Vec, rot geom.Quat) {
	e.kalman.Reset(pos)
	e.predictive.Reset(pos)
	e.quatFilter.Reset(rot)
	e.ekf.Reset(rot)
}

// angularRate estimates body-frame angular velocity from two consecutive
// fused orientations.
func angularRate(prev, cur geom.Quat, dt float64, valid bool) geom.Vec {
	if !valid || dt <= 0 {
		return geom.Vec{}
	}
	delta := geom.Mul(geom.Conj(prev), geom.AlignSign(cur, prev))
	return geom.ToRotationVector(delta).Mul(1 / dt)
}

// miss handles a frame with no usable candidates.
func (e *Engine) miss(at time.Time, tel Telemetry) Output {
	e.framesWithout++

	if e.anchor.Active() {
		// Hide rather than freeze the model in camera space.
		e.anchor.Reset()
		e.hidden = true
		monitoring.Logf("[Tracking] world anchor released: detection gap")
	} else {
		e.anchor.Decay()
	}
	e.expireIfStale(at)

	tel.FramesWithoutDetection = e.framesWithout
	tel.Stats = e.stats.Stats()
	e.fillAnchorTelemetry(&tel)
	e.lastTelemetry = tel
	return e.outputLocked(at, tel)
}

// expireIfStale declares tracking lost once the hysteresis window has passed
// since the last detection.
func (e *Engine) expireIfStale(at time.Time) {
	if !e.tracking {
		return
	}
	if at.Sub(e.lastDetection) <= e.cfg.LostHysteresis {
		return
	}
	e.median.Reset()
	e.anchor.Reset()
	e.hasFirstPose = false
	e.tracking = false
	e.hidden = false
	e.angularRate = geom.Vec{}
	monitoring.Logf("[Tracking] lost after %d frame(s) without detection", e.framesWithout)
}

// Predict serves a render tick between detections. Predictive filter modes
// extrapolate; the others hold the last pose.
func (e *Engine) Predict(at time.Time) Output {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.expireIfStale(at)
	if e.tracking && !e.hidden && !e.lastTick.IsZero() && at.After(e.lastTick) {
		dt := at.Sub(e.lastTick).Seconds()
		switch e.cfg.FilterMode {
		case FilterPredictive:
			if p, ok := e.predictive.Predict(dt); ok {
				e.position = p
			}
		case FilterEKF:
			if p, ok := e.predictive.Predict(dt); ok {
				e.position = p
			}
			e.rotation = e.ekf.Predict(e.angularRate, dt)
		}
		e.lastTick = at
	}

	tel := e.lastTelemetry
	tel.FramesWithoutDetection = e.framesWithout
	e.fillAnchorTelemetry(&tel)
	return e.outputLocked(at, tel)
}

func (e *Engine) fillAnchorTelemetry(tel *Telemetry) {
	tel.AnchorActive = e.anchor.Active()
	tel.AnchorState = e.anchor.State()
	tel.AnchorBuildup = e.anchor.Buildup()
}

func (e *Engine) outputLocked(at time.Time, tel Telemetry) Output {
	return Output{
		At:        at,
		Position:  e.position,
		Rotation:  e.rotation,
		Tracking:  e.tracking,
		Visible:   e.tracking && !e.hidden,
		Telemetry: tel,
	}
}
