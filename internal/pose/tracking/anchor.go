package tracking

import (
	"math"

	"github.com/banshee-data/posefusion/internal/pose/geom"
)

// AnchorConfig tunes the world-anchor lock.
type AnchorConfig struct {
	Enabled            bool
	BuildupTarget      int     // consecutive qualifying frames needed to lock
	MaxAgreeDist       float64 // metres; max pairwise survivor spread for a qualifying frame
	BreakDistance      float64 // metres
	BreakAngle         float64 // radians
	CorrectionAlpha    float64 // reference position drift rate per frame
	RotCorrectionAlpha float64 // reference orientation drift rate per frame
	MaxMarkerBoost     float64 // cap on the marker-count boost of the correction rates

	// Fast reposition: consecutive large frame-to-frame moves while locked
	// relax display smoothing and force an unlock.
	FastRepositionDist   float64 // metres per frame
	FastRepositionAngle  float64 // radians per frame
	FastRepositionFrames int
}

// AnchorState is the externally visible lock state.
type AnchorState string

const (
	AnchorUnlocked AnchorState = "unlocked"
	AnchorBuilding AnchorState = "building"
	AnchorLocked   AnchorState = "locked"
)

// AnchorEvent reports a lock transition caused by one observation.
type AnchorEvent int

const (
	AnchorNoChange AnchorEvent = iota
	AnchorAcquired
	AnchorBrokenDrift
	AnchorBrokenReposition
)

func (e AnchorEvent) String() string {
	switch e {
	case AnchorAcquired:
		return "acquired"
	case AnchorBrokenDrift:
		return "broken (drift)"
	case AnchorBrokenReposition:
		return "broken (reposition)"
	}
	return "none"
}

// AnchorObservation is the robust fusion result the anchor monitors.
type AnchorObservation struct {
	Survivors   int
	MaxPairwise float64
	Position    geom.Vec // fused pose before median filtering
	Rotation    geom.Quat
}

// AnchorResult is returned from WorldAnchor.Observe.
type AnchorResult struct {
	Event AnchorEvent
	// Repositioning is true while a fast move is in progress; display
	// smoothing should run at full rate.
	Repositioning bool
	Drift         float64
	DriftAngle    float64
}

// WorldAnchor builds confidence over agreeing multi-marker frames, then holds
// a slowly drifting reference pose and breaks on large deviation.
type WorldAnchor struct {
	cfg AnchorConfig

	active   bool
	position geom.Vec
	rotation geom.Quat
	buildup  int

	fastFrames  int
	lastPos     geom.Vec
	lastRot     geom.Quat
	hasLastPose bool
}

// NewWorldAnchor creates an unlocked anchor.
func NewWorldAnchor(cfg AnchorConfig) *WorldAnchor {
	a := &WorldAnchor{cfg: cfg}
	a.Reset()
	return a
}

// SetConfig replaces the tuning. State is kept.
func (a *WorldAnchor) SetConfig(cfg AnchorConfig) { a.cfg = cfg }

// Reset returns to the unlocked state with an empty buildup counter.
func (a *WorldAnchor) Reset() {
	a.active = false
	a.buildup = 0
	a.position = geom.Vec{}
	a.rotation = geom.Identity()
	a.fastFrames = 0
	a.hasLastPose = false
}

// Active reports whether the lock is held.
func (a *WorldAnchor) Active() bool { return a.active }

// Buildup returns the current buildup counter.
func (a *WorldAnchor) Buildup() int { return a.buildup }

// Pose returns the locked reference pose.
func (a *WorldAnchor) Pose() (geom.Vec, geom.Quat) { return a.position, a.rotation }

// State returns the lock state.
func (a *WorldAnchor) State() AnchorState {
	switch {
	case a.active:
		return AnchorLocked
	case a.buildup > 0:
		return AnchorBuilding
	}
	return AnchorUnlocked
}

// Observe advances the state machine with one fusion result.
func (a *WorldAnchor) Observe(obs AnchorObservation) AnchorResult {
	if !a.cfg.Enabled {
		return AnchorResult{}
	}
	defer a.rememberPose(obs)

	if !a.active {
		return a.build(obs)
	}
	return a.track(obs)
}

// sparseFramePenalty is taken off the buildup counter for every frame with
// fewer than two surviving markers.
const sparseFramePenalty = 2

// Decay counts a frame that produced no fusion result against the buildup.
// A held lock is left alone; detection gaps release it elsewhere.
func (a *WorldAnchor) Decay() {
	if !a.cfg.Enabled || a.active {
		return
	}
	a.buildup -= sparseFramePenalty
	if a.buildup < 0 {
		a.buildup = 0
	}
	a.hasLastPose = false
}

func (a *WorldAnchor) build(obs AnchorObservation) AnchorResult {
	switch {
	case obs.Survivors < 2:
		a.buildup -= sparseFramePenalty
	case obs.MaxPairwise <= a.cfg.MaxAgreeDist:
		a.buildup++
	default:
		a.buildup--
	}
	if a.buildup < 0 {
		a.buildup = 0
	}

	if a.buildup >= a.cfg.BuildupTarget {
		a.active = true
		a.position = obs.Position
		a.rotation = geom.Normalize(obs.Rotation)
		a.fastFrames = 0
		return AnchorResult{Event: AnchorAcquired}
	}
	return AnchorResult{}
}

func (a *WorldAnchor) track(obs AnchorObservation) AnchorResult {
	res := AnchorResult{
		Drift:      obs.Position.Distance(a.position),
		DriftAngle: geom.Angle(obs.Rotation, a.rotation),
	}
	if res.Drift > a.cfg.BreakDistance || res.DriftAngle > a.cfg.BreakAngle {
		a.unlock()
		res.Event = AnchorBrokenDrift
		return res
	}

	if a.hasLastPose && a.cfg.FastRepositionFrames > 0 {
		step := obs.Position.Distance(a.lastPos)
		turn := geom.Angle(obs.Rotation, a.lastRot)
		if step > a.cfg.FastRepositionDist || turn > a.cfg.FastRepositionAngle {
			a.fastFrames++
			res.Repositioning = true
		} else {
			a.fastFrames = 0
		}
		if a.fastFrames >= a.cfg.FastRepositionFrames {
			a.unlock()
			res.Event = AnchorBrokenReposition
			return res
		}
	}

	boost := 1.0
	if obs.Survivors > 1 {
		boost += 0.25 * float64(obs.Survivors-1)
	}
	maxBoost := a.cfg.MaxMarkerBoost
	if maxBoost <= 0 {
		maxBoost = 2
	}
	boost = math.Min(boost, maxBoost)

	a.position = geom.Lerp(a.position, obs.Position, a.cfg.CorrectionAlpha*boost)
	a.rotation = geom.Slerp(a.rotation, obs.Rotation, a.cfg.RotCorrectionAlpha*boost)
	return res
}

func (a *WorldAnchor) unlock() {
	a.active = false
	a.buildup = 0
	a.fastFrames = 0
}

func (a *WorldAnchor) rememberPose(obs AnchorObservation) {
	a.lastPos = obs.Position
	a.lastRot = obs.Rotation
	a.hasLastPose = true
}
