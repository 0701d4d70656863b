package markers

import (
	"math"

	"github.com/banshee-data/posefusion/internal/pose/geom"
)

// Weight shaping constants.
const (
	PoseErrorPenalty      = 8.0
	SourceBoostOpenCV     = 1.12
	SourceBoostMixed      = 1.06
	ObliqueWeightFalloff  = 0.9
	DefaultObliqueFloor   = 0.15
	HardGateOutlierFactor = 2.0
)

// Candidate is one marker's implied object pose for the current frame.
type Candidate struct {
	ID             int
	Position       geom.Vec
	Rotation       geom.Quat
	Perimeter      float64
	PoseError      float64
	Confidence     float64
	CameraAngleDeg float64
	Source         Source
	Weight         float64
}

// CandidateParams carries the static and adaptive thresholds used to build
// candidates for one frame.
type CandidateParams struct {
	Offsets OffsetTable

	MinPerimeter float64 // pixels
	MaxPoseError float64

	// Adaptive thresholds (see tracking.Thresholds).
	ConfidenceThreshold float64
	ObliqueSoftDeg      float64
	ObliqueRejectDeg    float64
	OutlierDistance     float64 // metres
	TrackWindow         float64 // metres; temporal gate sigma

	ObliqueFloor float64
	AnchorIDs    map[int]bool
	AnchorBoost  float64
}

// RejectStats counts observations dropped during candidate construction.
type RejectStats struct {
	NoPose     int `json:"no_pose"`
	UnknownID  int `json:"unknown_id"`
	Perimeter  int `json:"perimeter"`
	PoseError  int `json:"pose_error"`
	Oblique    int `json:"oblique"`
	Confidence int `json:"confidence"`
	HardGate   int `json:"hard_gate"`
}

// Total returns the number of rejected observations.
func (r RejectStats) Total() int {
	return r.NoPose + r.UnknownID + r.Perimeter + r.PoseError + r.Oblique + r.Confidence + r.HardGate
}

// Add accumulates other into r.
func (r *RejectStats) Add(other RejectStats) {
	r.NoPose += other.NoPose
	r.UnknownID += other.UnknownID
	r.Perimeter += other.Perimeter
	r.PoseError += other.PoseError
	r.Oblique += other.Oblique
	r.Confidence += other.Confidence
	r.HardGate += other.HardGate
}

// BuildCandidates converts observations into weighted object-pose candidates.
// ref is the previous fused position, or nil when there is none. Rejected
// observations are counted in the returned stats and never reported as errors.
func BuildCandidates(obs []Observation, p CandidateParams, ref *geom.Vec) ([]Candidate, RejectStats) {
	var stats RejectStats
	out := make([]Candidate, 0, len(obs))

	for _, o := range obs {
		if o.Pose == nil || !geom.IsFiniteVec(o.Pose.Rvec) || !geom.IsFiniteVec(o.Pose.Tvec) {
			stats.NoPose++
			continue
		}
		off, ok := p.Offsets.Lookup(o.ID)
		if !ok {
			stats.UnknownID++
			continue
		}
		perimeter := o.Perimeter()
		if perimeter < p.MinPerimeter {
			stats.Perimeter++
			continue
		}
		if p.MaxPoseError > 0 && o.PoseError > p.MaxPoseError {
			stats.PoseError++
			continue
		}
		if o.CameraAngleDeg > p.ObliqueRejectDeg {
			stats.Oblique++
			continue
		}
		if o.Confidence < p.ConfidenceThreshold {
			stats.Confidence++
			continue
		}

		markerPos, markerRot := ToScene(o.Source, *o.Pose)
		pos, rot := off.ObjectPose(markerPos, markerRot)

		gate := 1.0
		if ref != nil {
			d := pos.Distance(*ref)
			if p.OutlierDistance > 0 && d > HardGateOutlierFactor*p.OutlierDistance {
				stats.HardGate++
				continue
			}
			if p.TrackWindow > 0 {
				gate = math.Exp(-(d * d) / (2 * p.TrackWindow * p.TrackWindow))
			}
		}

		w := perimeter * perimeter * o.Confidence / (1 + PoseErrorPenalty*o.PoseError)
		w *= sourceBoost(o.Source)
		if p.AnchorIDs[o.ID] && p.AnchorBoost > 0 {
			w *= p.AnchorBoost
		}
		w *= gate
		w *= robustErrorWeight(o.PoseError, p.MaxPoseError)
		w *= obliqueWeight(o.CameraAngleDeg, p.ObliqueSoftDeg, p.ObliqueRejectDeg, p.ObliqueFloor)

		out = append(out, Candidate{
			ID:             o.ID,
			Position:       pos,
			Rotation:       rot,
			Perimeter:      perimeter,
			PoseError:      o.PoseError,
			Confidence:     o.Confidence,
			CameraAngleDeg: o.CameraAngleDeg,
			Source:         o.Source,
			Weight:         w,
		})
	}
	return out, stats
}

func sourceBoost(s Source) float64 {
	switch s {
	case SourceOpenCVPnP:
		return SourceBoostOpenCV
	case SourceMixed:
		return SourceBoostMixed
	}
	return 1
}

func robustErrorWeight(poseErr, maxErr float64) float64 {
	if maxErr <= 0 {
		return 1
	}
	r := poseErr / maxErr
	return 1 / (1 + r*r)
}

// obliqueWeight falls off quadratically between the soft and reject angles.
func obliqueWeight(angleDeg, softDeg, rejectDeg, floor float64) float64 {
	if angleDeg <= softDeg {
		return 1
	}
	span := rejectDeg - softDeg
	n := 1.0
	if span > 0 {
		n = geom.Clamp((angleDeg-softDeg)/span, 0, 1)
	}
	return math.Max(floor, 1-n*n*ObliqueWeightFalloff)
}

// Best returns the highest-weight candidate. Ties go to the lower id.
func Best(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Weight > best.Weight || (c.Weight == best.Weight && c.ID < best.ID) {
			best = c
		}
	}
	return best, true
}
