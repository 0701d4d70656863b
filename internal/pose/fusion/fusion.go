// Package fusion combines per-marker pose candidates into one robust pose
// estimate using iterative weighted sigma-clipping.
package fusion

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/posefusion/internal/pose/geom"
	"github.com/banshee-data/posefusion/internal/pose/markers"
)

// Clipping defaults.
const (
	DefaultMaxPasses   = 2
	DefaultSigmaFactor = 2.2
)

// Params controls one fusion pass.
type Params struct {
	AgreeDist       float64 // metres; lower bound of the clip cutoff
	OutlierDistance float64 // metres; upper bound of the clip cutoff (adaptive)
	MaxPasses       int
	SigmaFactor     float64
}

// DefaultParams returns the desktop fusion parameters.
func DefaultParams() Params {
	return Params{
		AgreeDist:       0.03,
		OutlierDistance: 0.12,
		MaxPasses:       DefaultMaxPasses,
		SigmaFactor:     DefaultSigmaFactor,
	}
}

// Result is the output of Fuse.
type Result struct {
	Position  geom.Vec
	Rotation  geom.Quat
	Survivors []markers.Candidate
	Dropped   []markers.Candidate
	// Spread is the mean distance of survivors from the fused position.
	Spread float64
	// MaxPairwise is the largest distance between any two survivors.
	MaxPairwise float64
	// MeanConfidence and MeanViewAngle average the survivors.
	MeanConfidence float64
	MeanViewAngle  float64
	// Consensus reports that survivors disagreed beyond the outlier distance
	// and the heaviest consensus group was kept.
	Consensus bool
}

// Fuse runs sigma-clipping over cands and returns the fused pose. refRot is the
// previous smoothed orientation used for quaternion sign alignment; nil uses
// the best candidate. ok is false only when cands is empty.
func Fuse(cands []markers.Candidate, p Params, refRot *geom.Quat) (Result, bool) {
	if len(cands) == 0 {
		return Result{}, false
	}
	if p.MaxPasses <= 0 {
		p.MaxPasses = DefaultMaxPasses
	}
	if p.SigmaFactor <= 0 {
		p.SigmaFactor = DefaultSigmaFactor
	}

	pool := append([]markers.Candidate(nil), cands...)
	for pass := 0; pass < p.MaxPasses && len(pool) > 1; pass++ {
		kept := clipPass(pool, p)
		if len(kept) == len(pool) {
			break
		}
		pool = kept
	}

	var res Result
	if len(pool) > 1 {
		res.MaxPairwise = maxPairwise(pool)
		if p.OutlierDistance > 0 && res.MaxPairwise > p.OutlierDistance {
			pool = heaviestGroup(pool, p.OutlierDistance)
			res.Consensus = true
			res.MaxPairwise = maxPairwise(pool)
		}
	}

	res.Survivors = pool
	res.Dropped = dropped(cands, pool)

	if len(pool) == 1 {
		res.Position = pool[0].Position
		res.Rotation = geom.Normalize(pool[0].Rotation)
	} else {
		weights := poolWeights(pool)
		res.Position = weightedCentroid(pool, weights)
		ref := bestRotation(pool)
		if refRot != nil {
			ref = *refRot
		}
		res.Rotation = averageRotation(pool, weights, ref)
	}

	var spread, conf, view float64
	for _, c := range pool {
		spread += c.Position.Distance(res.Position)
		conf += c.Confidence
		view += c.CameraAngleDeg
	}
	n := float64(len(pool))
	res.Spread = spread / n
	res.MeanConfidence = conf / n
	res.MeanViewAngle = view / n
	return res, true
}

// clipPass drops candidates farther than the adaptive cutoff from the weighted
// centroid. Sigma is the weighted RMS distance to the centroid. An emptied pool
// is returned unfiltered.
func clipPass(pool []markers.Candidate, p Params) []markers.Candidate {
	weights := poolWeights(pool)
	centroid := weightedCentroid(pool, weights)

	d2 := make([]float64, len(pool))
	for i, c := range pool {
		d := c.Position.Distance(centroid)
		d2[i] = d * d
	}
	sigma := math.Sqrt(stat.Mean(d2, weights))

	cutoff := math.Max(p.AgreeDist, p.SigmaFactor*sigma)
	if p.OutlierDistance > 0 {
		cutoff = math.Min(p.OutlierDistance, cutoff)
	}

	kept := make([]markers.Candidate, 0, len(pool))
	for i, c := range pool {
		if math.Sqrt(d2[i]) <= cutoff {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return pool
	}
	return kept
}

// poolWeights returns candidate weights, falling back to uniform weights when
// they are all zero or invalid.
func poolWeights(pool []markers.Candidate) []float64 {
	w := make([]float64, len(pool))
	for i, c := range pool {
		if c.Weight > 0 && !math.IsInf(c.Weight, 0) {
			w[i] = c.Weight
		}
	}
	if floats.Sum(w) <= 0 {
		for i := range w {
			w[i] = 1
		}
	}
	return w
}

func weightedCentroid(pool []markers.Candidate, weights []float64) geom.Vec {
	xs := make([]float64, len(pool))
	ys := make([]float64, len(pool))
	zs := make([]float64, len(pool))
	for i, c := range pool {
		xs[i], ys[i], zs[i] = c.Position.X, c.Position.Y, c.Position.Z
	}
	return geom.Vec{
		X: stat.Mean(xs, weights),
		Y: stat.Mean(ys, weights),
		Z: stat.Mean(zs, weights),
	}
}

// averageRotation sign-aligns every candidate to ref before the weighted sum.
func averageRotation(pool []markers.Candidate, weights []float64, ref geom.Quat) geom.Quat {
	var sum geom.Quat
	for i, c := range pool {
		q := geom.AlignSign(geom.Normalize(c.Rotation), ref)
		sum.Real += weights[i] * q.Real
		sum.Imag += weights[i] * q.Imag
		sum.Jmag += weights[i] * q.Jmag
		sum.Kmag += weights[i] * q.Kmag
	}
	return geom.Normalize(sum)
}

func bestRotation(pool []markers.Candidate) geom.Quat {
	best, _ := markers.Best(pool)
	return geom.Normalize(best.Rotation)
}

func maxPairwise(pool []markers.Candidate) float64 {
	var m float64
	for i := range pool {
		for j := i + 1; j < len(pool); j++ {
			m = math.Max(m, pool[i].Position.Distance(pool[j].Position))
		}
	}
	return m
}

// heaviestGroup seeds a consensus group at every candidate, collecting all
// candidates within radius of the seed, and returns the group with the largest
// summed weight. Ties prefer the heavier seed, then the lower seed id.
func heaviestGroup(pool []markers.Candidate, radius float64) []markers.Candidate {
	type group struct {
		seed    markers.Candidate
		members []markers.Candidate
		weight  float64
	}
	var best *group
	for _, seed := range pool {
		g := group{seed: seed}
		for _, c := range pool {
			if c.Position.Distance(seed.Position) <= radius {
				g.members = append(g.members, c)
				g.weight += c.Weight
			}
		}
		if best == nil || g.weight > best.weight ||
			(g.weight == best.weight && (seed.Weight > best.seed.Weight ||
				(seed.Weight == best.seed.Weight && seed.ID < best.seed.ID))) {
			gg := g
			best = &gg
		}
	}
	sort.SliceStable(best.members, func(i, j int) bool { return best.members[i].ID < best.members[j].ID })
	return best.members
}

func dropped(all, kept []markers.Candidate) []markers.Candidate {
	in := make(map[int]int, len(kept))
	for _, c := range kept {
		in[c.ID]++
	}
	var out []markers.Candidate
	for _, c := range all {
		if in[c.ID] > 0 {
			in[c.ID]--
			continue
		}
		out = append(out, c)
	}
	return out
}
