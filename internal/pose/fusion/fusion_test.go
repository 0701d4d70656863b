package fusion

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posefusion/internal/pose/geom"
	"github.com/banshee-data/posefusion/internal/pose/markers"
)

func cand(id int, pos geom.Vec, weight float64) markers.Candidate {
	return markers.Candidate{
		ID:         id,
		Position:   pos,
		Rotation:   geom.Identity(),
		Confidence: 0.9,
		Weight:     weight,
	}
}

func ids(cs []markers.Candidate) []int {
	out := make([]int, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func testParams() Params {
	return Params{AgreeDist: 0.03, OutlierDistance: 0.15, MaxPasses: 2, SigmaFactor: 2.2}
}

func TestFuse_Empty(t *testing.T) {
	t.Parallel()

	_, ok := Fuse(nil, testParams(), nil)
	assert.False(t, ok)
}

func TestFuse_SingleCandidateIsUsedDirectly(t *testing.T) {
	t.Parallel()

	c := cand(3, geom.Vec{X: 0.1, Y: 0.2, Z: -0.5}, 10)
	c.Rotation = geom.FromAxisAngle(geom.Vec{Y: 1}, 0.3)

	res, ok := Fuse([]markers.Candidate{c}, testParams(), nil)
	require.True(t, ok)
	assert.Equal(t, c.Position, res.Position)
	assert.InDelta(t, 0, geom.Angle(c.Rotation, res.Rotation), 1e-12)
	assert.Equal(t, 0.0, res.Spread)
}

func TestFuse_RejectsFarOutlier(t *testing.T) {
	t.Parallel()

	centre := geom.Vec{Z: -0.5}
	cluster := []geom.Vec{
		{X: 0.000, Y: 0.000},
		{X: 0.010, Y: 0.000},
		{X: 0.000, Y: 0.010},
		{X: -0.008, Y: 0.004},
		{X: 0.004, Y: -0.009},
	}
	var cands []markers.Candidate
	var sum geom.Vec
	for i, off := range cluster {
		p := centre.Add(off)
		sum = sum.Add(p)
		cands = append(cands, cand(i, p, 1))
	}
	clusterCentroid := sum.Mul(1.0 / float64(len(cluster)))
	cands = append(cands, cand(99, centre.Add(geom.Vec{X: 0.5}), 1))

	res, ok := Fuse(cands, testParams(), nil)
	require.True(t, ok)

	assert.NotContains(t, ids(res.Survivors), 99)
	assert.Equal(t, []int{99}, ids(res.Dropped))
	assert.Less(t, res.Position.Distance(clusterCentroid), 0.02)
}

func TestFuse_NeverEmptiesPool(t *testing.T) {
	t.Parallel()

	p := testParams()
	p.OutlierDistance = 0 // cutoff then comes from sigma and agree distance only
	p.AgreeDist = 0

	cands := []markers.Candidate{
		cand(0, geom.Vec{X: -1}, 1),
		cand(1, geom.Vec{X: 1}, 1),
	}
	res, ok := Fuse(cands, p, nil)
	require.True(t, ok)
	assert.NotEmpty(t, res.Survivors)
}

func TestFuse_DisagreeingPairCollapsesToHeavier(t *testing.T) {
	t.Parallel()

	a := cand(0, geom.Vec{Z: -0.5}, 1.0)
	b := cand(1, geom.Vec{X: 0.4, Z: -0.5}, 0.8)

	res, ok := Fuse([]markers.Candidate{a, b}, testParams(), nil)
	require.True(t, ok)
	assert.True(t, res.Consensus)
	assert.Equal(t, []int{0}, ids(res.Survivors))
	assert.Equal(t, a.Position, res.Position)

	// Equal weights fall back to the lower id.
	b.Weight = 1.0
	res, ok = Fuse([]markers.Candidate{b, a}, testParams(), nil)
	require.True(t, ok)
	assert.Equal(t, []int{0}, ids(res.Survivors))
}

func TestFuse_WeightedPosition(t *testing.T) {
	t.Parallel()

	a := cand(0, geom.Vec{X: 0.00, Z: -0.5}, 3)
	b := cand(1, geom.Vec{X: 0.02, Z: -0.5}, 1)

	res, ok := Fuse([]markers.Candidate{a, b}, testParams(), nil)
	require.True(t, ok)
	assert.Len(t, res.Survivors, 2)
	assert.InDelta(t, 0.005, res.Position.X, 1e-12)
	assert.InDelta(t, 0.01, res.Spread, 1e-12)
	assert.InDelta(t, 0.02, res.MaxPairwise, 1e-12)
}

func TestFuse_SignAlignedOrientation(t *testing.T) {
	t.Parallel()

	q := geom.FromAxisAngle(geom.Vec{Z: 1}, 0.2)
	a := cand(0, geom.Vec{Z: -0.5}, 1)
	a.Rotation = q
	b := cand(1, geom.Vec{X: 0.01, Z: -0.5}, 1)
	b.Rotation = geom.Negate(q)

	res, ok := Fuse([]markers.Candidate{a, b}, testParams(), nil)
	require.True(t, ok)
	assert.InDelta(t, 0, geom.Angle(q, res.Rotation), 1e-9)
	assert.True(t, geom.IsUnit(res.Rotation, 1e-9))

	ref := geom.Negate(q)
	res, ok = Fuse([]markers.Candidate{a, b}, testParams(), &ref)
	require.True(t, ok)
	assert.InDelta(t, 0, geom.Angle(q, res.Rotation), 1e-9)
	assert.Greater(t, geom.Dot(res.Rotation, ref), 0.0)
}

func TestFuse_ZeroWeightsFallBackToUniform(t *testing.T) {
	t.Parallel()

	a := cand(0, geom.Vec{X: 0.00}, 0)
	b := cand(1, geom.Vec{X: 0.02}, 0)
	res, ok := Fuse([]markers.Candidate{a, b}, testParams(), nil)
	require.True(t, ok)
	assert.InDelta(t, 0.01, res.Position.X, 1e-12)
	assert.True(t, geom.IsFiniteQuat(res.Rotation))
}

func TestMedianFilter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, MinMedianWindow, NewMedianFilter(0).Size())
	assert.Equal(t, MaxMedianWindow, NewMedianFilter(40).Size())

	m := NewMedianFilter(3)
	m.Push(geom.Vec{X: 1})
	got := m.Push(geom.Vec{X: 3})
	assert.Equal(t, geom.Vec{X: 2}, got)

	got = m.Push(geom.Vec{X: 100})
	assert.Equal(t, geom.Vec{X: 3}, got)

	// Oldest entry (1) is evicted.
	got = m.Push(geom.Vec{X: 4})
	assert.Equal(t, geom.Vec{X: 4}, got)
	assert.Equal(t, 3, m.Len())

	m.Reset()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, geom.Vec{}, m.Median())
}

func TestStatsTracker(t *testing.T) {
	t.Parallel()

	s := NewStatsTracker(0.15)
	assert.Equal(t, Stats{Confidence: 1}, s.Stats())

	first := s.Observe(Result{MeanConfidence: 0.8, Spread: 0.01, MeanViewAngle: 20})
	if diff := cmp.Diff(Stats{Confidence: 0.8, Spread: 0.01, ViewAngle: 20}, first); diff != "" {
		t.Errorf("first sample mismatch (-want +got):\n%s", diff)
	}

	second := s.Observe(Result{MeanConfidence: 0.4, Spread: 0.03, MeanViewAngle: 40})
	assert.InDelta(t, 0.8-0.15*0.4, second.Confidence, 1e-12)
	assert.InDelta(t, 0.01+0.15*0.02, second.Spread, 1e-12)
	assert.InDelta(t, 23, second.ViewAngle, 1e-12)

	s.Reset()
	assert.False(t, s.Initialized())
}

func TestClipPass_SigmaIsRMSDistance(t *testing.T) {
	t.Parallel()

	// A centre marker ringed by four at 5cm: RMS distance 4.47cm gives a
	// 9.8cm cutoff, so the ring survives.
	centre := geom.Vec{Z: -0.5}
	pool := []markers.Candidate{cand(0, centre, 1)}
	for i, d := range []geom.Vec{{X: 0.05}, {X: -0.05}, {Y: 0.05}, {Y: -0.05}} {
		pool = append(pool, cand(i+1, centre.Add(d), 1))
	}

	kept := clipPass(pool, testParams())
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, ids(kept)); diff != "" {
		t.Errorf("clipPass kept ids mismatch (-want +got):\n%s", diff)
	}
}
