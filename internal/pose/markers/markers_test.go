package markers

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posefusion/internal/pose/geom"
)

type memStore struct {
	values map[string]string
	err    error
}

func newMemStore() *memStore { return &memStore{values: map[string]string{}} }

func (m *memStore) Get(key string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memStore) Set(key, value string) error {
	if m.err != nil {
		return m.err
	}
	m.values[key] = value
	return nil
}

func baseParams(t *testing.T) CandidateParams {
	t.Helper()
	table, err := DefaultOffsetTable(LayoutSingle)
	require.NoError(t, err)
	table.Set(1, MarkerOffset{Rotation: geom.Identity()})
	table.Set(2, MarkerOffset{Rotation: geom.Identity()})
	return CandidateParams{
		Offsets:             table,
		MinPerimeter:        40,
		MaxPoseError:        0.5,
		ConfidenceThreshold: 0.3,
		ObliqueSoftDeg:      55,
		ObliqueRejectDeg:    75,
		OutlierDistance:     0.15,
		TrackWindow:         0.08,
		ObliqueFloor:        DefaultObliqueFloor,
		AnchorBoost:         3,
	}
}

func obsAt(id int, tvec geom.Vec) Observation {
	return Observation{
		ID:         id,
		Corners:    SquareCorners(320, 240, 50),
		Pose:       &CameraPose{Tvec: tvec},
		Confidence: 0.9,
		Source:     SourcePOSIT,
	}
}

func assertVecNear(t *testing.T, want, got geom.Vec, tol float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, tol, "x")
	assert.InDelta(t, want.Y, got.Y, tol, "y")
	assert.InDelta(t, want.Z, got.Z, tol, "z")
}

func TestParseSource(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"posit", "opencv-pnp", "mixed"} {
		got, err := ParseSource(name)
		require.NoError(t, err)
		assert.Equal(t, Source(name), got)
	}
	got, err := ParseSource("")
	require.NoError(t, err)
	assert.Equal(t, SourcePOSIT, got)

	_, err = ParseSource("aruco")
	assert.Error(t, err)
}

func TestPerimeter(t *testing.T) {
	t.Parallel()

	o := Observation{Corners: SquareCorners(0, 0, 50)}
	assert.InDelta(t, 200, o.Perimeter(), 1e-9)
}

func TestToScenePOSIT(t *testing.T) {
	t.Parallel()

	t.Run("translation mirrors Z", func(t *testing.T) {
		t.Parallel()
		pos, rot := ToScenePOSIT(CameraPose{Tvec: geom.Vec{X: 0.1, Y: 0.2, Z: 0.5}})
		assert.Equal(t, geom.Vec{X: 0.1, Y: 0.2, Z: -0.5}, pos)
		assert.InDelta(t, 0, geom.Angle(rot, geom.Identity()), 1e-12)
	})

	t.Run("roll about Z is preserved", func(t *testing.T) {
		t.Parallel()
		_, rot := ToScenePOSIT(CameraPose{Rvec: geom.Vec{Z: 0.4}})
		want := geom.FromAxisAngle(geom.Vec{Z: 1}, 0.4)
		assert.InDelta(t, 0, geom.Angle(rot, want), 1e-9)
	})

	t.Run("yaw about Y is reversed", func(t *testing.T) {
		t.Parallel()
		_, rot := ToScenePOSIT(CameraPose{Rvec: geom.Vec{Y: 0.4}})
		want := geom.FromAxisAngle(geom.Vec{Y: 1}, -0.4)
		assert.InDelta(t, 0, geom.Angle(rot, want), 1e-9)
	})
}

func TestToSceneOpenCV(t *testing.T) {
	t.Parallel()

	t.Run("translation flips Y and Z", func(t *testing.T) {
		t.Parallel()
		pos, _ := ToSceneOpenCV(CameraPose{Tvec: geom.Vec{X: 0.1, Y: 0.2, Z: 0.5}})
		assert.Equal(t, geom.Vec{X: 0.1, Y: -0.2, Z: -0.5}, pos)
	})

	t.Run("pitch about X is preserved", func(t *testing.T) {
		t.Parallel()
		_, rot := ToSceneOpenCV(CameraPose{Rvec: geom.Vec{X: 0.4}})
		want := geom.FromAxisAngle(geom.Vec{X: 1}, 0.4)
		assert.InDelta(t, 0, geom.Angle(rot, want), 1e-9)
	})

	t.Run("yaw about Y is reversed", func(t *testing.T) {
		t.Parallel()
		_, rot := ToSceneOpenCV(CameraPose{Rvec: geom.Vec{Y: 0.4}})
		want := geom.FromAxisAngle(geom.Vec{Y: 1}, -0.4)
		assert.InDelta(t, 0, geom.Angle(rot, want), 1e-9)
	})

	t.Run("mixed source uses OpenCV convention", func(t *testing.T) {
		t.Parallel()
		p := CameraPose{Rvec: geom.Vec{X: 0.1, Y: 0.2}, Tvec: geom.Vec{Y: 0.3, Z: 1}}
		wantPos, wantRot := ToSceneOpenCV(p)
		gotPos, gotRot := ToScene(SourceMixed, p)
		assert.Equal(t, wantPos, gotPos)
		assert.Equal(t, wantRot, gotRot)
	})
}

func TestDefaultOffsetTable(t *testing.T) {
	t.Parallel()

	single, err := DefaultOffsetTable(LayoutSingle)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, single.IDs())

	cube, err := DefaultOffsetTable(LayoutCube)
	require.NoError(t, err)
	assert.Len(t, cube, 6)

	ring, err := DefaultOffsetTable(LayoutRing8)
	require.NoError(t, err)
	assert.Len(t, ring, 8)

	_, err = DefaultOffsetTable("dodecahedron")
	assert.Error(t, err)
}

func TestCubeFacesAgreeOnObjectPose(t *testing.T) {
	t.Parallel()

	cube, err := DefaultOffsetTable(LayoutCube)
	require.NoError(t, err)

	objPos := geom.Vec{X: 0.1, Y: 0.05, Z: -0.6}
	objRot := geom.FromAxisAngle(geom.Vec{X: 0.3, Y: 1}, 0.5)

	for id, off := range cube {
		// Forward model: where would the detector see this marker?
		face := geom.Conj(off.Rotation)
		markerRot := geom.Mul(objRot, face)
		markerPos := objPos.Add(geom.Rotate(objRot, off.Position))

		gotPos, gotRot := off.ObjectPose(markerPos, markerRot)
		assertVecNear(t, objPos, gotPos, 1e-9)
		assert.InDelta(t, 0, geom.Angle(objRot, gotRot), 1e-9, "marker %d", id)
	}
}

func TestOffsetTableCloneIsIndependent(t *testing.T) {
	t.Parallel()

	table, err := DefaultOffsetTable(LayoutSingle)
	require.NoError(t, err)
	c := table.Clone()
	c.Set(9, MarkerOffset{Rotation: geom.NewQuat(0, 0, 0, 2)})

	_, ok := table.Lookup(9)
	assert.False(t, ok)
	off, ok := c.Lookup(9)
	require.True(t, ok)
	assert.True(t, geom.IsUnit(off.Rotation, 1e-12))
}

func TestBuildCandidates_Rejects(t *testing.T) {
	t.Parallel()

	ref := geom.Vec{Z: -0.5}
	p := baseParams(t)

	noPose := obsAt(0, geom.Vec{Z: 0.5})
	noPose.Pose = nil
	unknown := obsAt(42, geom.Vec{Z: 0.5})
	small := obsAt(0, geom.Vec{Z: 0.5})
	small.Corners = SquareCorners(0, 0, 5)
	badErr := obsAt(0, geom.Vec{Z: 0.5})
	badErr.PoseError = 0.9
	oblique := obsAt(0, geom.Vec{Z: 0.5})
	oblique.CameraAngleDeg = 80
	lowConf := obsAt(0, geom.Vec{Z: 0.5})
	lowConf.Confidence = 0.1
	far := obsAt(0, geom.Vec{Z: 1.5})
	good := obsAt(0, geom.Vec{Z: 0.5})

	cands, stats := BuildCandidates([]Observation{noPose, unknown, small, badErr, oblique, lowConf, far, good}, p, &ref)

	require.Len(t, cands, 1)
	assert.Equal(t, RejectStats{NoPose: 1, UnknownID: 1, Perimeter: 1, PoseError: 1, Oblique: 1, Confidence: 1, HardGate: 1}, stats)
	assert.Equal(t, 7, stats.Total())
	assertVecNear(t, ref, cands[0].Position, 1e-12)
}

func TestBuildCandidates_Weight(t *testing.T) {
	t.Parallel()

	p := baseParams(t)

	t.Run("base weight without reference", func(t *testing.T) {
		t.Parallel()
		o := obsAt(0, geom.Vec{Z: 0.5})
		o.PoseError = 0.1
		cands, _ := BuildCandidates([]Observation{o}, p, nil)
		require.Len(t, cands, 1)

		base := 200.0 * 200.0 * 0.9 / (1 + 8*0.1)
		robust := 1 / (1 + 0.2*0.2)
		assert.InDelta(t, base*robust, cands[0].Weight, 1e-6)
	})

	t.Run("source boost", func(t *testing.T) {
		t.Parallel()
		posit := obsAt(0, geom.Vec{Z: 0.5})
		pnp := posit
		pnp.Source = SourceOpenCVPnP
		mixed := posit
		mixed.Source = SourceMixed

		cands, _ := BuildCandidates([]Observation{posit, pnp, mixed}, p, nil)
		require.Len(t, cands, 3)
		assert.InDelta(t, SourceBoostOpenCV, cands[1].Weight/cands[0].Weight, 1e-9)
		assert.InDelta(t, SourceBoostMixed, cands[2].Weight/cands[0].Weight, 1e-9)
	})

	t.Run("anchor boost", func(t *testing.T) {
		t.Parallel()
		pa := p
		pa.AnchorIDs = map[int]bool{1: true}
		cands, _ := BuildCandidates([]Observation{obsAt(0, geom.Vec{Z: 0.5}), obsAt(1, geom.Vec{Z: 0.5})}, pa, nil)
		require.Len(t, cands, 2)
		assert.InDelta(t, 3.0, cands[1].Weight/cands[0].Weight, 1e-9)
	})

	t.Run("temporal gate", func(t *testing.T) {
		t.Parallel()
		ref := geom.Vec{Z: -0.5}
		near := obsAt(0, geom.Vec{Z: 0.5})
		off := obsAt(1, geom.Vec{X: 0.08, Z: 0.5})
		cands, _ := BuildCandidates([]Observation{near, off}, p, &ref)
		require.Len(t, cands, 2)
		assert.InDelta(t, math.Exp(-0.5), cands[1].Weight/cands[0].Weight, 1e-9)
	})

	t.Run("oblique falloff", func(t *testing.T) {
		t.Parallel()
		frontal := obsAt(0, geom.Vec{Z: 0.5})
		mid := obsAt(1, geom.Vec{Z: 0.5})
		mid.CameraAngleDeg = 65 // halfway between soft and reject
		edge := obsAt(2, geom.Vec{Z: 0.5})
		edge.CameraAngleDeg = 75

		cands, _ := BuildCandidates([]Observation{frontal, mid, edge}, p, nil)
		require.Len(t, cands, 3)
		assert.InDelta(t, 1-0.25*0.9, cands[1].Weight/cands[0].Weight, 1e-9)
		assert.InDelta(t, DefaultObliqueFloor, cands[2].Weight/cands[0].Weight, 1e-9)
	})
}

func TestBest(t *testing.T) {
	t.Parallel()

	_, ok := Best(nil)
	assert.False(t, ok)

	best, ok := Best([]Candidate{{ID: 3, Weight: 2}, {ID: 1, Weight: 5}, {ID: 0, Weight: 5}})
	require.True(t, ok)
	assert.Equal(t, 0, best.ID)
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	off := MarkerOffset{Position: geom.Vec{X: 0.01, Y: 0.02, Z: 0.03}, Rotation: geom.FromAxisAngle(geom.Vec{Y: 1}, 0.5)}
	require.NoError(t, SaveOffset(store, 4, off))
	require.NoError(t, SaveOffset(store, 4, off))
	require.NoError(t, SaveOffset(store, 7, MarkerOffset{Rotation: geom.Identity()}))
	assert.Equal(t, "[4,7]", store.values[OffsetIDsKey])

	table, err := DefaultOffsetTable(LayoutSingle)
	require.NoError(t, err)
	n, err := LoadOffsets(store, table)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, ok := table.Lookup(4)
	require.True(t, ok)
	assertVecNear(t, off.Position, got.Position, 1e-12)
	assert.InDelta(t, 0, geom.Angle(off.Rotation, got.Rotation), 1e-9)

	require.NoError(t, SaveAnchorIDs(store, map[int]bool{5: true, 2: true, 9: false}))
	ids, err := LoadAnchorIDs(store)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{2: true, 5: true}, ids)
}

func TestSettingsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	store := &memStore{values: map[string]string{}, err: boom}
	err := SaveOffset(store, 1, MarkerOffset{Rotation: geom.Identity()})
	assert.ErrorIs(t, err, boom)

	_, err = LoadAnchorIDs(store)
	assert.ErrorIs(t, err, boom)

	corrupt := newMemStore()
	corrupt.values[AnchorIDsKey] = "{not json"
	_, err = LoadAnchorIDs(corrupt)
	assert.Error(t, err)

	empty, err := LoadAnchorIDs(newMemStore())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParseIDList(t *testing.T) {
	t.Parallel()

	ids, err := ParseIDList(" 0, 3,5 ,")
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: true, 3: true, 5: true}, ids)

	_, err = ParseIDList("1,x")
	assert.Error(t, err)
}
