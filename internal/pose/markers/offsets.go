package markers

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/posefusion/internal/pose/geom"
)

// MarkerOffset places a marker on the tracked object.
type MarkerOffset struct {
	// Position is the marker centre's displacement from the object origin,
	// in the object frame (metres). ObjectPose subtracts it after rotation.
	Position geom.Vec
	// Rotation maps the marker frame onto the object frame.
	Rotation geom.Quat
}

// OffsetTable maps marker ids to their placement. Ids absent from the table
// are unknown and rejected.
type OffsetTable map[int]MarkerOffset

// Layout names accepted by DefaultOffsetTable.
const (
	LayoutSingle = "single"
	LayoutCube   = "cube"
	LayoutRing8  = "ring8"
)

// Physical dimensions of the stock layouts (metres).
const (
	CubeHalfSize = 0.03
	Ring8Radius  = 0.05
)

// DefaultOffsetTable returns the stock placement for a named layout.
func DefaultOffsetTable(layout string) (OffsetTable, error) {
	switch layout {
	case LayoutSingle, "":
		return OffsetTable{0: {Rotation: geom.Identity()}}, nil
	case LayoutCube:
		return cubeLayout(CubeHalfSize), nil
	case LayoutRing8:
		return ringLayout(8, Ring8Radius), nil
	}
	return nil, fmt.Errorf("unknown marker layout %q", layout)
}

// cubeLayout places markers 0-5 on the faces of a cube. Each marker's normal
// points out of its face, so the object origin sits halfSize behind the marker.
func cubeLayout(halfSize float64) OffsetTable {
	faces := []geom.Quat{
		geom.Identity(), // 0 front (+Z)
		geom.FromAxisAngle(geom.Vec{Y: 1}, math.Pi/2),  // 1 right
		geom.FromAxisAngle(geom.Vec{Y: 1}, math.Pi),    // 2 back
		geom.FromAxisAngle(geom.Vec{Y: 1}, -math.Pi/2), // 3 left
		geom.FromAxisAngle(geom.Vec{X: 1}, -math.Pi/2), // 4 top
		geom.FromAxisAngle(geom.Vec{X: 1}, math.Pi/2),  // 5 bottom
	}
	t := make(OffsetTable, len(faces))
	for id, face := range faces {
		// face maps marker→object; the marker frame's rotation offset is its inverse.
		rot := geom.Conj(face)
		t[id] = MarkerOffset{
			Position: geom.Rotate(face, geom.Vec{Z: halfSize}),
			Rotation: rot,
		}
	}
	return t
}

// ringLayout places n markers evenly around a vertical cylinder.
func ringLayout(n int, radius float64) OffsetTable {
	t := make(OffsetTable, n)
	for id := 0; id < n; id++ {
		yaw := 2 * math.Pi * float64(id) / float64(n)
		face := geom.FromAxisAngle(geom.Vec{Y: 1}, yaw)
		t[id] = MarkerOffset{
			Position: geom.Rotate(face, geom.Vec{Z: radius}),
			Rotation: geom.Conj(face),
		}
	}
	return t
}

// Lookup returns the offset for id.
func (t OffsetTable) Lookup(id int) (MarkerOffset, bool) {
	off, ok := t[id]
	return off, ok
}

// Set installs or overrides the offset for id. The rotation is normalised.
func (t OffsetTable) Set(id int, off MarkerOffset) {
	off.Rotation = geom.Normalize(off.Rotation)
	t[id] = off
}

// Clone returns an independent copy.
func (t OffsetTable) Clone() OffsetTable {
	c := make(OffsetTable, len(t))
	for id, off := range t {
		c[id] = off
	}
	return c
}

// IDs returns the known marker ids in ascending order.
func (t OffsetTable) IDs() []int {
	ids := make([]int, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ObjectPose composes a marker's scene pose with its offset.
func (off MarkerOffset) ObjectPose(markerPos geom.Vec, markerRot geom.Quat) (geom.Vec, geom.Quat) {
	objRot := geom.Normalize(geom.Mul(markerRot, off.Rotation))
	objPos := markerPos.Sub(geom.Rotate(objRot, off.Position))
	return objPos, objRot
}
