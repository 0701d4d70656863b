package markers

import (
	"github.com/banshee-data/posefusion/internal/pose/geom"
)

// The scene frame is X right, Y up, Z toward the viewer. The two detector
// backends report camera space differently, so each has its own conversion.

// ToScenePOSIT converts a POSIT pose (X right, Y up, Z forward) to the scene
// frame by mirroring Z.
func ToScenePOSIT(p CameraPose) (geom.Vec, geom.Quat) {
	q := geom.FromRotationVector(p.Rvec)
	pos := geom.Vec{X: p.Tvec.X, Y: p.Tvec.Y, Z: -p.Tvec.Z}
	rot := geom.NewQuat(-q.Imag, -q.Jmag, q.Kmag, q.Real)
	return pos, geom.Normalize(rot)
}

// ToSceneOpenCV converts an OpenCV solvePnP pose (X right, Y down, Z forward)
// to the scene frame by rotating 180° about X.
func ToSceneOpenCV(p CameraPose) (geom.Vec, geom.Quat) {
	q := geom.FromRotationVector(p.Rvec)
	pos := geom.Vec{X: p.Tvec.X, Y: -p.Tvec.Y, Z: -p.Tvec.Z}
	rot := geom.NewQuat(q.Imag, -q.Jmag, -q.Kmag, q.Real)
	return pos, geom.Normalize(rot)
}

// ToScene dispatches on the observation source. Mixed-source detections use
// the OpenCV convention.
func ToScene(src Source, p CameraPose) (geom.Vec, geom.Quat) {
	switch src {
	case SourceOpenCVPnP, SourceMixed:
		return ToSceneOpenCV(p)
	default:
		return ToScenePOSIT(p)
	}
}
