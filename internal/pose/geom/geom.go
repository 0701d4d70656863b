// Package geom holds the vector and quaternion helpers shared by the pose
// filters and the fusion engine.
//
// Vectors are r3.Vector (metres, scene frame: X right, Y up, Z backward).
// Quaternions are gonum quat.Number with Real as the scalar part and
// Imag/Jmag/Kmag as x/y/z. Every helper that returns an orientation returns a
// unit quaternion; degenerate inputs fall back to the identity rotation.
package geom

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Vec is a 3D vector in scene coordinates.
type Vec = r3.Vector

// Quat is an orientation quaternion (Real = w).
type Quat = quat.Number

// Numerical guards. Not user tunable.
const (
	// NormEpsilon is the smallest quaternion norm treated as non-degenerate.
	NormEpsilon = 1e-9
	// AxisEpsilon is the smallest rotation angle (radians) treated as a rotation.
	AxisEpsilon = 1e-12
	// SlerpLinearThreshold is the dot product above which slerp falls back to
	// normalised linear interpolation.
	SlerpLinearThreshold = 0.9995
)

// Identity returns the identity rotation.
func Identity() Quat {
	return Quat{Real: 1}
}

// NewQuat builds a quaternion from x, y, z, w components.
func NewQuat(x, y, z, w float64) Quat {
	return Quat{Real: w, Imag: x, Jmag: y, Kmag: z}
}

// Normalize returns q scaled to unit length, or identity when q is degenerate
// or not finite.
func Normalize(q Quat) Quat {
	n := quat.Abs(q)
	if n < NormEpsilon || math.IsNaN(n) || math.IsInf(n, 0) {
		return Identity()
	}
	return quat.Scale(1/n, q)
}

// Dot returns the 4D dot product of two quaternions.
func Dot(a, b Quat) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// Negate flips every component of q. q and -q encode the same rotation.
func Negate(q Quat) Quat {
	return quat.Scale(-1, q)
}

// AlignSign returns q or -q, whichever lies in the same hemisphere as ref.
func AlignSign(q, ref Quat) Quat {
	if Dot(q, ref) < 0 {
		return Negate(q)
	}
	return q
}

// Mul composes rotations: the result applies b first, then a.
func Mul(a, b Quat) Quat {
	return quat.Mul(a, b)
}

// Conj returns the inverse rotation of a unit quaternion.
func Conj(q Quat) Quat {
	return quat.Conj(q)
}

// FromAxisAngle builds a unit quaternion rotating angle radians around axis.
// A zero axis yields the identity.
func FromAxisAngle(axis Vec, angle float64) Quat {
	n := axis.Norm()
	if n < AxisEpsilon {
		return Identity()
	}
	half := angle / 2
	s := math.Sin(half) / n
	return Quat{Real: math.Cos(half), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// FromRotationVector converts a Rodrigues rotation vector (axis scaled by the
// angle in radians) into a unit quaternion.
func FromRotationVector(v Vec) Quat {
	angle := v.Norm()
	if angle < AxisEpsilon {
		return Identity()
	}
	return FromAxisAngle(v, angle)
}

// ToRotationVector is the inverse of FromRotationVector using the shortest
// rotation (angle in [0, π]).
func ToRotationVector(q Quat) Vec {
	q = Normalize(q)
	if q.Real < 0 {
		q = Negate(q)
	}
	v := Vec{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	s := v.Norm()
	if s < AxisEpsilon {
		return Vec{}
	}
	angle := 2 * math.Atan2(s, q.Real)
	return v.Mul(angle / s)
}

// Rotate applies the rotation q to vector v.
func Rotate(q Quat, v Vec) Vec {
	p := Quat{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Angle returns the rotation angle in radians between two orientations,
// taking the shorter way round (result in [0, π]).
func Angle(a, b Quat) float64 {
	d := math.Abs(Dot(Normalize(a), Normalize(b)))
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}

// Slerp interpolates from a toward b by t along the shortest arc. The result
// is normalised.
func Slerp(a, b Quat, t float64) Quat {
	a = Normalize(a)
	b = AlignSign(Normalize(b), a)
	if t <= 0 {
		return a
	}
	if t >= 1 {
		return b
	}

	d := Dot(a, b)
	if d > SlerpLinearThreshold {
		return Normalize(quat.Add(a, quat.Scale(t, quat.Sub(b, a))))
	}

	theta := math.Acos(d)
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sinTheta
	wb := math.Sin(t*theta) / sinTheta
	return Normalize(quat.Add(quat.Scale(wa, a), quat.Scale(wb, b)))
}

// Lerp interpolates linearly between two vectors.
func Lerp(a, b Vec, t float64) Vec {
	return a.Add(b.Sub(a).Mul(t))
}

// IsUnit reports whether q has unit norm within tol.
func IsUnit(q Quat, tol float64) bool {
	return math.Abs(quat.Abs(q)-1) < tol
}

// IsFiniteVec reports whether every component of v is finite.
func IsFiniteVec(v Vec) bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

// IsFiniteQuat reports whether every component of q is finite.
func IsFiniteQuat(q Quat) bool {
	return isFinite(q.Real) && isFinite(q.Imag) && isFinite(q.Jmag) && isFinite(q.Kmag)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Clamp limits value to [lo, hi].
func Clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// Degrees converts radians to degrees for logging/display.
func Degrees(radians float64) float64 {
	return radians * 180.0 / math.Pi
}

// Radians converts degrees to radians.
func Radians(degrees float64) float64 {
	return degrees * math.Pi / 180.0
}
