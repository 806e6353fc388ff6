package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// TransformValidationTolerance bounds how far a rotation determinant may stray
// from 1 before a transform is considered invalid.
const TransformValidationTolerance = 1e-6

// Transform is a 4x4 rigid transform stored row-major:
// m00,m01,m02,m03, m10,...,m33. Applying T to p gives R*p + t.
type Transform [16]float64

// IdentityTransform returns the identity transform.
func IdentityTransform() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// NewTransform assembles a transform from a rotation and a translation.
func NewTransform(r Mat3, t r3.Vec) Transform {
	return Transform{
		r[0][0], r[0][1], r[0][2], t.X,
		r[1][0], r[1][1], r[1][2], t.Y,
		r[2][0], r[2][1], r[2][2], t.Z,
		0, 0, 0, 1,
	}
}

// Rotation returns the upper-left 3x3 block.
func (T Transform) Rotation() Mat3 {
	return Mat3{
		{T[0], T[1], T[2]},
		{T[4], T[5], T[6]},
		{T[8], T[9], T[10]},
	}
}

// Translation returns the last column.
func (T Transform) Translation() r3.Vec {
	return r3.Vec{X: T[3], Y: T[7], Z: T[11]}
}

// Apply maps p through T.
func (T Transform) Apply(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: T[0]*p.X + T[1]*p.Y + T[2]*p.Z + T[3],
		Y: T[4]*p.X + T[5]*p.Y + T[6]*p.Z + T[7],
		Z: T[8]*p.X + T[9]*p.Y + T[10]*p.Z + T[11],
	}
}

// Compose returns T*U: the transform that applies U first, then T.
func (T Transform) Compose(U Transform) Transform {
	var out Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i*4+j] = T[i*4]*U[j] + T[i*4+1]*U[4+j] + T[i*4+2]*U[8+j] + T[i*4+3]*U[12+j]
		}
	}
	return out
}

// Inverse returns the inverse of a rigid transform: (R^T, -R^T t).
func (T Transform) Inverse() Transform {
	rt := T.Rotation().T()
	t := rt.MulVec(T.Translation())
	return NewTransform(rt, r3.Scale(-1, t))
}

// IsFinite reports whether every element is a finite number.
func (T Transform) IsFinite() bool {
	for _, v := range T {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// IsValidTransformMatrix checks that T is a proper rigid transform: the
// rotation block has determinant 1 and orthonormal rows, and the bottom row
// is [0 0 0 1].
func IsValidTransformMatrix(T Transform) bool {
	if !T.IsFinite() {
		return false
	}
	r := T.Rotation()
	if math.Abs(r.Det()-1.0) > TransformValidationTolerance {
		return false
	}
	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > TransformValidationTolerance {
		return false
	}
	if r.Mul(r.T()).FrobeniusDistance(Identity3()) > TransformValidationTolerance {
		return false
	}
	return true
}

// Pose3 is a translation plus roll/pitch/yaw rotation in field convention.
type Pose3 struct {
	Translation r3.Vec
	Roll        float64
	Pitch       float64
	Yaw         float64
}

// PoseFromTransform extracts translation and roll/pitch/yaw from T.
func PoseFromTransform(T Transform) Pose3 {
	roll, pitch, yaw := RotationToRollPitchYaw(T.Rotation())
	return Pose3{Translation: T.Translation(), Roll: roll, Pitch: pitch, Yaw: yaw}
}

// Transform converts p back into a 4x4 transform.
func (p Pose3) Transform() Transform {
	return NewTransform(FromRollPitchYaw(p.Roll, p.Pitch, p.Yaw), p.Translation)
}
