package geom

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// Identity3 returns the 3x3 identity.
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Mul returns m*n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[i][0]*n[0][j] + m[i][1]*n[1][j] + m[i][2]*n[2][j]
		}
	}
	return out
}

// MulVec returns m*v.
func (m Mat3) MulVec(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// T returns the transpose of m.
func (m Mat3) T() Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// Det returns the determinant of m.
func (m Mat3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// Col returns column j of m.
func (m Mat3) Col(j int) r3.Vec {
	return r3.Vec{X: m[0][j], Y: m[1][j], Z: m[2][j]}
}

// FromCols builds a matrix from three column vectors.
func FromCols(a, b, c r3.Vec) Mat3 {
	return Mat3{
		{a.X, b.X, c.X},
		{a.Y, b.Y, c.Y},
		{a.Z, b.Z, c.Z},
	}
}

// FrobeniusDistance returns the Frobenius norm of m-n.
func (m Mat3) FrobeniusDistance(n Mat3) float64 {
	var sum float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d := m[i][j] - n[i][j]
			sum += d * d
		}
	}
	return math.Sqrt(sum)
}

// RotX returns a rotation of angle radians about the X axis.
func RotX(angle float64) Mat3 {
	s, c := math.Sincos(angle)
	return Mat3{{1, 0, 0}, {0, c, -s}, {0, s, c}}
}

// RotY returns a rotation of angle radians about the Y axis.
func RotY(angle float64) Mat3 {
	s, c := math.Sincos(angle)
	return Mat3{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}
}

// RotZ returns a rotation of angle radians about the Z axis.
func RotZ(angle float64) Mat3 {
	s, c := math.Sincos(angle)
	return Mat3{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
}

// FromRollPitchYaw builds R = Rz(yaw) * Ry(pitch) * Rx(roll), the extrinsic
// X-Y-Z convention the robot uses for Rotation3d.
func FromRollPitchYaw(roll, pitch, yaw float64) Mat3 {
	return RotZ(yaw).Mul(RotY(pitch)).Mul(RotX(roll))
}

// RotationToRollPitchYaw extracts (roll, pitch, yaw) from a rotation built by
// FromRollPitchYaw. Pitch is clamped to [-pi/2, pi/2].
func RotationToRollPitchYaw(m Mat3) (roll, pitch, yaw float64) {
	sp := -m[2][0]
	if sp > 1 {
		sp = 1
	} else if sp < -1 {
		sp = -1
	}
	pitch = math.Asin(sp)
	if math.Abs(sp) > 1-1e-12 {
		// Gimbal lock: roll and yaw share an axis, fold everything into yaw.
		roll = 0
		yaw = math.Atan2(-m[0][1], m[1][1])
		return roll, pitch, yaw
	}
	roll = math.Atan2(m[2][1], m[2][2])
	yaw = math.Atan2(m[1][0], m[0][0])
	return roll, pitch, yaw
}

// RotationFromQuaternion returns the rotation for quaternion (w, x, y, z).
// The quaternion is normalized first; ok is false for a zero quaternion.
func RotationFromQuaternion(w, x, y, z float64) (m Mat3, ok bool) {
	n := math.Sqrt(w*w + x*x + y*y + z*z)
	if n < 1e-12 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Mat3{}, false
	}
	w, x, y, z = w/n, x/n, y/n, z/n
	return Mat3{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}, true
}

// Rodrigues converts a rotation vector (axis * angle) into a rotation matrix.
func Rodrigues(w r3.Vec) Mat3 {
	theta := r3.Norm(w)
	K := Mat3{
		{0, -w.Z, w.Y},
		{w.Z, 0, -w.X},
		{-w.Y, w.X, 0},
	}
	var a, b float64
	if theta < 1e-8 {
		// Second-order Taylor expansion keeps small updates exact enough.
		a = 1 - theta*theta/6
		b = 0.5 - theta*theta/24
	} else {
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / (theta * theta)
	}
	K2 := K.Mul(K)
	out := Identity3()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] += a*K[i][j] + b*K2[i][j]
		}
	}
	return out
}

// RotationVector converts a rotation matrix back to axis * angle form.
func RotationVector(m Mat3) r3.Vec {
	cos := (m[0][0] + m[1][1] + m[2][2] - 1) / 2
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	theta := math.Acos(cos)
	if theta < 1e-10 {
		return r3.Vec{}
	}
	if math.Pi-theta < 1e-6 {
		// Near pi the skew part vanishes; recover the axis from the symmetric part.
		axis := r3.Vec{
			X: math.Sqrt(math.Max(0, (m[0][0]+1)/2)),
			Y: math.Sqrt(math.Max(0, (m[1][1]+1)/2)),
			Z: math.Sqrt(math.Max(0, (m[2][2]+1)/2)),
		}
		if m[0][1]+m[1][0] < 0 {
			axis.Y = -axis.Y
		}
		if m[0][2]+m[2][0] < 0 {
			axis.Z = -axis.Z
		}
		return r3.Scale(theta, r3.Unit(axis))
	}
	s := 2 * math.Sin(theta)
	axis := r3.Vec{
		X: (m[2][1] - m[1][2]) / s,
		Y: (m[0][2] - m[2][0]) / s,
		Z: (m[1][0] - m[0][1]) / s,
	}
	return r3.Scale(theta, axis)
}

// NearestRotation projects m onto SO(3) using the SVD, m = U S V^T -> U V^T.
func NearestRotation(m Mat3) (Mat3, bool) {
	a := mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return Mat3{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// Flip the axis of the smallest singular value to stay a proper rotation.
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}

	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r.At(i, j)
		}
	}
	return out, true
}
