package geom

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Point2 is a 2D point, in pixels unless stated otherwise.
type Point2 struct {
	X, Y float64
}

// Sub returns p-q.
func (p Point2) Sub(q Point2) Point2 { return Point2{X: p.X - q.X, Y: p.Y - q.Y} }

// Dist returns the Euclidean distance between p and q.
func (p Point2) Dist(q Point2) float64 { return math.Hypot(p.X-q.X, p.Y-q.Y) }

// Centroid returns the mean of pts; the zero point for an empty slice.
func Centroid(pts []Point2) Point2 {
	if len(pts) == 0 {
		return Point2{}
	}
	var c Point2
	for _, p := range pts {
		c.X += p.X
		c.Y += p.Y
	}
	n := float64(len(pts))
	return Point2{X: c.X / n, Y: c.Y / n}
}

// ErrBadIntrinsics is returned for a camera matrix or distortion vector the
// projection model cannot represent.
var ErrBadIntrinsics = errors.New("invalid camera intrinsics")

// Number of undistortion fixed-point iterations and the step size at which
// iteration stops early.
const (
	undistortIterations = 20
	undistortTolerance  = 1e-12
)

// Intrinsics is a pinhole camera with lens distortion. D follows the
// k1,k2,p1,p2[,k3[,k4,k5,k6[,s1,s2,s3,s4[,tx,ty]]]] ordering; the tilt terms
// tx,ty must be zero.
type Intrinsics struct {
	K Mat3
	D []float64
}

// NewIntrinsics validates and copies K and D.
func NewIntrinsics(k [3][3]float64, d []float64) (*Intrinsics, error) {
	switch len(d) {
	case 0, 4, 5, 8, 12, 14:
	default:
		return nil, fmt.Errorf("%w: distortion vector has %d coefficients", ErrBadIntrinsics, len(d))
	}
	if len(d) == 14 && (d[12] != 0 || d[13] != 0) {
		return nil, fmt.Errorf("%w: tilted sensor model is not supported", ErrBadIntrinsics)
	}
	if !(k[0][0] > 0) || !(k[1][1] > 0) {
		return nil, fmt.Errorf("%w: focal lengths must be positive", ErrBadIntrinsics)
	}
	if k[1][0] != 0 || k[2][0] != 0 || k[2][1] != 0 || k[2][2] != 1 {
		return nil, fmt.Errorf("%w: camera matrix must be upper triangular with K[2][2]=1", ErrBadIntrinsics)
	}
	in := &Intrinsics{K: Mat3(k), D: make([]float64, 14)}
	copy(in.D, d)
	return in, nil
}

// Fx returns the horizontal focal length in pixels.
func (in *Intrinsics) Fx() float64 { return in.K[0][0] }

// Fy returns the vertical focal length in pixels.
func (in *Intrinsics) Fy() float64 { return in.K[1][1] }

// Principal returns the principal point.
func (in *Intrinsics) Principal() Point2 { return Point2{X: in.K[0][2], Y: in.K[1][2]} }

func (in *Intrinsics) coeff(i int) float64 {
	if i < len(in.D) {
		return in.D[i]
	}
	return 0
}

// distort applies the lens model to a normalized image point.
func (in *Intrinsics) distort(x, y float64) (float64, float64) {
	k1, k2, p1, p2, k3 := in.coeff(0), in.coeff(1), in.coeff(2), in.coeff(3), in.coeff(4)
	k4, k5, k6 := in.coeff(5), in.coeff(6), in.coeff(7)
	s1, s2, s3, s4 := in.coeff(8), in.coeff(9), in.coeff(10), in.coeff(11)

	r2 := x*x + y*y
	r4 := r2 * r2
	r6 := r4 * r2
	radial := (1 + k1*r2 + k2*r4 + k3*r6) / (1 + k4*r2 + k5*r4 + k6*r6)
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x) + s1*r2 + s2*r4
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y + s3*r2 + s4*r4
	return xd, yd
}

// ToPixel maps a normalized image point through distortion and K.
func (in *Intrinsics) ToPixel(x, y float64) Point2 {
	xd, yd := in.distort(x, y)
	return Point2{
		X: in.K[0][0]*xd + in.K[0][1]*yd + in.K[0][2],
		Y: in.K[1][1]*yd + in.K[1][2],
	}
}

// Project maps a camera-frame point to pixels. ok is false for points at or
// behind the image plane.
func (in *Intrinsics) Project(p r3.Vec) (px Point2, ok bool) {
	if p.Z <= 1e-9 {
		return Point2{}, false
	}
	return in.ToPixel(p.X/p.Z, p.Y/p.Z), true
}

// Undistort maps a pixel to its ideal normalized image coordinates (the
// point on the Z=1 plane) by inverting the lens model iteratively.
func (in *Intrinsics) Undistort(px Point2) Point2 {
	y0 := (px.Y - in.K[1][2]) / in.K[1][1]
	x0 := (px.X - in.K[0][2] - in.K[0][1]*y0) / in.K[0][0]

	k1, k2, p1, p2, k3 := in.coeff(0), in.coeff(1), in.coeff(2), in.coeff(3), in.coeff(4)
	k4, k5, k6 := in.coeff(5), in.coeff(6), in.coeff(7)
	s1, s2, s3, s4 := in.coeff(8), in.coeff(9), in.coeff(10), in.coeff(11)

	x, y := x0, y0
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		r4 := r2 * r2
		r6 := r4 * r2
		icdist := (1 + k4*r2 + k5*r4 + k6*r6) / (1 + k1*r2 + k2*r4 + k3*r6)
		if icdist < 0 {
			// Outside the model's valid radius; fall back to the linear estimate.
			return Point2{X: x0, Y: y0}
		}
		dx := 2*p1*x*y + p2*(r2+2*x*x) + s1*r2 + s2*r4
		dy := p1*(r2+2*y*y) + 2*p2*x*y + s3*r2 + s4*r4
		nx := (x0 - dx) * icdist
		ny := (y0 - dy) * icdist
		step := math.Abs(nx-x) + math.Abs(ny-y)
		x, y = nx, ny
		if step < undistortTolerance {
			break
		}
	}
	return Point2{X: x, Y: y}
}
