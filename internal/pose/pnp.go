package pose

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/walleye/internal/geom"
)

// Solver tuning.
const (
	minImageSpread   = 1.0  // px; corners closer than this cannot constrain a pose
	jacobianStep     = 1e-6 // central difference step for rotation and translation
	maxIterations    = 50
	initialDamping   = 1e-3
	maxDamping       = 1e10
	convergedStep    = 1e-10
	coincidentTol    = 1e-6
	behindCameraCost = 1e6 // residual assigned to a point that projects behind the camera
)

// candidate is one camera-from-object pose, p_cam = R p_obj + t, with the
// RMS reprojection error it achieves in pixels.
type candidate struct {
	R   geom.Mat3
	t   r3.Vec
	err float64
}

func (c candidate) transform() geom.Transform { return geom.NewTransform(c.R, c.t) }

func (c candidate) finite() bool {
	if math.IsNaN(c.err) || math.IsInf(c.err, 0) {
		return false
	}
	return c.transform().IsFinite()
}

// coincides reports whether two candidates describe the same pose.
func (c candidate) coincides(o candidate) bool {
	return c.R.FrobeniusDistance(o.R) < coincidentTol && r3.Norm(r3.Sub(c.t, o.t)) < coincidentTol
}

func finitePoints(pts []geom.Point2) bool {
	for _, p := range pts {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return false
		}
	}
	return true
}

// imageSpread is the largest distance between any two image points.
func imageSpread(img []geom.Point2) float64 {
	var best float64
	for i := range img {
		for j := i + 1; j < len(img); j++ {
			if d := img[i].Dist(img[j]); d > best {
				best = d
			}
		}
	}
	return best
}

// rmsError projects object through (R, t) and returns the RMS pixel error.
func rmsError(object []r3.Vec, img []geom.Point2, in *geom.Intrinsics, R geom.Mat3, t r3.Vec) float64 {
	r := residuals(object, img, in, R, t, nil)
	var sum float64
	for _, v := range r {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(object)))
}

// residuals writes projected-minus-observed pixel offsets into dst.
func residuals(object []r3.Vec, img []geom.Point2, in *geom.Intrinsics, R geom.Mat3, t r3.Vec, dst []float64) []float64 {
	if cap(dst) < 2*len(object) {
		dst = make([]float64, 2*len(object))
	}
	dst = dst[:2*len(object)]
	for i, p := range object {
		px, ok := in.Project(r3.Add(R.MulVec(p), t))
		if !ok {
			dst[2*i], dst[2*i+1] = behindCameraCost, behindCameraCost
			continue
		}
		dst[2*i] = px.X - img[i].X
		dst[2*i+1] = px.Y - img[i].Y
	}
	return dst
}

func sumSquares(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return s
}

// perturb applies a 6-vector update: rotation first, then translation.
func perturb(R geom.Mat3, t r3.Vec, d []float64) (geom.Mat3, r3.Vec) {
	return geom.Rodrigues(r3.Vec{X: d[0], Y: d[1], Z: d[2]}).Mul(R),
		r3.Add(t, r3.Vec{X: d[3], Y: d[4], Z: d[5]})
}

// refine minimizes reprojection error with Levenberg-Marquardt starting from
// (R, t). Rotation updates are applied on the left so R stays orthonormal.
func refine(object []r3.Vec, img []geom.Point2, in *geom.Intrinsics, R geom.Mat3, t r3.Vec) candidate {
	n := 2 * len(object)
	res := residuals(object, img, in, R, t, nil)
	cost := sumSquares(res)

	J := mat.NewDense(n, 6, nil)
	plus := make([]float64, n)
	minus := make([]float64, n)
	var step [6]float64
	damping := initialDamping

	for iter := 0; iter < maxIterations && cost > 0; iter++ {
		for k := 0; k < 6; k++ {
			step = [6]float64{}
			step[k] = jacobianStep
			Rp, tp := perturb(R, t, step[:])
			plus = residuals(object, img, in, Rp, tp, plus)
			step[k] = -jacobianStep
			Rm, tm := perturb(R, t, step[:])
			minus = residuals(object, img, in, Rm, tm, minus)
			for i := 0; i < n; i++ {
				J.Set(i, k, (plus[i]-minus[i])/(2*jacobianStep))
			}
		}

		var JtJ mat.Dense
		JtJ.Mul(J.T(), J)
		var g mat.VecDense
		g.MulVec(J.T(), mat.NewVecDense(n, res))

		improved, converged := false, false
		for damping < maxDamping {
			A := mat.DenseCopyOf(&JtJ)
			for k := 0; k < 6; k++ {
				A.Set(k, k, JtJ.At(k, k)*(1+damping)+1e-12)
			}
			var delta mat.VecDense
			if err := delta.SolveVec(A, &g); err != nil {
				if _, cond := err.(mat.Condition); !cond {
					damping *= 10
					continue
				}
			}
			d := make([]float64, 6)
			for k := range d {
				d[k] = -delta.AtVec(k)
			}
			Rn, tn := perturb(R, t, d)
			resN := residuals(object, img, in, Rn, tn, nil)
			costN := sumSquares(resN)
			if costN < cost {
				R, t, res, cost = Rn, tn, resN, costN
				damping = math.Max(damping/10, 1e-12)
				improved = true
				converged = mat.Norm(&delta, 2) < convergedStep
				break
			}
			damping *= 10
		}
		if !improved || converged {
			break
		}
	}

	if nr, ok := geom.NearestRotation(R); ok {
		R = nr
	}
	return candidate{R: R, t: t, err: math.Sqrt(cost / float64(len(object)))}
}

// hartley returns the similarity that centers pts and scales their mean
// distance from the centroid to sqrt(2).
func hartley(pts []geom.Point2) geom.Mat3 {
	c := geom.Centroid(pts)
	var mean float64
	for _, p := range pts {
		mean += p.Dist(c)
	}
	mean /= float64(len(pts))
	s := math.Sqrt2
	if mean > 0 {
		s /= mean
	}
	return geom.Mat3{
		{s, 0, -s * c.X},
		{0, s, -s * c.Y},
		{0, 0, 1},
	}
}

func applyH(H geom.Mat3, p geom.Point2) geom.Point2 {
	v := H.MulVec(r3.Vec{X: p.X, Y: p.Y, Z: 1})
	return geom.Point2{X: v.X / v.Z, Y: v.Y / v.Z}
}

func inverse3(m geom.Mat3) (geom.Mat3, bool) {
	d := m.Det()
	if math.Abs(d) < 1e-15 {
		return geom.Mat3{}, false
	}
	return geom.Mat3{
		{(m[1][1]*m[2][2] - m[1][2]*m[2][1]) / d, (m[0][2]*m[2][1] - m[0][1]*m[2][2]) / d, (m[0][1]*m[1][2] - m[0][2]*m[1][1]) / d},
		{(m[1][2]*m[2][0] - m[1][0]*m[2][2]) / d, (m[0][0]*m[2][2] - m[0][2]*m[2][0]) / d, (m[0][2]*m[1][0] - m[0][0]*m[1][2]) / d},
		{(m[1][0]*m[2][1] - m[1][1]*m[2][0]) / d, (m[0][1]*m[2][0] - m[0][0]*m[2][1]) / d, (m[0][0]*m[1][1] - m[0][1]*m[1][0]) / d},
	}, true
}

// homography estimates H with dst ~ H src by the normalized DLT.
func homography(src, dst []geom.Point2) (geom.Mat3, bool) {
	Ts, Td := hartley(src), hartley(dst)
	rows := 2 * len(src)
	if rows < 9 {
		// Pad with zero rows; they do not change the null space.
		rows = 9
	}
	a := mat.NewDense(rows, 9, nil)
	for i := range src {
		s, d := applyH(Ts, src[i]), applyH(Td, dst[i])
		a.SetRow(2*i, []float64{-s.X, -s.Y, -1, 0, 0, 0, d.X * s.X, d.X * s.Y, d.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -s.X, -s.Y, -1, d.Y * s.X, d.Y * s.Y, d.Y})
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return geom.Mat3{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	var Hn geom.Mat3
	for k := 0; k < 9; k++ {
		Hn[k/3][k%3] = v.At(k, 8)
	}
	TdInv, ok := inverse3(Td)
	if !ok {
		return geom.Mat3{}, false
	}
	H := TdInv.Mul(Hn).Mul(Ts)
	if math.Abs(H[2][2]) > 1e-15 {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				H[i][j] /= H[2][2]
			}
		}
	}
	return H, true
}

// poseFromHomography recovers the camera-from-plane pose from a homography
// between plane coordinates and normalized image coordinates.
func poseFromHomography(H geom.Mat3) (geom.Mat3, r3.Vec, bool) {
	h1, h2, h3 := H.Col(0), H.Col(1), H.Col(2)
	norm := r3.Norm(h1) + r3.Norm(h2)
	if norm < 1e-15 {
		return geom.Mat3{}, r3.Vec{}, false
	}
	lambda := 2 / norm
	if h3.Z*lambda < 0 {
		lambda = -lambda
	}
	r1, r2 := r3.Scale(lambda, h1), r3.Scale(lambda, h2)
	R, ok := geom.NearestRotation(geom.FromCols(r1, r2, r3.Cross(r1, r2)))
	if !ok {
		return geom.Mat3{}, r3.Vec{}, false
	}
	return R, r3.Scale(lambda, h3), true
}

// flipCandidate returns the second planar solution: the plane tilted the other
// way about the line of sight, which projects to nearly the same image.
func flipCandidate(R geom.Mat3, t r3.Vec) geom.Mat3 {
	v := r3.Unit(t)
	mirror := func(x r3.Vec) r3.Vec { return r3.Sub(x, r3.Scale(2*r3.Dot(v, x), v)) }
	a, b := mirror(R.Col(0)), mirror(R.Col(1))
	return geom.FromCols(a, b, r3.Cross(a, b))
}

// solvePlanar returns the two candidate poses of a planar target whose
// object points lie on z = 0, best first.
func solvePlanar(object []r3.Vec, img []geom.Point2, in *geom.Intrinsics) ([2]candidate, error) {
	if len(object) < 4 || len(object) != len(img) || !finitePoints(img) || imageSpread(img) < minImageSpread {
		return [2]candidate{}, ErrDegenerate
	}
	plane := make([]geom.Point2, len(object))
	norm := make([]geom.Point2, len(img))
	for i := range object {
		plane[i] = geom.Point2{X: object[i].X, Y: object[i].Y}
		norm[i] = in.Undistort(img[i])
	}
	H, ok := homography(plane, norm)
	if !ok {
		return [2]candidate{}, ErrDegenerate
	}
	R, t, ok := poseFromHomography(H)
	if !ok || t.Z <= 0 {
		return [2]candidate{}, ErrDegenerate
	}

	c := [2]candidate{
		refine(object, img, in, R, t),
		refine(object, img, in, flipCandidate(R, t), t),
	}
	for _, cand := range c {
		if !cand.finite() {
			return [2]candidate{}, ErrDegenerate
		}
	}
	if c[1].err < c[0].err {
		c[0], c[1] = c[1], c[0]
	}
	return c, nil
}

// ambiguity is the ratio of the best to the second-best reprojection error.
// Coincident candidates are unambiguous.
func ambiguity(c [2]candidate) float64 {
	if c[0].coincides(c[1]) || c[1].err < 1e-12 {
		return 0
	}
	return c[0].err / c[1].err
}

// solveGeneral refines every seed over all points and returns the best.
func solveGeneral(object []r3.Vec, img []geom.Point2, in *geom.Intrinsics, seeds []geom.Transform) (candidate, error) {
	if len(object) < 4 || len(object) != len(img) || len(seeds) == 0 ||
		!finitePoints(img) || imageSpread(img) < minImageSpread {
		return candidate{}, ErrDegenerate
	}
	best := candidate{err: math.Inf(1)}
	for _, s := range seeds {
		c := refine(object, img, in, s.Rotation(), s.Translation())
		if c.finite() && c.err < best.err {
			best = c
		}
	}
	if math.IsInf(best.err, 1) {
		return candidate{}, ErrDegenerate
	}
	return best, nil
}
