package pose

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/walleye/internal/geom"
	"github.com/banshee-data/walleye/internal/testutil"
)

func TestHomography_Exact(t *testing.T) {
	want := geom.Mat3{
		{1.2, 0.1, 30},
		{-0.05, 0.9, -12},
		{0.001, 0.002, 1},
	}
	src := []geom.Point2{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 80}, {X: 0, Y: 80}, {X: 40, Y: 30}}
	dst := make([]geom.Point2, len(src))
	for i, p := range src {
		dst[i] = applyH(want, p)
	}
	got, ok := homography(src, dst)
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, want[i][j], got[i][j], 1e-6*math.Max(1, math.Abs(want[i][j])))
		}
	}
}

func TestSolvePlanar_RecoversPose(t *testing.T) {
	in := testutil.Intrinsics(t)
	h := 0.08
	object := []r3.Vec{{X: -h, Y: -h}, {X: h, Y: -h}, {X: h, Y: h}, {X: -h, Y: h}}
	R := geom.Rodrigues(r3.Vec{X: 0.3, Y: -0.4, Z: 0.1})
	tv := r3.Vec{X: 0.1, Y: -0.05, Z: 1.5}
	img := make([]geom.Point2, len(object))
	for i, p := range object {
		px, ok := in.Project(r3.Add(R.MulVec(p), tv))
		require.True(t, ok)
		img[i] = px
	}

	c, err := solvePlanar(object, img, in)
	require.NoError(t, err)
	assert.Less(t, c[0].err, 1e-6)
	assert.LessOrEqual(t, c[0].err, c[1].err)
	assert.Less(t, c[0].R.FrobeniusDistance(R), 1e-6)
	assert.InDelta(t, 0, r3.Norm(r3.Sub(c[0].t, tv)), 1e-6)
	assert.InDelta(t, 1, c[1].R.Det(), 1e-9, "second candidate is a proper rotation")
}

func TestSolvePlanar_Degenerate(t *testing.T) {
	in := testutil.Intrinsics(t)
	object := []r3.Vec{{X: -1, Y: -1}, {X: 1, Y: -1}, {X: 1, Y: 1}, {X: -1, Y: 1}}
	p := geom.Point2{X: 10, Y: 10}
	_, err := solvePlanar(object, []geom.Point2{p, p, p, {X: 10.5, Y: 10}}, in)
	assert.ErrorIs(t, err, ErrDegenerate)
	_, err = solvePlanar(object[:3], []geom.Point2{p, p, p}, in)
	assert.ErrorIs(t, err, ErrDegenerate)
	_, err = solvePlanar(object, []geom.Point2{{X: math.Inf(1)}, {X: 100}, {Y: 100}, {X: 100, Y: 100}}, in)
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestAmbiguity(t *testing.T) {
	R := geom.Identity3()
	a := candidate{R: R, t: r3.Vec{Z: 1}, err: 0.2}
	b := candidate{R: geom.RotX(0.3), t: r3.Vec{Z: 1}, err: 0.8}
	assert.InDelta(t, 0.25, ambiguity([2]candidate{a, b}), 1e-12)

	same := a
	same.err = 0.4
	assert.Zero(t, ambiguity([2]candidate{a, same}))

	perfect := b
	perfect.err = 0
	assert.Zero(t, ambiguity([2]candidate{a, perfect}))
}

func TestFlipCandidate(t *testing.T) {
	R := geom.Rodrigues(r3.Vec{X: 0.4, Y: 0.2})
	tv := r3.Vec{X: 0.2, Y: 0.1, Z: 2}
	F := flipCandidate(R, tv)
	assert.InDelta(t, 1, F.Det(), 1e-12)
	assert.Less(t, F.Mul(F.T()).FrobeniusDistance(geom.Identity3()), 1e-12)

	// The plane normal is rotated half a turn about the line of sight.
	v := r3.Unit(tv)
	n := R.Col(2)
	want := r3.Sub(r3.Scale(2*r3.Dot(n, v), v), n)
	got := F.Col(2)
	assert.InDelta(t, 0, r3.Norm(r3.Sub(want, got)), 1e-12)
}

func TestQuadArea(t *testing.T) {
	sq := [4]geom.Point2{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
	assert.InDelta(t, 100, quadArea(sq), 1e-12)
	sq[1], sq[3] = sq[3], sq[1]
	assert.InDelta(t, 100, quadArea(sq), 1e-12)
}
