package pose

import (
	"image"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/walleye/internal/geom"
	"github.com/banshee-data/walleye/internal/tags"
	"github.com/banshee-data/walleye/internal/testutil"
)

const tagSize = 0.157

var frameSize = image.Pt(testutil.FrameWidth, testutil.FrameHeight)

// Tag 1 and 2 face +x, tag 5 faces -x.
func testLayout(t *testing.T) *tags.Layout {
	t.Helper()
	flip, ok := geom.RotationFromQuaternion(0, 0, 0, 1)
	require.True(t, ok)
	l, err := tags.NewLayout(
		tags.Entry{ID: 1, Pose: geom.NewTransform(geom.Identity3(), r3.Vec{X: 1, Y: 1, Z: 0.5})},
		tags.Entry{ID: 2, Pose: geom.NewTransform(geom.Identity3(), r3.Vec{X: 1, Y: 2, Z: 0.5})},
		tags.Entry{ID: 5, Pose: geom.NewTransform(flip, r3.Vec{X: 5, Y: 1, Z: 0.5})},
	)
	require.NoError(t, err)
	return l
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	testutil.MuteLogs(t)
	e, err := NewEngine(testLayout(t), tagSize, nil)
	require.NoError(t, err)
	return e
}

// facingPlusX returns the corners of a +x facing tag in detector order as seen
// by a viewer looking along -x, whose left is -y.
func facingPlusX(c r3.Vec, size float64) [4]r3.Vec {
	h := size / 2
	return [4]r3.Vec{
		{X: c.X, Y: c.Y - h, Z: c.Z + h},
		{X: c.X, Y: c.Y + h, Z: c.Z + h},
		{X: c.X, Y: c.Y + h, Z: c.Z - h},
		{X: c.X, Y: c.Y - h, Z: c.Z - h},
	}
}

// facingMinusX mirrors facingPlusX for a viewer looking along +x.
func facingMinusX(c r3.Vec, size float64) [4]r3.Vec {
	h := size / 2
	return [4]r3.Vec{
		{X: c.X, Y: c.Y + h, Z: c.Z + h},
		{X: c.X, Y: c.Y - h, Z: c.Z + h},
		{X: c.X, Y: c.Y - h, Z: c.Z - h},
		{X: c.X, Y: c.Y + h, Z: c.Z - h},
	}
}

// observe projects field points through a camera with the given field pose.
// The camera body is x forward, y left, z up; the lens looks along x.
func observe(t *testing.T, in *geom.Intrinsics, cam geom.Pose3, id int, corners [4]r3.Vec) tags.Observation {
	t.Helper()
	camFromField := cam.Transform().Inverse()
	o := tags.Observation{ID: id}
	for i, p := range corners {
		d := camFromField.Apply(p)
		// forward, left, up -> right, down, forward
		px, ok := in.Project(r3.Vec{X: -d.Y, Y: -d.Z, Z: d.X})
		require.True(t, ok, "corner %d behind camera", i)
		o.Corners[i] = px
	}
	return o
}

func assertPoseNear(t *testing.T, want, got geom.Pose3, tol float64) {
	t.Helper()
	assert.InDelta(t, want.Translation.X, got.Translation.X, tol, "x")
	assert.InDelta(t, want.Translation.Y, got.Translation.Y, tol, "y")
	assert.InDelta(t, want.Translation.Z, got.Translation.Z, tol, "z")
	wantR := geom.FromRollPitchYaw(want.Roll, want.Pitch, want.Yaw)
	gotR := geom.FromRollPitchYaw(got.Roll, got.Pitch, got.Yaw)
	assert.Less(t, wantR.FrobeniusDistance(gotR), tol, "rotation")
}

func lookAt(from, to r3.Vec, roll float64) geom.Pose3 {
	d := r3.Sub(to, from)
	return geom.Pose3{
		Translation: from,
		Roll:        roll,
		Pitch:       math.Atan2(-d.Z, math.Hypot(d.X, d.Y)),
		Yaw:         math.Atan2(d.Y, d.X),
	}
}

func distortedIntrinsics(t *testing.T) *geom.Intrinsics {
	t.Helper()
	in, err := geom.NewIntrinsics([3][3]float64{
		{testutil.FocalLength, 0, 630},
		{0, testutil.FocalLength * 1.01, 370},
		{0, 0, 1},
	}, []float64{-0.12, 0.03, 0.001, -0.0005, 0.002})
	require.NoError(t, err)
	return in
}

func TestSolve_SingleTagHeadOn(t *testing.T) {
	e := newTestEngine(t)
	in := testutil.Intrinsics(t)
	cam := geom.Pose3{Translation: r3.Vec{X: 3, Y: 1, Z: 0.5}, Yaw: math.Pi}
	obs := observe(t, in, cam, 1, facingPlusX(r3.Vec{X: 1, Y: 1, Z: 0.5}, tagSize))

	est := e.Solve([]tags.Observation{obs}, in, frameSize)
	require.False(t, est.Bad())
	assertPoseNear(t, cam, est.PoseA, 1e-5)
	assertPoseNear(t, cam, est.PoseB, 1e-5)
	assert.Equal(t, 0.0, est.Ambiguity, "a fronto-parallel tag has one solution")
	assert.Equal(t, []int{1}, est.Tags)
	require.Len(t, est.TagCenters, 1)
	assert.InDelta(t, 0.5, est.TagCenters[0].X, 1e-9)
	assert.InDelta(t, 0.5, est.TagCenters[0].Y, 1e-9)
	assert.Equal(t, [][4]geom.Point2{obs.Corners}, est.TagCorners)
}

func TestSolve_SingleTagOblique(t *testing.T) {
	tests := []struct {
		name   string
		id     int
		cam    geom.Pose3
		target r3.Vec
		facing func(r3.Vec, float64) [4]r3.Vec
		in     func(*testing.T) *geom.Intrinsics
	}{
		{
			name:   "plus x tag",
			id:     1,
			cam:    lookAt(r3.Vec{X: 3, Y: 1.8, Z: 0.9}, r3.Vec{X: 1, Y: 1, Z: 0.5}, 0.1),
			target: r3.Vec{X: 1, Y: 1, Z: 0.5},
			facing: facingPlusX,
			in:     func(t *testing.T) *geom.Intrinsics { return testutil.Intrinsics(t) },
		},
		{
			name:   "minus x tag",
			id:     5,
			cam:    lookAt(r3.Vec{X: 3.2, Y: 0.4, Z: 0.3}, r3.Vec{X: 5, Y: 1, Z: 0.5}, -0.05),
			target: r3.Vec{X: 5, Y: 1, Z: 0.5},
			facing: facingMinusX,
			in:     func(t *testing.T) *geom.Intrinsics { return testutil.Intrinsics(t) },
		},
		{
			name:   "distorted lens",
			id:     1,
			cam:    lookAt(r3.Vec{X: 2.5, Y: 0.6, Z: 0.7}, r3.Vec{X: 1, Y: 1.1, Z: 0.5}, 0),
			target: r3.Vec{X: 1, Y: 1, Z: 0.5},
			facing: facingPlusX,
			in:     distortedIntrinsics,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			in := tt.in(t)
			obs := observe(t, in, tt.cam, tt.id, tt.facing(tt.target, tagSize))

			est := e.Solve([]tags.Observation{obs}, in, frameSize)
			require.False(t, est.Bad())
			assertPoseNear(t, tt.cam, est.PoseA, 1e-5)
			assert.False(t, est.PoseB == BadPose)
			assert.GreaterOrEqual(t, est.Ambiguity, 0.0)
			assert.Less(t, est.Ambiguity, 0.1, "exact corners make the best candidate unambiguous")
		})
	}
}

func TestSolve_MultiTag(t *testing.T) {
	e := newTestEngine(t)
	in := testutil.Intrinsics(t)
	cam := geom.Pose3{Translation: r3.Vec{X: 3, Y: 1.5, Z: 0.6}, Roll: 0.02, Pitch: 0.03, Yaw: math.Pi + 0.05}
	obs := []tags.Observation{
		observe(t, in, cam, 1, facingPlusX(r3.Vec{X: 1, Y: 1, Z: 0.5}, tagSize)),
		observe(t, in, cam, 2, facingPlusX(r3.Vec{X: 1, Y: 2, Z: 0.5}, tagSize)),
	}

	est := e.Solve(obs, in, frameSize)
	require.False(t, est.Bad())
	assertPoseNear(t, cam, est.PoseA, 1e-5)
	assert.Equal(t, est.PoseA, est.PoseB)
	assert.Equal(t, AmbiguityNotApplicable, est.Ambiguity)
	assert.Equal(t, []int{1, 2}, est.Tags)
	assert.Len(t, est.TagCenters, 2)
}

func TestSolve_NoUsableTags(t *testing.T) {
	e := newTestEngine(t)
	in := testutil.Intrinsics(t)
	cam := geom.Pose3{Translation: r3.Vec{X: 3, Y: 1, Z: 0.5}, Yaw: math.Pi}
	good := observe(t, in, cam, 1, facingPlusX(r3.Vec{X: 1, Y: 1, Z: 0.5}, tagSize))

	outOfRange := good
	outOfRange.ID = 17
	notInLayout := good
	notInLayout.ID = 9

	cases := map[string]struct {
		obs []tags.Observation
		in  *geom.Intrinsics
	}{
		"no tags":       {nil, in},
		"out of range":  {[]tags.Observation{outOfRange}, in},
		"not in layout": {[]tags.Observation{notInLayout}, in},
		"uncalibrated":  {[]tags.Observation{good}, nil},
		"only zero id":  {[]tags.Observation{{ID: 0, Corners: good.Corners}}, in},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			est := e.Solve(tc.obs, tc.in, frameSize)
			assert.Equal(t, BadPose, est.PoseA)
			assert.Equal(t, BadPose, est.PoseB)
			assert.Equal(t, AmbiguityNotApplicable, est.Ambiguity)
			assert.Empty(t, est.Tags)
			assert.True(t, est.Bad())
		})
	}

	// Invalid tags are dropped; the valid one is still solved alone.
	est := e.Solve([]tags.Observation{outOfRange, good, notInLayout}, in, frameSize)
	assert.Equal(t, []int{1}, est.Tags)
	assertPoseNear(t, cam, est.PoseA, 1e-5)
	assert.NotEqual(t, AmbiguityNotApplicable, est.Ambiguity)
}

func TestSolve_AllowList(t *testing.T) {
	testutil.MuteLogs(t)
	e, err := NewEngine(testLayout(t), tagSize, []int{2})
	require.NoError(t, err)
	in := testutil.Intrinsics(t)
	cam := geom.Pose3{Translation: r3.Vec{X: 3, Y: 1.5, Z: 0.5}, Yaw: math.Pi}
	obs := []tags.Observation{
		observe(t, in, cam, 1, facingPlusX(r3.Vec{X: 1, Y: 1, Z: 0.5}, tagSize)),
		observe(t, in, cam, 2, facingPlusX(r3.Vec{X: 1, Y: 2, Z: 0.5}, tagSize)),
	}
	est := e.Solve(obs, in, frameSize)
	assert.Equal(t, []int{2}, est.Tags)
	assert.NotEqual(t, AmbiguityNotApplicable, est.Ambiguity)
}

func TestSolve_DegenerateIsContained(t *testing.T) {
	e := newTestEngine(t)
	in := testutil.Intrinsics(t)
	p := geom.Point2{X: 400, Y: 300}
	collapsed := tags.Observation{ID: 1, Corners: [4]geom.Point2{p, p, p, p}}
	nanCorners := tags.Observation{ID: 2, Corners: [4]geom.Point2{{X: math.NaN()}, p, p, p}}

	est := e.Solve([]tags.Observation{collapsed}, in, frameSize)
	assert.Equal(t, BadPose, est.PoseA)
	assert.Equal(t, []int{1}, est.Tags)

	est = e.Solve([]tags.Observation{collapsed, nanCorners}, in, frameSize)
	assert.Equal(t, BadPose, est.PoseA)
	assert.Equal(t, AmbiguityNotApplicable, est.Ambiguity)

	// The next frame is unaffected.
	cam := geom.Pose3{Translation: r3.Vec{X: 3, Y: 1, Z: 0.5}, Yaw: math.Pi}
	good := observe(t, in, cam, 1, facingPlusX(r3.Vec{X: 1, Y: 1, Z: 0.5}, tagSize))
	est = e.Solve([]tags.Observation{good}, in, frameSize)
	assertPoseNear(t, cam, est.PoseA, 1e-5)
}

func TestSetTagSize(t *testing.T) {
	e := newTestEngine(t)
	in := testutil.Intrinsics(t)
	cam := geom.Pose3{Translation: r3.Vec{X: 3, Y: 1, Z: 0.5}, Yaw: math.Pi}
	obs := []tags.Observation{observe(t, in, cam, 1, facingPlusX(r3.Vec{X: 1, Y: 1, Z: 0.5}, tagSize))}

	// Doubling the assumed size doubles the distance to the tag.
	require.NoError(t, e.SetTagSize(2*tagSize))
	assert.Equal(t, 2*tagSize, e.TagSize())
	est := e.Solve(obs, in, frameSize)
	assert.InDelta(t, 5, est.PoseA.Translation.X, 1e-5)
	assert.InDelta(t, 1, est.PoseA.Translation.Y, 1e-5)

	require.NoError(t, e.SetTagSize(tagSize))
	est = e.Solve(obs, in, frameSize)
	assertPoseNear(t, cam, est.PoseA, 1e-5)

	assert.Error(t, e.SetTagSize(0))
	assert.Error(t, e.SetTagSize(-1))
	assert.Error(t, e.SetTagSize(math.NaN()))
	assert.Equal(t, tagSize, e.TagSize())
}

func TestNewEngine_Errors(t *testing.T) {
	_, err := NewEngine(nil, tagSize, nil)
	assert.Error(t, err)
	testutil.MuteLogs(t)
	_, err = NewEngine(testLayout(t), 0, nil)
	assert.Error(t, err)
}

func TestSolveAnnotated(t *testing.T) {
	e := newTestEngine(t)
	in := testutil.Intrinsics(t)
	cam := geom.Pose3{Translation: r3.Vec{X: 3, Y: 1.5, Z: 0.5}, Yaw: math.Pi}
	obs := []tags.Observation{
		observe(t, in, cam, 1, facingPlusX(r3.Vec{X: 1, Y: 1, Z: 0.5}, tagSize)),
		observe(t, in, cam, 2, facingPlusX(r3.Vec{X: 1, Y: 2, Z: 0.5}, tagSize)),
	}
	frame := testutil.GrayFrame(testutil.FrameWidth, testutil.FrameHeight, 30)

	est, img := e.SolveAnnotated(obs, in, frame)
	assert.Equal(t, e.Solve(obs, in, frameSize), est)
	require.NotNil(t, img)
	assert.Equal(t, frame.Bounds(), img.Bounds())

	// The outline of tag 1 passes through its top-right corner.
	c := obs[0].Corners[1]
	px := img.RGBAAt(int(math.Round(c.X)), int(math.Round(c.Y)))
	assert.NotEqual(t, uint8(30), px.G)

	_, img = e.SolveAnnotated(nil, nil, frame)
	assert.Equal(t, frame.Bounds(), img.Bounds())
}

func TestSolve_Concurrent(t *testing.T) {
	e := newTestEngine(t)
	in := testutil.Intrinsics(t)
	cam := geom.Pose3{Translation: r3.Vec{X: 3, Y: 1, Z: 0.5}, Yaw: math.Pi}
	obs := []tags.Observation{observe(t, in, cam, 1, facingPlusX(r3.Vec{X: 1, Y: 1, Z: 0.5}, tagSize))}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				e.Solve(obs, in, frameSize)
			}
		}()
	}
	for j := 0; j < 5; j++ {
		require.NoError(t, e.SetTagSize(tagSize))
	}
	wg.Wait()
}

func TestIsBad(t *testing.T) {
	assert.True(t, IsBad(BadPose))
	assert.True(t, IsBad(geom.Pose3{Translation: r3.Vec{X: 2000}}))
	assert.True(t, IsBad(geom.Pose3{Translation: r3.Vec{Y: math.NaN()}}))
	assert.False(t, IsBad(geom.Pose3{Translation: r3.Vec{X: 16.5, Y: 8}}))
}

func TestServo(t *testing.T) {
	e := newTestEngine(t)
	corners := [4]geom.Point2{{X: 100, Y: 100}, {X: 300, Y: 100}, {X: 300, Y: 260}, {X: 100, Y: 260}}
	obs := []tags.Observation{
		{ID: 9, Corners: corners}, // allowed but not in the layout
		{ID: 40, Corners: corners},
	}
	est := e.Servo(obs, frameSize)
	assert.True(t, est.Bad())
	assert.Equal(t, []int{9}, est.Tags)
	require.Len(t, est.TagCenters, 1)
	assert.InDelta(t, 200.0/float64(testutil.FrameWidth), est.TagCenters[0].X, 1e-12)
	assert.InDelta(t, 180.0/float64(testutil.FrameHeight), est.TagCenters[0].Y, 1e-12)
	assert.Equal(t, [][4]geom.Point2{corners}, est.TagCorners)
}

func TestSetValidTags(t *testing.T) {
	e := newTestEngine(t)
	in := testutil.Intrinsics(t)
	cam := geom.Pose3{Translation: r3.Vec{X: 3, Y: 1.5, Z: 0.5}, Yaw: math.Pi}
	obs := []tags.Observation{
		observe(t, in, cam, 1, facingPlusX(r3.Vec{X: 1, Y: 1, Z: 0.5}, tagSize)),
		observe(t, in, cam, 2, facingPlusX(r3.Vec{X: 1, Y: 2, Z: 0.5}, tagSize)),
	}
	assert.Equal(t, []int{1, 2}, e.Solve(obs, in, frameSize).Tags)

	e.SetValidTags([]int{1})
	assert.Equal(t, []int{1}, e.Solve(obs, in, frameSize).Tags)
	assert.Equal(t, []int{1}, e.Servo(obs, frameSize).Tags)

	e.SetValidTags(nil)
	assert.Equal(t, []int{1, 2}, e.Servo(obs, frameSize).Tags)
}
