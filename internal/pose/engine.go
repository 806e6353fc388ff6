// Package pose resolves a camera's field pose from the AprilTags it sees.
//
// A single tag is solved as a planar target and yields two candidate poses
// with an ambiguity ratio. Two or more tags are solved together over all
// their corners and yield one pose.
package pose

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/walleye/internal/config"
	"github.com/banshee-data/walleye/internal/geom"
	"github.com/banshee-data/walleye/internal/monitoring"
	"github.com/banshee-data/walleye/internal/tags"
)

var logf = monitoring.Component("pose")

// Sentinel is the value the robot recognizes as "no data".
const Sentinel = 2767

// AmbiguityNotApplicable is reported when there is no single-tag ambiguity:
// zero tags, several tags, or a failed solve.
const AmbiguityNotApplicable float64 = Sentinel

// BadPose marks a frame with no usable pose.
var BadPose = geom.Pose3{Translation: r3.Vec{X: Sentinel, Y: Sentinel, Z: Sentinel}}

// ErrDegenerate is returned by the solvers when the observations cannot
// constrain a pose.
var ErrDegenerate = errors.New("pose: degenerate observation")

// seedTags bounds how many tags seed the multi-tag solve.
const seedTags = 2

// IsBad reports whether p is the bad pose marker or lies as far out as it.
func IsBad(p geom.Pose3) bool {
	t := p.Translation
	if math.IsNaN(t.X) || math.IsNaN(t.Y) || math.IsNaN(t.Z) {
		return true
	}
	return t.X >= 2000
}

// Estimate is the outcome of solving one frame.
type Estimate struct {
	PoseA, PoseB geom.Pose3
	Ambiguity    float64
	Tags         []int
	TagCenters   []geom.Point2 // normalized by frame size
	TagCorners   [][4]geom.Point2
}

// Bad reports whether the estimate carries no pose.
func (e Estimate) Bad() bool { return IsBad(e.PoseA) }

func badEstimate() Estimate {
	return Estimate{PoseA: BadPose, PoseB: BadPose, Ambiguity: AmbiguityNotApplicable}
}

type tagModel struct {
	// fieldFromObject maps the tag's planar object frame (x right, y down,
	// z into the tag as seen from the front) into field coordinates.
	fieldFromObject geom.Transform
	corners         [4]r3.Vec // field coordinates, detector order
}

// Engine holds the per-tag geometry derived from the layout and tag size.
// Solve may be called concurrently; SetTagSize takes the write lock.
type Engine struct {
	mu      sync.RWMutex
	layout  *tags.Layout
	valid   func(int) bool
	tagSize float64
	object  [4]r3.Vec
	models  map[int]tagModel
}

var (
	yawFlip = geom.NewTransform(geom.RotZ(math.Pi), r3.Vec{})
)

// NewEngine precomputes tag geometry for every tag in layout. validIDs
// restricts the accepted tags further; nil accepts every ID in
// [config.MinTag, config.MaxTag].
func NewEngine(layout *tags.Layout, tagSize float64, validIDs []int) (*Engine, error) {
	if layout == nil {
		return nil, fmt.Errorf("pose: nil tag layout")
	}
	e := &Engine{
		layout: layout,
		valid:  tags.AllowList(config.MinTag, config.MaxTag, validIDs),
	}
	if err := e.SetTagSize(tagSize); err != nil {
		return nil, err
	}
	return e, nil
}

// TagSize returns the tag side length in metres.
func (e *Engine) TagSize() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tagSize
}

// SetTagSize changes the tag side length and recomputes the corner geometry.
func (e *Engine) SetTagSize(size float64) error {
	if !(size > 0) || math.IsInf(size, 0) {
		return fmt.Errorf("pose: tag size must be positive, got %v", size)
	}
	h := size / 2
	// Corner offsets in the flipped tag frame (x into the tag, y left, z up),
	// in detector order: top-left, top-right, bottom-right, bottom-left.
	local := [4]r3.Vec{
		{Y: h, Z: h},
		{Y: -h, Z: h},
		{Y: -h, Z: -h},
		{Y: h, Z: -h},
	}

	models := make(map[int]tagModel, e.layout.Len())
	for _, id := range e.layout.IDs() {
		entry, _ := e.layout.Get(id)
		fieldFromLocal := entry.Pose.Compose(yawFlip)
		m := tagModel{fieldFromObject: geom.FieldFrameToCamera(fieldFromLocal)}
		for i, c := range local {
			m.corners[i] = fieldFromLocal.Apply(c)
		}
		models[id] = m
	}

	var object [4]r3.Vec
	for i, c := range local {
		object[i] = geom.FieldToCamera(c)
	}

	e.mu.Lock()
	e.tagSize = size
	e.object = object
	e.models = models
	e.mu.Unlock()
	logf("tag size set to %.4f m for %d tags", size, len(models))
	return nil
}

// SetValidTags replaces the tag allow-list. Empty allows every ID in
// [config.MinTag, config.MaxTag].
func (e *Engine) SetValidTags(ids []int) {
	valid := tags.AllowList(config.MinTag, config.MaxTag, ids)
	e.mu.Lock()
	e.valid = valid
	e.mu.Unlock()
	logf("valid tags set to %v", ids)
}

// accept filters observations to valid IDs present in the layout.
func (e *Engine) accept(obs []tags.Observation) []tags.Observation {
	accepted, rejected := tags.FilterValid(obs, func(id int) bool {
		_, known := e.models[id]
		return known && e.valid(id)
	})
	if len(rejected) > 0 {
		logf("ignoring invalid tags %v", rejected)
	}
	return accepted
}

// Solve computes the camera pose for one frame. in nil means the camera is
// uncalibrated and always yields the bad pose. Numerical failures are logged
// and yield the bad pose for this frame only.
func (e *Engine) Solve(obs []tags.Observation, in *geom.Intrinsics, size image.Point) Estimate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.solve(obs, in, size)
}

// Servo reports the allowed tags in view with their corners and normalized
// centers. It needs neither intrinsics nor a layout entry; both poses are
// the bad pose.
func (e *Engine) Servo(obs []tags.Observation, size image.Point) Estimate {
	e.mu.RLock()
	valid := e.valid
	e.mu.RUnlock()

	est := badEstimate()
	accepted, rejected := tags.FilterValid(obs, valid)
	if len(rejected) > 0 {
		logf("ignoring invalid tags %v", rejected)
	}
	for _, o := range accepted {
		est.Tags = append(est.Tags, o.ID)
		est.TagCenters = append(est.TagCenters, o.NormalizedCenter(size))
		est.TagCorners = append(est.TagCorners, o.Corners)
	}
	return est
}

func (e *Engine) solve(obs []tags.Observation, in *geom.Intrinsics, size image.Point) Estimate {
	est := badEstimate()
	if in == nil {
		return est
	}
	accepted := e.accept(obs)
	if len(accepted) == 0 {
		return est
	}
	for _, o := range accepted {
		est.Tags = append(est.Tags, o.ID)
		est.TagCenters = append(est.TagCenters, o.NormalizedCenter(size))
		est.TagCorners = append(est.TagCorners, o.Corners)
	}

	var err error
	if len(accepted) == 1 {
		err = e.solveSingle(accepted[0], in, &est)
	} else {
		err = e.solveMulti(accepted, in, &est)
	}
	if err == nil && (IsBad(est.PoseA) || !finitePose(est.PoseA) || !finitePose(est.PoseB)) {
		err = ErrDegenerate
	}
	if err != nil {
		logf("solve failed for tags %v: %v", est.Tags, err)
		est.PoseA, est.PoseB, est.Ambiguity = BadPose, BadPose, AmbiguityNotApplicable
	}
	return est
}

func (e *Engine) solveSingle(o tags.Observation, in *geom.Intrinsics, est *Estimate) error {
	m := e.models[o.ID]
	c, err := solvePlanar(e.object[:], o.Corners[:], in)
	if err != nil {
		return err
	}
	est.PoseA = m.fieldPose(c[0])
	est.PoseB = m.fieldPose(c[1])
	est.Ambiguity = ambiguity(c)
	return nil
}

func (e *Engine) solveMulti(obs []tags.Observation, in *geom.Intrinsics, est *Estimate) error {
	object := make([]r3.Vec, 0, 4*len(obs))
	img := make([]geom.Point2, 0, 4*len(obs))
	for _, o := range obs {
		m := e.models[o.ID]
		object = append(object, m.corners[:]...)
		img = append(img, o.Corners[:]...)
	}

	// Seed from the planar solutions of the largest tags in view.
	bySize := append([]tags.Observation(nil), obs...)
	sort.SliceStable(bySize, func(i, j int) bool { return quadArea(bySize[i].Corners) > quadArea(bySize[j].Corners) })
	var seeds []geom.Transform
	for _, o := range bySize {
		if len(seeds) >= 2*seedTags {
			break
		}
		c, err := solvePlanar(e.object[:], o.Corners[:], in)
		if err != nil {
			continue
		}
		objectFromField := e.models[o.ID].fieldFromObject.Inverse()
		for _, cand := range c {
			seeds = append(seeds, cand.transform().Compose(objectFromField))
		}
	}

	best, err := solveGeneral(object, img, in, seeds)
	if err != nil {
		return err
	}
	// best maps field points into the camera; invert and re-express the
	// camera axes in field convention.
	p := geom.PoseFromTransform(geom.CameraFrameToField(best.transform().Inverse()))
	est.PoseA, est.PoseB = p, p
	est.Ambiguity = AmbiguityNotApplicable
	return nil
}

// fieldPose converts a camera-from-object candidate into the camera's pose in
// the field.
func (m tagModel) fieldPose(c candidate) geom.Pose3 {
	return geom.PoseFromTransform(geom.CameraFrameToField(m.fieldFromObject.Compose(c.transform().Inverse())))
}

func finitePose(p geom.Pose3) bool {
	for _, v := range []float64{p.Translation.X, p.Translation.Y, p.Translation.Z, p.Roll, p.Pitch, p.Yaw} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// quadArea is the shoelace area of a detected tag in pixels.
func quadArea(c [4]geom.Point2) float64 {
	var a float64
	for i := range c {
		j := (i + 1) % len(c)
		a += c[i].X*c[j].Y - c[j].X*c[i].Y
	}
	return math.Abs(a) / 2
}
