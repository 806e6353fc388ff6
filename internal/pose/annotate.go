package pose

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/walleye/internal/annotate"
	"github.com/banshee-data/walleye/internal/geom"
	"github.com/banshee-data/walleye/internal/tags"
)

// axisLength is the drawn length of each tag axis in metres.
const axisLength = 0.1

// SolveAnnotated solves like Solve and returns a copy of frame with every
// detected tag outlined, invalid tags in red, and each accepted tag's planar
// axes drawn when the camera is calibrated.
func (e *Engine) SolveAnnotated(obs []tags.Observation, in *geom.Intrinsics, frame image.Image) (Estimate, *image.RGBA) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	b := frame.Bounds()
	est := e.solve(obs, in, image.Pt(b.Dx(), b.Dy()))
	canvas := annotate.NewCanvas(frame)

	accepted := make(map[int]bool, len(est.Tags))
	for _, id := range est.Tags {
		accepted[id] = true
	}
	for _, o := range obs {
		col := annotate.Red
		if accepted[o.ID] {
			col = annotate.Green
		}
		canvas.Polygon(o.Corners[:], col, 2)
		canvas.Text(fmt.Sprintf("%d", o.ID), o.Corners[0].X, o.Corners[0].Y-4, col)
		if in == nil || !accepted[o.ID] {
			continue
		}
		c, err := solvePlanar(e.object[:], o.Corners[:], in)
		if err != nil {
			continue
		}
		e.drawAxes(canvas, c[0], in)
	}

	if est.Bad() {
		canvas.Text("No pose", 5, 20, annotate.Red)
	} else {
		p := est.PoseA
		canvas.Text(fmt.Sprintf("x %.2f y %.2f z %.2f yaw %.1f", p.Translation.X, p.Translation.Y,
			p.Translation.Z, p.Yaw*180/math.Pi), 5, 20, annotate.Green)
	}
	return est, canvas.Image()
}

// drawAxes projects the tag's frame with z pointing out of the tag face.
func (e *Engine) drawAxes(canvas *annotate.Canvas, c candidate, in *geom.Intrinsics) {
	project := func(p r3.Vec) (geom.Point2, bool) { return in.Project(r3.Add(c.R.MulVec(p), c.t)) }
	origin, ok0 := project(r3.Vec{})
	x, ok1 := project(r3.Vec{X: axisLength})
	y, ok2 := project(r3.Vec{Y: axisLength})
	z, ok3 := project(r3.Vec{Z: -axisLength})
	if ok0 && ok1 && ok2 && ok3 {
		canvas.Axes(origin, x, y, z)
	}
}
