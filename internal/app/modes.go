package app

import (
	"image"

	"github.com/banshee-data/walleye/internal/camera"
	"github.com/banshee-data/walleye/internal/capture"
	"github.com/banshee-data/walleye/internal/pose"
	"github.com/banshee-data/walleye/internal/tags"
)

// modeHandler turns one camera's frame into an estimate. false means the
// camera contributes nothing this sweep.
type modeHandler func(h *camera.Handle, e capture.Entry) (pose.Estimate, bool)

func (a *App) modeTable() map[camera.Mode]modeHandler {
	return map[camera.Mode]modeHandler{
		camera.ModePoseEstimation: a.estimatePose,
		camera.ModeTagServoing:    a.servoTags,
		camera.ModeDisabled:       skipCamera,
	}
}

func skipCamera(*camera.Handle, capture.Entry) (pose.Estimate, bool) {
	return pose.Estimate{}, false
}

func (a *App) detect(h *camera.Handle, frame image.Image) ([]tags.Observation, bool) {
	obs, err := a.detector.Detect(camera.ToGray(frame))
	if err != nil {
		logf("detect on %s: %v", h.ID(), err)
		return nil, false
	}
	return obs, true
}

func (a *App) estimatePose(h *camera.Handle, e capture.Entry) (pose.Estimate, bool) {
	obs, ok := a.detect(h, e.Frame)
	if !ok {
		a.setPreview(h.ID(), e.Frame)
		return pose.Estimate{}, false
	}
	in := h.Intrinsics()
	if a.annotate {
		est, annotated := a.engine.SolveAnnotated(obs, in, e.Frame)
		a.setPreview(h.ID(), annotated)
		return est, true
	}
	a.setPreview(h.ID(), e.Frame)
	b := e.Frame.Bounds()
	return a.engine.Solve(obs, in, image.Pt(b.Dx(), b.Dy())), true
}

func (a *App) servoTags(h *camera.Handle, e capture.Entry) (pose.Estimate, bool) {
	a.setPreview(h.ID(), e.Frame)
	obs, ok := a.detect(h, e.Frame)
	if !ok {
		return pose.Estimate{}, false
	}
	b := e.Frame.Bounds()
	return a.engine.Servo(obs, image.Pt(b.Dx(), b.Dy())), true
}
