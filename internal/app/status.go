package app

import (
	"github.com/banshee-data/walleye/internal/camera"
	"github.com/banshee-data/walleye/internal/capture"
	"github.com/banshee-data/walleye/internal/publisher"
)

// CameraStatus is one camera's entry in Status.
type CameraStatus struct {
	camera.Snapshot
	Stream    string                `json:"stream"`
	Connected bool                  `json:"connected"`
	Tags      []int                 `json:"tags,omitempty"`
	Pose      *publisher.PoseRecord `json:"pose,omitempty"`
	Ambiguity *float64              `json:"ambiguity,omitempty"`
}

// Status is the operator-facing snapshot of the loop.
type Status struct {
	State             string         `json:"state"`
	Status            string         `json:"status"`
	LoopTimeMs        float64        `json:"loop_time_ms"`
	Generation        uint64         `json:"generation"`
	CalibrationCamera string         `json:"calibration_camera,omitempty"`
	CalibrationImages int            `json:"calibration_images"`
	ReprojectionError *float64       `json:"reprojection_error,omitempty"`
	TableName         string         `json:"table_name"`
	TagSize           float64        `json:"tag_size"`
	ValidTags         []int          `json:"valid_tags"`
	Published         uint64         `json:"published"`
	PublishErrors     uint64         `json:"publish_errors"`
	Cameras           []CameraStatus `json:"cameras"`
	Capture           capture.Stats  `json:"capture"`
}

// Status returns a consistent snapshot for telemetry.
func (a *App) Status() Status {
	cams := a.pipeline.Cameras()
	connected := a.health.Status()

	a.mu.RLock()
	st := Status{
		State:             a.state.String(),
		Status:            a.status,
		LoopTimeMs:        float64(a.loopTime.Microseconds()) / 1000,
		Generation:        a.generation,
		CalibrationCamera: a.calCamera,
		CalibrationImages: a.calImages,
		TableName:         a.table,
		ValidTags:         append([]int(nil), a.validTags...),
		Published:         a.published,
		PublishErrors:     a.publishErrors,
	}
	if a.reprojError != nil {
		v := *a.reprojError
		st.ReprojectionError = &v
	}
	for i, h := range cams {
		cs := CameraStatus{
			Snapshot:  h.Snapshot(),
			Stream:    publisher.StreamKey(h.Nickname(), a.table, i),
			Connected: connected[h.ID()],
		}
		if est, ok := a.estimates[h.ID()]; ok {
			cs.Tags = append([]int(nil), est.Tags...)
			if !est.Bad() {
				p := publisher.NewPoseRecord(est.PoseA)
				amb := est.Ambiguity
				cs.Pose, cs.Ambiguity = &p, &amb
			}
		}
		st.Cameras = append(st.Cameras, cs)
	}
	a.mu.RUnlock()

	st.TagSize = a.engine.TagSize()
	st.Capture = a.pipeline.Stats()
	return st
}
