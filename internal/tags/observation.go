package tags

import (
	"encoding/json"
	"fmt"
	"image"
	"sync"

	"github.com/banshee-data/walleye/internal/fsutil"
	"github.com/banshee-data/walleye/internal/geom"
)

// Observation is one detected tag. Corners are in detector order: top-left,
// top-right, bottom-right, bottom-left as seen by an upright camera.
type Observation struct {
	ID      int            `json:"id"`
	Corners [4]geom.Point2 `json:"corners"`
}

// Center returns the mean of the four corners.
func (o Observation) Center() geom.Point2 { return geom.Centroid(o.Corners[:]) }

// Detector finds tags in a grayscale frame.
type Detector interface {
	Detect(gray *image.Gray) ([]Observation, error)
}

// FilterValid splits observations into those whose ID passes valid and the
// rejected IDs. Order is preserved.
func FilterValid(obs []Observation, valid func(id int) bool) (accepted []Observation, rejected []int) {
	for _, o := range obs {
		if valid(o.ID) {
			accepted = append(accepted, o)
		} else {
			rejected = append(rejected, o.ID)
		}
	}
	return accepted, rejected
}

// AllowList returns a predicate accepting ids in [minID, maxID] that are also
// listed in ids. An empty ids accepts the whole range.
func AllowList(minID, maxID int, ids []int) func(int) bool {
	set := make(map[int]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id int) bool {
		if id < minID || id > maxID {
			return false
		}
		return len(set) == 0 || set[id]
	}
}

// StaticDetector replays a fixed sequence of detections, one entry per call,
// wrapping around at the end.
type StaticDetector struct {
	mu     sync.Mutex
	frames [][]Observation
	next   int
}

// NewStaticDetector returns a detector replaying frames.
func NewStaticDetector(frames ...[]Observation) *StaticDetector {
	return &StaticDetector{frames: frames}
}

// LoadStaticDetector reads a JSON array of per-frame observation lists.
func LoadStaticDetector(fs fsutil.FileSystem, path string) (*StaticDetector, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read detections: %w", err)
	}
	var frames [][]Observation
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("parse detections %s: %w", path, err)
	}
	return NewStaticDetector(frames...), nil
}

// Detect ignores the frame and returns the next recorded detections.
func (d *StaticDetector) Detect(*image.Gray) ([]Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return nil, nil
	}
	f := d.frames[d.next]
	d.next = (d.next + 1) % len(d.frames)
	return append([]Observation(nil), f...), nil
}

// NormalizedCenter returns the tag center divided by the frame size, so both
// coordinates fall in [0, 1] for a tag inside the frame. A zero size returns
// the center in pixels.
func (o Observation) NormalizedCenter(size image.Point) geom.Point2 {
	c := o.Center()
	if size.X <= 0 || size.Y <= 0 {
		return c
	}
	return geom.Point2{X: c.X / float64(size.X), Y: c.Y / float64(size.Y)}
}
