// Package camera models one physical camera: its identity, its current
// configuration and calibration, its operating mode, and the Source that
// produces its frames.
package camera

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/walleye/internal/geom"
)

// Mode selects what the processing loop does with a camera's frames.
type Mode int

const (
	ModePoseEstimation Mode = iota
	ModeTagServoing
	ModeDisabled
)

func (m Mode) String() string {
	switch m {
	case ModePoseEstimation:
		return "pose_estimation"
	case ModeTagServoing:
		return "tag_servoing"
	case ModeDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pose_estimation", "pose":
		return ModePoseEstimation, nil
	case "tag_servoing", "servo":
		return ModeTagServoing, nil
	case "disabled", "off":
		return ModeDisabled, nil
	}
	return 0, fmt.Errorf("unknown camera mode %q", s)
}

// Source produces raw frames for one device. Read blocks until a frame is
// available and returns it with the device capture timestamp.
type Source interface {
	Read(ctx context.Context) (image.Image, time.Time, error)
	Close() error
}

// Handle is the pipeline's view of a camera. Configuration fields are
// changed from the foreground loop; intrinsics are replaced when a
// calibration completes. All accessors are safe for concurrent use.
type Handle struct {
	id     string
	source Source

	mu          sync.RWMutex
	nickname    string
	resolution  image.Point
	pixelFormat string
	intrinsics  *geom.Intrinsics
	mode        Mode
}

// NewHandle wraps a source. id should be a stable device path.
func NewHandle(id string, src Source, resolution image.Point, pixelFormat string) *Handle {
	return &Handle{
		id:          id,
		source:      src,
		resolution:  resolution,
		pixelFormat: pixelFormat,
		mode:        ModePoseEstimation,
	}
}

// ID returns the stable device identifier.
func (h *Handle) ID() string { return h.id }

// Read reads one frame from the underlying source.
func (h *Handle) Read(ctx context.Context) (image.Image, time.Time, error) {
	return h.source.Read(ctx)
}

// Close releases the underlying source.
func (h *Handle) Close() error { return h.source.Close() }

func (h *Handle) Nickname() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nickname
}

func (h *Handle) SetNickname(name string) {
	h.mu.Lock()
	h.nickname = name
	h.mu.Unlock()
}

func (h *Handle) Resolution() image.Point {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.resolution
}

// SetResolution records a new capture resolution. Intrinsics belong to a
// specific resolution, so they are cleared; the caller reloads the matching
// calibration if one exists.
func (h *Handle) SetResolution(res image.Point) {
	h.mu.Lock()
	if res != h.resolution {
		h.resolution = res
		h.intrinsics = nil
	}
	h.mu.Unlock()
}

func (h *Handle) PixelFormat() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pixelFormat
}

// Intrinsics returns the current calibration, or nil when uncalibrated.
func (h *Handle) Intrinsics() *geom.Intrinsics {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.intrinsics
}

func (h *Handle) SetIntrinsics(in *geom.Intrinsics) {
	h.mu.Lock()
	h.intrinsics = in
	h.mu.Unlock()
}

// Calibrated reports whether intrinsics are loaded.
func (h *Handle) Calibrated() bool { return h.Intrinsics() != nil }

func (h *Handle) Mode() Mode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mode
}

func (h *Handle) SetMode(m Mode) {
	h.mu.Lock()
	h.mode = m
	h.mu.Unlock()
}

// Snapshot is a copy of a handle's state for status reporting.
type Snapshot struct {
	ID          string `json:"id"`
	Nickname    string `json:"nickname,omitempty"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	PixelFormat string `json:"pixel_format,omitempty"`
	Mode        string `json:"mode"`
	Calibrated  bool   `json:"calibrated"`
}

func (h *Handle) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Snapshot{
		ID:          h.id,
		Nickname:    h.nickname,
		Width:       h.resolution.X,
		Height:      h.resolution.Y,
		PixelFormat: h.pixelFormat,
		Mode:        h.mode.String(),
		Calibrated:  h.intrinsics != nil,
	}
}
