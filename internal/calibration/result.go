package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/walleye/internal/fsutil"
	"github.com/banshee-data/walleye/internal/geom"
)

// ErrMalformedResult marks a calibration file that cannot be used.
var ErrMalformedResult = errors.New("malformed calibration file")

// Result is a generated calibration. It is never modified after Generate
// returns it.
type Result struct {
	CameraID     string        `json:"camPath"`
	K            [3][3]float64 `json:"K"`
	Dist         Vector        `json:"dist"`
	Rotations    []Vec3        `json:"r"`
	Translations []Vec3        `json:"t"`
	Resolution   [2]int        `json:"resolution"`
	ReprojError  float64       `json:"reproj"`
	Timestamp    string        `json:"timestamp"`

	// ViewErrors holds the per-view reprojection error; it is not persisted.
	ViewErrors []float64 `json:"-"`
}

// Vector is a flat list of floats. It also decodes the column-vector form
// [[a],[b],...] and the row form [[a,b,...]] written by older tools.
type Vector []float64

func (v *Vector) UnmarshalJSON(data []byte) error {
	var flat []float64
	if err := json.Unmarshal(data, &flat); err == nil {
		*v = flat
		return nil
	}
	var nested [][]float64
	if err := json.Unmarshal(data, &nested); err != nil {
		return fmt.Errorf("expected a list of numbers: %w", err)
	}
	out := Vector{}
	for _, row := range nested {
		out = append(out, row...)
	}
	*v = out
	return nil
}

// Vec3 is a 3-vector stored as [x, y, z]; [[x],[y],[z]] is also accepted.
type Vec3 [3]float64

func (v *Vec3) UnmarshalJSON(data []byte) error {
	var flat Vector
	if err := flat.UnmarshalJSON(data); err != nil {
		return err
	}
	if len(flat) != 3 {
		return fmt.Errorf("expected 3 components, got %d", len(flat))
	}
	copy(v[:], flat)
	return nil
}

// R3 converts v to an r3.Vec.
func (v Vec3) R3() r3.Vec { return r3.Vec{X: v[0], Y: v[1], Z: v[2]} }

// FromR3 converts an r3.Vec.
func FromR3(v r3.Vec) Vec3 { return Vec3{v.X, v.Y, v.Z} }

// Intrinsics returns the camera model described by the result.
func (r *Result) Intrinsics() (*geom.Intrinsics, error) {
	return geom.NewIntrinsics(r.K, r.Dist)
}

// Size returns the resolution as a point.
func (r *Result) Size() image.Point { return image.Pt(r.Resolution[0], r.Resolution[1]) }

// Validate checks the result is internally consistent.
func (r *Result) Validate() error {
	if _, err := r.Intrinsics(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if len(r.Rotations) != len(r.Translations) {
		return fmt.Errorf("%w: %d rotations but %d translations", ErrMalformedResult, len(r.Rotations), len(r.Translations))
	}
	if r.Resolution[0] <= 0 || r.Resolution[1] <= 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrMalformedResult, r.Resolution[0], r.Resolution[1])
	}
	if r.ReprojError < 0 || math.IsNaN(r.ReprojError) || math.IsInf(r.ReprojError, 0) {
		return fmt.Errorf("%w: reprojection error %v", ErrMalformedResult, r.ReprojError)
	}
	return nil
}

// cleanCameraID makes a device path safe for use in a file name.
func cleanCameraID(id string) string {
	r := strings.NewReplacer(":", "-", ".", "-", "/", "-", "\\", "-", " ", "-")
	return strings.Trim(r.Replace(id), "-")
}

// PathFor returns the calibration file path for a camera at a resolution.
func PathFor(dir, cameraID string, res image.Point) string {
	return filepath.Join(dir, fmt.Sprintf("cam_%s_%dx%d_cal_data.json", cleanCameraID(cameraID), res.X, res.Y))
}

// ImageDirFor returns the directory a session for cameraID saves its
// accepted frames into.
func ImageDirFor(dir, cameraID string) string {
	return filepath.Join(dir, "cam_"+cleanCameraID(cameraID)+"_imgs")
}

// SaveResult writes r as JSON, creating the parent directory.
func SaveResult(fs fsutil.FileSystem, path string, r *Result) error {
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create calibration dir: %w", err)
	}
	if err := fs.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write calibration %s: %w", path, err)
	}
	return nil
}

// LoadResult reads a calibration file. A missing file wraps ErrNotCalibrated;
// anything unusable wraps ErrMalformedResult.
func LoadResult(fs fsutil.FileSystem, path string) (*Result, error) {
	if !fs.Exists(path) {
		return nil, fmt.Errorf("%w: %s", ErrNotCalibrated, path)
	}
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration %s: %w", path, err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResult, path, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &r, nil
}
