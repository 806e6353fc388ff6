// Package cvbridge connects the vision loop to OpenCV through gocv: V4L2
// capture, AprilTag detection, calibration board search, sub-pixel corner
// refinement and intrinsic calibration.
//
// The OpenCV implementation is compiled with the gocv build tag. Without it
// every constructor returns ErrUnavailable and the binary runs with
// synthetic or replayed cameras only.
package cvbridge

import (
	"errors"
	"fmt"

	"github.com/banshee-data/walleye/internal/monitoring"
)

var logf = monitoring.Component("cv")

// ErrUnavailable is returned when the binary was built without OpenCV.
var ErrUnavailable = errors.New("opencv support not compiled in (build with -tags gocv)")

// Tag families the detector understands.
const (
	Family16h5  = "tag16h5"
	Family36h11 = "tag36h11"
)

// DefaultFamily matches the 16-tag field layout.
const DefaultFamily = Family16h5

// Sub-pixel refinement parameters.
const (
	refineWindow     = 5
	refineIterations = 40
	refineEpsilon    = 0.001
)

func checkFamily(family string) error {
	switch family {
	case Family16h5, Family36h11:
		return nil
	}
	return fmt.Errorf("unknown tag family %q", family)
}
