//go:build !gocv

package cvbridge

import (
	"image"

	"github.com/banshee-data/walleye/internal/calibration"
	"github.com/banshee-data/walleye/internal/camera"
	"github.com/banshee-data/walleye/internal/tags"
)

// Available reports whether OpenCV support is compiled in.
func Available() bool { return false }

func OpenCamera(device string, res image.Point, pixelFormat string) (camera.Source, error) {
	return nil, ErrUnavailable
}

func NewDetector(family string) (tags.Detector, error) {
	if err := checkFamily(family); err != nil {
		return nil, err
	}
	return nil, ErrUnavailable
}

func NewBoardFinder(boardType string) (calibration.BoardFinder, error) {
	return nil, ErrUnavailable
}

func NewRefiner() (calibration.CornerRefiner, error) {
	return nil, ErrUnavailable
}

func NewCalibrator() (calibration.Calibrator, error) {
	return nil, ErrUnavailable
}
