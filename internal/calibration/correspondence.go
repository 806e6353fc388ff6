// Package calibration screens live frames for calibration evidence, turns
// the accepted evidence into a camera model through an external calibrator,
// and stores the resulting calibration files.
package calibration

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/walleye/internal/config"
	"github.com/banshee-data/walleye/internal/geom"
)

var (
	// ErrNoCorrespondences is returned when generating without any accepted view.
	ErrNoCorrespondences = errors.New("calibration: no image data available")
	// ErrNotCalibrated is returned when a camera has no calibration file.
	ErrNotCalibrated = errors.New("calibration: camera not calibrated")
)

// Correspondence pairs a board's reference points with where they were seen
// in one accepted image.
type Correspondence struct {
	Object []r3.Vec
	Image  []geom.Point2
}

// CorrespondenceSet is the append-only evidence of one session.
type CorrespondenceSet struct {
	views []Correspondence
}

// Append adds one view. Both slices are copied.
func (s *CorrespondenceSet) Append(object []r3.Vec, image []geom.Point2) {
	s.views = append(s.views, Correspondence{
		Object: append([]r3.Vec(nil), object...),
		Image:  append([]geom.Point2(nil), image...),
	})
}

// Len returns the number of views.
func (s *CorrespondenceSet) Len() int { return len(s.views) }

// View returns view i.
func (s *CorrespondenceSet) View(i int) Correspondence { return s.views[i] }

// Split returns the object and image points per view, the shape the
// calibrator expects.
func (s *CorrespondenceSet) Split() ([][]r3.Vec, [][]geom.Point2) {
	obj := make([][]r3.Vec, len(s.views))
	img := make([][]geom.Point2, len(s.views))
	for i, v := range s.views {
		obj[i] = v.Object
		img[i] = v.Image
	}
	return obj, img
}

// Reset clears the set at the start of a session.
func (s *CorrespondenceSet) Reset() { s.views = nil }

// ReferenceGrid returns the board's reference points in detection order.
//
// A chessboard yields its inner corners row by row: point k is
// (k mod cols, k div cols, 0). An asymmetric circle grid staggers every other
// row by half a pitch: row i, column j sits at (2j + i mod 2, i, 0).
func ReferenceGrid(boardType string, cols, rows int, squareSize float64) ([]r3.Vec, error) {
	if cols < 2 || rows < 2 {
		return nil, fmt.Errorf("board must be at least 2x2, got %dx%d", cols, rows)
	}
	if squareSize <= 0 {
		squareSize = 1
	}
	pts := make([]r3.Vec, 0, cols*rows)
	switch boardType {
	case config.BoardChessboard:
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				pts = append(pts, r3.Vec{X: float64(c) * squareSize, Y: float64(r) * squareSize})
			}
		}
	case config.BoardCircleGrid:
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				pts = append(pts, r3.Vec{X: float64(2*c+r%2) * squareSize, Y: float64(r) * squareSize})
			}
		}
	default:
		return nil, fmt.Errorf("unknown board type %q", boardType)
	}
	return pts, nil
}
