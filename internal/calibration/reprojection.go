package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/walleye/internal/geom"
)

// ViewError is the reprojection error of one view: the L2 norm of the stacked
// residuals divided by the point count.
func ViewError(object []r3.Vec, image []geom.Point2, in *geom.Intrinsics, rvec, tvec r3.Vec) float64 {
	if len(object) == 0 {
		return 0
	}
	R := geom.Rodrigues(rvec)
	var sum float64
	for i, p := range object {
		px, ok := in.Project(r3.Add(R.MulVec(p), tvec))
		if !ok {
			return math.Inf(1)
		}
		dx := px.X - image[i].X
		dy := px.Y - image[i].Y
		sum += dx*dx + dy*dy
	}
	return math.Sqrt(sum) / float64(len(object))
}

// MeanReprojectionError averages ViewError over every view of set.
func MeanReprojectionError(set *CorrespondenceSet, in *geom.Intrinsics, rvecs, tvecs []r3.Vec) (float64, []float64, error) {
	if set.Len() == 0 {
		return 0, nil, ErrNoCorrespondences
	}
	if len(rvecs) != set.Len() || len(tvecs) != set.Len() {
		return 0, nil, fmt.Errorf("calibrator returned %d/%d extrinsics for %d views", len(rvecs), len(tvecs), set.Len())
	}
	errs := make([]float64, set.Len())
	for i := range errs {
		v := set.View(i)
		errs[i] = ViewError(v.Object, v.Image, in, rvecs[i], tvecs[i])
	}
	return stat.Mean(errs, nil), errs, nil
}
